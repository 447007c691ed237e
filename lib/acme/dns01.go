package acme

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/libdns/libdns"
)

// NewProvider builds a libdns.RecordSetter-compatible DNS-01 solver for the
// given plugin type and configuration data. Three types are recognized
// (route53, cloudflare, generic); any other type is a BadParameter error.
// The returned providers only carry their configuration: SetRecords on
// every one of them returns a NotImplemented error and creates no DNS
// records.
func NewProvider(pluginType string, data map[string]string) (libdns.RecordSetter, error) {
	switch pluginType {
	case "route53":
		return &route53Provider{accessKeyID: data["access_key_id"], secretKey: data["secret_access_key"], region: data["region"]}, nil
	case "cloudflare":
		return &cloudflareProvider{apiToken: data["api_token"]}, nil
	case "generic":
		return &genericProvider{baseURL: data["base_url"], apiKey: data["api_key"]}, nil
	default:
		return nil, trace.BadParameter("unknown acme plugin type %q", pluginType)
	}
}

// route53Provider carries the configuration for AWS Route53 hosted zones.
// It makes no SDK call; SetRecords returns NotImplemented.
type route53Provider struct {
	accessKeyID string
	secretKey   string
	region      string
}

func (p *route53Provider) SetRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	return nil, trace.NotImplemented("route53 DNS-01 provider is not wired in this build")
}

// cloudflareProvider carries the API token for a Cloudflare zone.
// SetRecords returns NotImplemented.
type cloudflareProvider struct {
	apiToken string
}

func (p *cloudflareProvider) SetRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	return nil, trace.NotImplemented("cloudflare DNS-01 provider is not wired in this build")
}

// genericProvider carries a base URL and bearer API key for an HTTP
// TXT-record API. SetRecords returns NotImplemented.
type genericProvider struct {
	baseURL string
	apiKey  string
}

func (p *genericProvider) SetRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	return nil, trace.NotImplemented("generic DNS-01 provider is not wired in this build")
}
