package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gravitational/trace"
)

// client is a thin HTTP client for the public API's {"data":...}/{"error":...}
// envelope (lib/web.envelope). It carries no session state beyond the
// identity header every request sends.
type client struct {
	baseURL string
	authID  string
	http    *http.Client
}

func newClient(baseURL, authID string, insecureSkipVerify bool) *client {
	return &client{
		baseURL: baseURL,
		authID:  authID,
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
			},
		},
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (c *client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("X-PDM-AuthID", c.authID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return trace.Wrap(err, "decoding response from %s %s", method, path)
	}
	if env.Error != "" {
		return fmt.Errorf("%s %s: %s (status %d)", method, path, env.Error, resp.StatusCode)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return trace.Wrap(json.Unmarshal(env.Data, out))
}

func (c *client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *client) put(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
