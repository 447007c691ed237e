/*
Copyright 2018-2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pdm contains fleet-wide constants shared by every package in this
// module: component names for logging, and the wire constants used by the
// privileged and public daemons.
package pdm

import "strings"

const (
	// HTTPNextProtoTLS is the ALPN protocol negotiated for the public HTTPS
	// listener.
	HTTPNextProtoTLS = "http/1.1"
)

// Component names, used as values for the trace.Component logging field.
const (
	ComponentPrivilegedDaemon = "pdmd"
	ComponentPublicAPI        = "pdm-api"
	ComponentRemoteDirectory  = "remotes"
	ComponentRemoteCache      = "remote-cache"
	ComponentConnection       = "connection"
	ComponentFetcher          = "fetcher"
	ComponentMetrics          = "metrics"
	ComponentUpdates          = "updates"
	ComponentMigration        = "migration"
	ComponentDiscovery        = "discovery"
	ComponentACME             = "acme"
	ComponentACL              = "acl"
	ComponentScheduler        = "scheduler"
	ComponentTasks            = "tasks"
	ComponentWeb              = "web"
	ComponentCommandSocket    = "cmdsock"
)

// Component generates "component:subcomponent1:subcomponent2" strings used
// in debugging, mirroring the teacher's logging idiom.
func Component(components ...string) string {
	return strings.Join(components, ":")
}

// Default environment variables recognized at startup.
const (
	// EnvDebug enables verbose logging across all components.
	EnvDebug = "PROXMOX_DEBUG"
)

// Minute-aligned scheduler and collection interval defaults, kept here
// with the other fleet-wide constants.
const (
	// DefaultCollectionInterval is the default metric collection period, in
	// seconds.
	DefaultCollectionInterval = 600
	// MinCollectionInterval is the minimum time between forced collections
	// for the same remote, in seconds.
	MinCollectionInterval = 10
	// ConfigPollInterval is how often the node-name discovery task re-reads
	// remotes.cfg, in seconds.
	ConfigPollInterval = 60
)
