// ============================================================================
// Flowtree Config - Server Construction Properties
// ============================================================================
//
// Package: internal/config
// File: config.go
// Function: Flat string-keyed properties driving server and node topology
//
// Property keys:
//   server.port        listening port (0 disables the listener)
//   nodes.initial      node count in the group
//   nodes.peers        per-node peer ceiling
//   nodes.jobs         per-node job-queue ceiling
//   servers.total      seed server count
//   servers.<i>.host   seed server host
//   servers.<i>.port   seed server port
//   group.sleep        group drain-loop tick
//   connect.timeout    connection handshake timeout
//   metrics.enabled    expose a Prometheus endpoint
//   metrics.port       Prometheus endpoint port
//   events.db          sqlite path for the completion-event log
//   notify.webhook     chat webhook URL for completion notifications
//
// Configuration may be loaded from a YAML file; nested documents are
// flattened onto dotted property keys, so both styles address the same
// settings.
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Property keys understood by the server.
const (
	KeyServerPort     = "server.port"
	KeyNodesInitial   = "nodes.initial"
	KeyNodesPeers     = "nodes.peers"
	KeyNodesJobs      = "nodes.jobs"
	KeyServersTotal   = "servers.total"
	KeyGroupSleep     = "group.sleep"
	KeyConnectTimeout = "connect.timeout"
	KeyMetricsEnabled = "metrics.enabled"
	KeyMetricsPort    = "metrics.port"
	KeyEventsDB       = "events.db"
	KeyNotifyWebhook  = "notify.webhook"
)

// Defaults applied when a property is absent.
const (
	DefaultPort           = 7766
	DefaultNodes          = 1
	DefaultMaxPeers       = 2
	DefaultMaxJobs        = 4
	DefaultGroupSleep     = 5 * time.Second
	DefaultConnectTimeout = 5 * time.Second
)

// Properties is a flat string-keyed configuration map.
type Properties map[string]string

// New returns an empty property set.
func New() Properties { return make(Properties) }

// Get returns the value for key, or fallback when absent.
func (p Properties) Get(key, fallback string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

// GetInt returns the integer value for key, or fallback when absent or
// unparseable.
func (p Properties) GetInt(key string, fallback int) int {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// GetBool returns the boolean value for key, or fallback.
func (p Properties) GetBool(key string, fallback bool) bool {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// GetDuration returns the duration for key, or fallback. Plain integers are
// read as seconds for compatibility with older property files.
func (p Properties) GetDuration(key string, fallback time.Duration) time.Duration {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// Set stores a property, overwriting any previous value.
func (p Properties) Set(key, value string) { p[key] = value }

// SeedServers returns the seed peer addresses declared by servers.total and
// servers.<i>.host/port.
func (p Properties) SeedServers() []string {
	total := p.GetInt(KeyServersTotal, 0)
	seeds := make([]string, 0, total)

	for i := 0; i < total; i++ {
		host := p.Get(fmt.Sprintf("servers.%d.host", i), "localhost")
		port := p.GetInt(fmt.Sprintf("servers.%d.port", i), DefaultPort)
		seeds = append(seeds, fmt.Sprintf("%s:%d", host, port))
	}
	return seeds
}

// Apply parses "key=value" override strings onto the property set.
func (p Properties) Apply(overrides []string) error {
	for _, o := range overrides {
		k, v, found := strings.Cut(o, "=")
		if !found || k == "" {
			return fmt.Errorf("invalid property override %q (want key=value)", o)
		}
		p[k] = v
	}
	return nil
}

// LoadYAML reads a YAML file and flattens it onto dotted property keys.
// Sequences flatten onto numeric segments, so a "servers:" list maps onto
// the servers.<i>.host / servers.<i>.port keys.
func LoadYAML(path string) (Properties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	p := New()
	flatten("", doc, p)

	// A "servers:" sequence implies servers.total unless set explicitly.
	if _, ok := p["servers.total"]; !ok {
		total := 0
		for {
			if _, ok := p[fmt.Sprintf("servers.%d.host", total)]; !ok {
				break
			}
			total++
		}
		if total > 0 {
			p["servers.total"] = strconv.Itoa(total)
		}
	}
	return p, nil
}

func flatten(prefix string, v interface{}, out Properties) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			flatten(join(prefix, k), child, out)
		}
	case []interface{}:
		for i, child := range val {
			flatten(join(prefix, strconv.Itoa(i)), child, out)
		}
	case nil:
		// skip empty nodes
	default:
		out[prefix] = fmt.Sprintf("%v", val)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
