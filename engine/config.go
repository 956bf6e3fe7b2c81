// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bufbuild/netpool/origin"
	"golang.org/x/net/http/httpproxy"
)

const (
	defaultMaxConnectionsServer   = 6
	defaultMaxConnectionsTotal    = 32
	defaultMaxPersistentPerServer = 6
	defaultMaxConnecting          = 16
	defaultMaxConnectionsLocal    = 16
	defaultPipelineHoldThreshold  = 4
	defaultMaxConcurrentStreams   = 100
	defaultIdlePoolTimeout        = 15 * time.Minute
	defaultSweepInterval          = time.Minute
	defaultMaxPipelineViolations  = 3
	defaultMaxRetries             = 1
)

// Config is the engine's configuration. It is resolved once when the engine
// is created and is read-only afterwards. Zero numeric fields take their
// defaults in ApplyDefaults; boolean features are explicit, and
// DefaultConfig turns on the ones that are on by default.
type Config struct {
	// MaxConnectionsServer caps live connections per origin.
	MaxConnectionsServer int
	// MaxConnectionsTotal caps live connections across all origins.
	MaxConnectionsTotal int
	// MaxPersistentPerServer caps persistent connections per origin. It
	// applies in addition to MaxConnectionsServer when the origin keeps
	// connections alive.
	MaxPersistentPerServer int
	// MaxConnecting caps connections that are still being established.
	MaxConnecting int
	// MaxConnectionsLocal replaces MaxConnectionsServer for local and
	// trusted origins.
	MaxConnectionsLocal int
	// PipelineHoldThreshold is how many requests a connection may carry
	// before further requests are held in the delayed queue.
	PipelineHoldThreshold int
	// MaxConcurrentStreams caps requests per multiplexed connection when the
	// peer does not say otherwise.
	MaxConcurrentStreams int
	// MaxPipelineViolations is how many pipelining violations an origin may
	// commit before pipelining is disabled for it.
	MaxPipelineViolations int
	// MaxRetries is how many times a request is re-driven after its
	// connection failed.
	MaxRetries int

	EnablePipelining           bool
	ExtraIdleConnections       bool
	AlternateProtocolForSecure bool
	// TurboProxy means requests go through a compressing proxy whose
	// identity is not known until the first connection completes. Until
	// then each origin gets a single connection.
	TurboProxy bool
	// EnableEPSV lets FTP sessions use extended passive mode.
	EnableEPSV bool

	// TrustedHosts get the local connection ceiling. Patterns follow
	// origin.Identity.MatchesAny.
	TrustedHosts []string
	// NoProxy lists hosts that are always reached directly.
	NoProxy []string
	// HTTPProxy, HTTPSProxy, and FTPProxy are proxy URLs per scheme. Empty
	// means direct.
	HTTPProxy  string
	HTTPSProxy string
	FTPProxy   string

	// IdlePoolTimeout is how long an empty pool lingers before the sweep
	// removes it.
	IdlePoolTimeout time.Duration
	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	config := Config{
		EnablePipelining:           true,
		ExtraIdleConnections:       true,
		AlternateProtocolForSecure: true,
		EnableEPSV:                 true,
	}
	config.ApplyDefaults()
	return config
}

// ConfigFromEnvironment returns the default configuration with the proxy
// settings taken from HTTP_PROXY, HTTPS_PROXY, and NO_PROXY (or their
// lowercase versions).
func ConfigFromEnvironment() Config {
	config := DefaultConfig()
	env := httpproxy.FromEnvironment()
	config.HTTPProxy = env.HTTPProxy
	config.HTTPSProxy = env.HTTPSProxy
	if env.NoProxy != "" {
		config.NoProxy = splitList(env.NoProxy)
	}
	return config
}

// ApplyDefaults fills zero-valued limits with their defaults.
func (c *Config) ApplyDefaults() {
	setDefault(&c.MaxConnectionsServer, defaultMaxConnectionsServer)
	setDefault(&c.MaxConnectionsTotal, defaultMaxConnectionsTotal)
	setDefault(&c.MaxPersistentPerServer, defaultMaxPersistentPerServer)
	setDefault(&c.MaxConnecting, defaultMaxConnecting)
	setDefault(&c.MaxConnectionsLocal, defaultMaxConnectionsLocal)
	setDefault(&c.PipelineHoldThreshold, defaultPipelineHoldThreshold)
	setDefault(&c.MaxConcurrentStreams, defaultMaxConcurrentStreams)
	setDefault(&c.MaxPipelineViolations, defaultMaxPipelineViolations)
	setDefault(&c.MaxRetries, defaultMaxRetries)
	if c.IdlePoolTimeout == 0 {
		c.IdlePoolTimeout = defaultIdlePoolTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
}

func setDefault(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, value int) {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, value))
		}
	}
	positive("MaxConnectionsServer", c.MaxConnectionsServer)
	positive("MaxConnectionsTotal", c.MaxConnectionsTotal)
	positive("MaxPersistentPerServer", c.MaxPersistentPerServer)
	positive("MaxConnecting", c.MaxConnecting)
	positive("MaxConnectionsLocal", c.MaxConnectionsLocal)
	positive("PipelineHoldThreshold", c.PipelineHoldThreshold)
	positive("MaxConcurrentStreams", c.MaxConcurrentStreams)
	positive("MaxPipelineViolations", c.MaxPipelineViolations)
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MaxRetries must not be negative, got %d", c.MaxRetries))
	}
	if c.MaxConnectionsServer > c.MaxConnectionsTotal {
		errs = append(errs, fmt.Errorf("MaxConnectionsServer (%d) exceeds MaxConnectionsTotal (%d)",
			c.MaxConnectionsServer, c.MaxConnectionsTotal))
	}
	if c.IdlePoolTimeout < 0 || c.SweepInterval < 0 {
		errs = append(errs, errors.New("IdlePoolTimeout and SweepInterval must not be negative"))
	}
	return errors.Join(errs...)
}

// IsTrusted reports whether id gets the local connection ceiling.
func (c *Config) IsTrusted(id origin.Identity) bool {
	return id.IsLocal() || id.MatchesAny(c.TrustedHosts)
}

func splitList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
