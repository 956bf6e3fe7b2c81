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

package netpool

import (
	"github.com/bufbuild/netpool/engine"
	"github.com/bufbuild/netpool/ftppool"
	"github.com/bufbuild/netpool/httppool"
	"github.com/bufbuild/netpool/internal"
	"github.com/bufbuild/netpool/transport"
	"github.com/go-logr/logr"
)

// Option is an option used to customize the behavior of an Engine.
type Option interface {
	apply(*engineOptions)
}

// WithConfig sets the limits and feature flags of the engine. Zero-valued
// limits are replaced with their defaults. If no WithConfig option is
// used, [engine.DefaultConfig] is used.
func WithConfig(config engine.Config) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.config = config
	})
}

// WithProxyFromEnvironment takes the HTTP and HTTPS proxies and the
// no-proxy list from the HTTP_PROXY, HTTPS_PROXY, and NO_PROXY environment
// variables, overriding those of the configuration.
func WithProxyFromEnvironment() Option {
	return optionFunc(func(opts *engineOptions) {
		opts.proxyFromEnv = true
	})
}

// WithLogger configures the logger for the engine and everything it
// creates. If no WithLogger option is used, nothing is logged.
func WithLogger(logger logr.Logger) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.logger = logger
	})
}

// WithObserver adds an observer that is notified of connection and request
// events. It may be given more than once. If no WithObserver option is
// used, events are logged at verbosity 1 and 2.
func WithObserver(observer engine.Observer) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.observers = append(opts.observers, observer)
	})
}

// WithDialer configures how transports are established. If no WithDialer
// option is used, a TCP dialer with TLS and ALPN is used that honors the
// configured proxies.
func WithDialer(dialer transport.Dialer) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.dialer = dialer
	})
}

// WithResolver configures name resolution. If no WithResolver option is
// used, the system resolver is used with a small cache.
func WithResolver(resolver engine.Resolver) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.resolver = resolver
	})
}

// WithHTTPDriver sets the driver that writes HTTP requests to the
// connections of every HTTP pool.
func WithHTTPDriver(driver httppool.Driver) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.httpDriver = driver
	})
}

// WithFTPDriver sets the driver that logs in and runs transfers on the
// sessions of every FTP pool.
func WithFTPDriver(driver ftppool.Driver) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.ftpDriver = driver
	})
}

// WithAssignmentPolicy selects how HTTP pools pick among busy connections
// when none is idle. The default is [httppool.AssignLeastLoaded].
func WithAssignmentPolicy(policy httppool.Policy) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.policy = policy
	})
}

type optionFunc func(*engineOptions)

func (f optionFunc) apply(opts *engineOptions) {
	f(opts)
}

type engineOptions struct {
	config       engine.Config
	proxyFromEnv bool
	logger       logr.Logger
	observers    []engine.Observer
	dialer       transport.Dialer
	resolver     engine.Resolver
	clock        internal.Clock
	httpDriver   httppool.Driver
	ftpDriver    ftppool.Driver
	policy       httppool.Policy
}

func (opts *engineOptions) applyDefaults() {
	if opts.logger.GetSink() == nil {
		opts.logger = logr.Discard()
	}
	if opts.proxyFromEnv {
		env := engine.ConfigFromEnvironment()
		opts.config.HTTPProxy = env.HTTPProxy
		opts.config.HTTPSProxy = env.HTTPSProxy
		opts.config.NoProxy = env.NoProxy
	}
	opts.config.ApplyDefaults()
}

func (opts *engineOptions) observer() engine.Observer {
	switch len(opts.observers) {
	case 0:
		return engine.LogObserver{Logger: opts.logger.WithName("events")}
	case 1:
		return opts.observers[0]
	default:
		return engine.MultiObserver(opts.observers)
	}
}

func (opts *engineOptions) contextOptions() []engine.Option {
	ctxOpts := []engine.Option{
		engine.WithLogger(opts.logger),
		engine.WithObserver(opts.observer()),
	}
	if opts.clock != nil {
		ctxOpts = append(ctxOpts, engine.WithClock(opts.clock))
	}
	if opts.dialer != nil {
		ctxOpts = append(ctxOpts, engine.WithDialer(opts.dialer))
	}
	if opts.resolver != nil {
		ctxOpts = append(ctxOpts, engine.WithResolver(opts.resolver))
	}
	return ctxOpts
}
