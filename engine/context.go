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

// Package engine holds what every pool in one engine shares: the dispatch
// loop, the configuration, connection accounting, the dialer and resolver,
// and the outbound notification interface. A Context is created per
// engine, so independent engines (and tests) never share state.
package engine

import (
	"context"
	"net/netip"
	"sync/atomic"

	"github.com/bufbuild/netpool/dispatch"
	"github.com/bufbuild/netpool/internal"
	"github.com/bufbuild/netpool/origin"
	"github.com/bufbuild/netpool/resolver"
	"github.com/bufbuild/netpool/transport"
	"github.com/go-logr/logr"
)

// Message kinds used on the engine's loop. Param1 is always the ID of the
// connection, request, or pool the message is about.
const (
	KindSubmit dispatch.Kind = iota + 1
	KindCancel
	KindSweep
	KindHTTPConnectDone
	KindHTTPRelease
	KindFTPConnectDone
	KindFTPRelease
)

// Resolver is what pools need from name resolution.
type Resolver interface {
	// Prefetch starts resolving host without blocking, unless it is
	// already resolved or resolving.
	Prefetch(host string) bool
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// Evictor closes idle connections to make room for new ones.
type Evictor interface {
	// EvictIdle closes the least recently used idle connection, restricted
	// to one origin if filter is non-nil. With force set, connections that
	// are idle but not yet safe to delete may also be closed. It reports
	// whether it closed anything.
	EvictIdle(force bool, filter *origin.Identity) bool
}

// Context is the explicit replacement for process-wide engine state. It is
// passed to every pool constructor.
type Context struct {
	Loop       *dispatch.Loop
	Config     Config
	Logger     logr.Logger
	Observer   Observer
	Dialer     transport.Dialer
	Resolver   Resolver
	Proxies    *ProxyTable
	Accounting *Accounting
	// Evictor is set by the owner of the registries. Until then eviction
	// never finds anything.
	Evictor Evictor

	lastConnID atomic.Int64
}

// Option configures a Context.
type Option interface {
	apply(*contextOptions)
}

type optionFunc func(*contextOptions)

func (f optionFunc) apply(o *contextOptions) { f(o) }

type contextOptions struct {
	logger   logr.Logger
	clock    internal.Clock
	observer Observer
	dialer   transport.Dialer
	resolver Resolver
}

// WithLogger sets the logger shared by the loop and every pool.
func WithLogger(logger logr.Logger) Option {
	return optionFunc(func(o *contextOptions) { o.logger = logger })
}

// WithClock sets the clock behind delayed messages and cache expiry.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(o *contextOptions) { o.clock = clock })
}

// WithObserver sets the notification sink.
func WithObserver(observer Observer) Option {
	return optionFunc(func(o *contextOptions) { o.observer = observer })
}

// WithDialer replaces the default TCP and TLS dialer.
func WithDialer(dialer transport.Dialer) Option {
	return optionFunc(func(o *contextOptions) { o.dialer = dialer })
}

// WithResolver replaces the default DNS resolver.
func WithResolver(res Resolver) Option {
	return optionFunc(func(o *contextOptions) { o.resolver = res })
}

// New creates a context with a fresh dispatch loop. Zero limits in config
// take their defaults.
func New(config Config, opts ...Option) (*Context, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	options := contextOptions{
		logger:   logr.Discard(),
		clock:    internal.NewRealClock(),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt.apply(&options)
	}
	loop := dispatch.NewLoop(
		dispatch.WithClock(options.clock),
		dispatch.WithLogger(options.logger.WithName("dispatch")),
	)
	ctx := &Context{
		Loop:     loop,
		Config:   config,
		Logger:   options.logger,
		Observer: options.observer,
		Resolver: options.resolver,
		Dialer:   options.dialer,
	}
	ctx.Proxies = NewProxyTable(&ctx.Config)
	ctx.Accounting = NewAccounting(&ctx.Config)
	if ctx.Resolver == nil {
		ctx.Resolver = resolver.NewDNS(
			resolver.WithClock(options.clock),
			resolver.WithRunner(loop.Go),
			resolver.WithLogger(options.logger.WithName("resolver")),
		)
	}
	if ctx.Dialer == nil {
		ctx.Dialer = transport.NewDialer(transport.Options{
			Resolver:  ctx.Resolver,
			ProxyFunc: ctx.Proxies.ForOrigin,
		})
	}
	return ctx, nil
}

// NextConnID returns a connection ID that is unique within this context.
func (c *Context) NextConnID() int64 {
	return c.lastConnID.Add(1)
}

// EvictIdle asks the Evictor, if any, to make room.
func (c *Context) EvictIdle(force bool, filter *origin.Identity) bool {
	if c.Evictor == nil {
		return false
	}
	return c.Evictor.EvictIdle(force, filter)
}

// ServerCeiling returns the base per-origin connection limit for id before
// protocol-specific adjustments: the configured maximum, raised for local
// and trusted origins.
func (c *Context) ServerCeiling(id origin.Identity) int {
	if c.Config.IsTrusted(id) && c.Config.MaxConnectionsLocal > c.Config.MaxConnectionsServer {
		return c.Config.MaxConnectionsLocal
	}
	return c.Config.MaxConnectionsServer
}
