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
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"

	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/dispatch"
	"github.com/bufbuild/netpool/engine"
	"github.com/bufbuild/netpool/ftppool"
	"github.com/bufbuild/netpool/httppool"
	"github.com/bufbuild/netpool/origin"
	"github.com/bufbuild/netpool/registry"
	"github.com/bufbuild/netpool/request"
	"github.com/go-logr/logr"
)

// ErrEngineClosed is the cause given to requests failed by Close.
var ErrEngineClosed = errors.New("engine closed")

// Engine owns the HTTP and FTP pools of one process.
//
// Submit, Cancel, and Run may be called from any goroutine. Every other
// method must be called on the dispatch loop, which is the goroutine
// running Run, or from a driver callback.
type Engine struct {
	ctx     *engine.Context
	http    *registry.Registry[*httppool.Pool]
	ftp     *registry.Registry[*ftppool.Pool]
	handler *dispatch.Handler
	logger  logr.Logger

	mu sync.Mutex
	// +checklocks:mu
	inbox []*request.Request
	// +checklocks:mu
	cancels []*request.Request
	// +checklocks:mu
	closed bool
}

var _ engine.Evictor = (*Engine)(nil)

// Stats is a snapshot of the engine.
type Stats struct {
	HTTPPools int
	FTPPools  int
	HTTP      httppool.Stats
	FTP       ftppool.Stats
	// Total and Connecting are the engine-wide counts that admission is
	// decided on.
	Total      int
	Connecting int
}

// New returns an engine that uses the given options. The engine does
// nothing until its loop runs; see Run.
func New(options ...Option) (*Engine, error) {
	opts := engineOptions{config: engine.DefaultConfig()}
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	ctx, err := engine.New(opts.config, opts.contextOptions()...)
	if err != nil {
		return nil, fmt.Errorf("netpool: %w", err)
	}
	e := &Engine{
		ctx:     ctx,
		handler: ctx.Loop.NewHandler(),
		logger:  opts.logger,
	}
	origins := httppool.NewOriginStore()
	e.http = registry.New(func(id origin.Identity) *httppool.Pool {
		return httppool.NewPool(ctx, id,
			httppool.WithOriginStore(origins),
			httppool.WithDriver(opts.httpDriver),
			httppool.WithPolicy(opts.policy),
		)
	}, opts.logger.WithName("http"))
	caps := ftppool.NewCapabilityStore()
	e.ftp = registry.New(func(id origin.Identity) *ftppool.Pool {
		return ftppool.NewPool(ctx, id,
			ftppool.WithCapabilityStore(caps),
			ftppool.WithDriver(opts.ftpDriver),
		)
	}, opts.logger.WithName("ftp"))
	ctx.Evictor = e

	_ = e.handler.Register(dispatch.CallbackFunc(e.handleSubmit), engine.KindSubmit, 0)
	_ = e.handler.Register(dispatch.CallbackFunc(e.handleCancel), engine.KindCancel, 0)
	_ = e.handler.Register(dispatch.CallbackFunc(e.handleSweep), engine.KindSweep, 0)
	e.handler.Post(engine.KindSweep, 0, 0, ctx.Config.SweepInterval)
	return e, nil
}

// Run drives the dispatch loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.ctx.Loop.Run(ctx)
}

// Loop returns the dispatch loop that all pool work runs on.
func (e *Engine) Loop() *dispatch.Loop {
	return e.ctx.Loop
}

// Config returns the configuration in effect, with defaults applied.
func (e *Engine) Config() engine.Config {
	return e.ctx.Config
}

// Submit hands req to the pool for its origin. The outcome is reported
// through req.Done and req.Err, and to the request's listener.
func (e *Engine) Submit(req *request.Request) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.inbox = append(e.inbox, req)
	e.mu.Unlock()
	e.handler.Post(engine.KindSubmit, 0, 0, 0)
	return nil
}

// Cancel withdraws a submitted request. It fails with ErrCancelled unless
// it finished first.
func (e *Engine) Cancel(req *request.Request) {
	e.mu.Lock()
	e.cancels = append(e.cancels, req)
	e.mu.Unlock()
	e.handler.Post(engine.KindCancel, 0, 0, 0)
}

func (e *Engine) handleSubmit(dispatch.Message) {
	e.mu.Lock()
	reqs := e.inbox
	e.inbox = nil
	e.mu.Unlock()
	for _, req := range reqs {
		if err := e.route(req); err != nil {
			if errors.Is(err, request.ErrNotHeld) {
				// Already queued, attached, or finished through an earlier
				// submission; that one owns the outcome.
				e.logger.Info("request submitted twice", "request", req.ID, "error", err.Error())
				continue
			}
			kind := request.ErrResourceExhausted
			if errors.Is(err, registry.ErrClosed) || errors.Is(err, request.ErrClosed) {
				kind = request.ErrClosed
			}
			e.logger.V(1).Info("request rejected", "request", req.ID, "origin", req.Origin.String(), "error", err.Error())
			e.finish(req, request.Fail(req, kind, err))
		}
	}
}

func (e *Engine) route(req *request.Request) error {
	switch req.Protocol {
	case conn.HTTP:
		pool, _, err := e.http.FindPool(req.Origin, true)
		if err != nil {
			return err
		}
		return pool.AddRequest(req)
	case conn.FTP:
		pool, _, err := e.ftp.FindPool(req.Origin, true)
		if err != nil {
			return err
		}
		return pool.AddRequest(req)
	default:
		return fmt.Errorf("unsupported protocol %v", req.Protocol)
	}
}

func (e *Engine) handleCancel(dispatch.Message) {
	e.mu.Lock()
	reqs := e.cancels
	e.cancels = nil
	e.mu.Unlock()
	for _, req := range reqs {
		if e.takeSubmitted(req) {
			e.finish(req, request.Fail(req, request.ErrCancelled, nil))
			continue
		}
		var found bool
		switch req.Protocol {
		case conn.HTTP:
			if pool, ok := e.HTTPPool(req.Origin); ok {
				found = pool.Cancel(req)
			}
		case conn.FTP:
			if pool, ok := e.FTPPool(req.Origin); ok {
				found = pool.Cancel(req)
			}
		}
		if !found {
			e.logger.V(2).Info("cancelled request not found", "request", req.ID)
		}
	}
}

func (e *Engine) takeSubmitted(req *request.Request) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := slices.Index(e.inbox, req)
	if i < 0 {
		return false
	}
	e.inbox = slices.Delete(e.inbox, i, i+1)
	return true
}

func (e *Engine) finish(req *request.Request, err error) {
	if req.Finish(err) {
		e.ctx.Observer.ResponseFinished(req, err)
	}
}

// HTTPPool returns the pool for id, if there is one. Drivers use it to
// report progress on a connection.
func (e *Engine) HTTPPool(id origin.Identity) (*httppool.Pool, bool) {
	pool, ok, _ := e.http.FindPool(id, false)
	return pool, ok
}

// FTPPool returns the pool for id, if there is one.
func (e *Engine) FTPPool(id origin.Identity) (*ftppool.Pool, bool) {
	pool, ok, _ := e.ftp.FindPool(id, false)
	return pool, ok
}

// FindPool returns the pool of the given protocol for id, creating it if
// create is set.
func (e *Engine) FindPool(protocol conn.Protocol, id origin.Identity, create bool) (registry.Pool, bool, error) {
	switch protocol {
	case conn.HTTP:
		pool, ok, err := e.http.FindPool(id, create)
		if !ok {
			return nil, false, err
		}
		return pool, true, nil
	case conn.FTP:
		pool, ok, err := e.ftp.FindPool(id, create)
		if !ok {
			return nil, false, err
		}
		return pool, true, nil
	default:
		return nil, false, fmt.Errorf("unsupported protocol %v", protocol)
	}
}

// TooManyOpenConnections reports whether one more connection would exceed
// the global limit or the limit on connections being established. If id
// is non-nil, the server's own limit is checked too.
func (e *Engine) TooManyOpenConnections(id *origin.Identity) bool {
	var serverMax int
	if id != nil {
		serverMax = e.ctx.ServerCeiling(*id)
	}
	return e.ctx.Accounting.TooManyOpen(id, serverMax)
}

// ProxyFor returns the proxy that reaches id for the given URL scheme, or
// nil for a direct connection.
func (e *Engine) ProxyFor(id origin.Identity, scheme string) (*url.URL, error) {
	return e.ctx.Proxies.ProxyFor(id, scheme)
}

// EvictIdle closes the least recently used idle connection of either
// protocol, restricted to one origin if filter is non-nil. It reports
// whether it closed anything.
func (e *Engine) EvictIdle(force bool, filter *origin.Identity) bool {
	httpCandidate, httpOK := e.http.OldestIdle(force, filter)
	ftpCandidate, ftpOK := e.ftp.OldestIdle(force, filter)
	switch {
	case httpOK && (!ftpOK || !ftpCandidate.LastUsed.Before(httpCandidate.LastUsed)):
		return e.http.EvictIdle(force, &httpCandidate.Origin)
	case ftpOK:
		return e.ftp.EvictIdle(force, &ftpCandidate.Origin)
	default:
		return false
	}
}

// ClearIdle closes every idle connection and returns how many.
func (e *Engine) ClearIdle() int {
	return e.http.ClearIdle() + e.ftp.ClearIdle()
}

// RestartAll replaces every connection, for example after a network
// change. Requests in flight are issued again where that is safe.
func (e *Engine) RestartAll() {
	e.http.RestartAll()
	e.ftp.RestartAll()
}

// CloseAll drops every pool, failing their requests with ErrClosed and
// cause, and waits for the transports to close. The engine stays usable;
// later requests get fresh pools.
func (e *Engine) CloseAll(ctx context.Context, cause error) error {
	err := errors.Join(e.http.Reset(ctx, cause), e.ftp.Reset(ctx, cause))
	e.logger.Info("closed all pools")
	return err
}

// Close shuts the engine down. Pending and in-flight requests fail with
// ErrClosed and ErrEngineClosed. Close should be called on the dispatch
// loop, or after Run returned.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := e.inbox
	e.inbox = nil
	e.cancels = nil
	e.mu.Unlock()
	for _, req := range pending {
		e.finish(req, request.Fail(req, request.ErrClosed, ErrEngineClosed))
	}
	err := errors.Join(
		e.http.CloseAll(ctx, ErrEngineClosed),
		e.ftp.CloseAll(ctx, ErrEngineClosed),
	)
	e.handler.Destroy()
	e.logger.Info("engine closed")
	return err
}

// Sweep removes pools that have been empty and unused for the configured
// idle pool timeout. It runs periodically on its own and returns how many
// pools it removed.
func (e *Engine) Sweep() int {
	cutoff := e.ctx.Loop.Clock().Now().Add(-e.ctx.Config.IdlePoolTimeout)
	return e.http.Sweep(context.Background(), cutoff) + e.ftp.Sweep(context.Background(), cutoff)
}

func (e *Engine) handleSweep(dispatch.Message) {
	if removed := e.Sweep(); removed > 0 {
		e.logger.V(1).Info("swept idle pools", "removed", removed)
	}
	e.handler.Post(engine.KindSweep, 0, 0, e.ctx.Config.SweepInterval)
}

// Stats returns a snapshot of every pool.
func (e *Engine) Stats() Stats {
	var stats Stats
	for _, pool := range e.http.Pools() {
		s := pool.Stats()
		stats.HTTPPools++
		stats.HTTP.Connections += s.Connections
		stats.HTTP.Connecting += s.Connecting
		stats.HTTP.Idle += s.Idle
		stats.HTTP.Busy += s.Busy
		stats.HTTP.Attached += s.Attached
		stats.HTTP.Queued += s.Queued
		stats.HTTP.Delayed += s.Delayed
	}
	for _, pool := range e.ftp.Pools() {
		s := pool.Stats()
		stats.FTPPools++
		stats.FTP.Sessions += s.Sessions
		stats.FTP.Connecting += s.Connecting
		stats.FTP.Authenticating += s.Authenticating
		stats.FTP.Idle += s.Idle
		stats.FTP.Active += s.Active
		stats.FTP.Queued += s.Queued
	}
	stats.Total = e.ctx.Accounting.Total()
	stats.Connecting = e.ctx.Accounting.Connecting()
	return stats
}
