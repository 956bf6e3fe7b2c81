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

// Package httppool implements the per-origin HTTP connection pool: it
// decides which connection carries each request, when new connections are
// opened, and how requests are re-driven when connections fail.
//
// The pool does not speak HTTP itself. A Driver is told when a request may
// be written on a connection, and reports progress back through
// RequestSent, HeaderLoaded, RequestFinished, and the failure methods.
// Every method must be called on the dispatch loop.
package httppool

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/dispatch"
	"github.com/bufbuild/netpool/engine"
	"github.com/bufbuild/netpool/internal/conns"
	"github.com/bufbuild/netpool/origin"
	"github.com/bufbuild/netpool/request"
	"github.com/bufbuild/netpool/transport"
	"github.com/go-logr/logr"
	"golang.org/x/net/http2"
)

// Driver performs the HTTP exchange on connections the pool establishes.
type Driver interface {
	// Issue is called when req may be written on c. It must not block.
	Issue(c *Connection, req *request.Request)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(c *Connection, req *request.Request)

func (f DriverFunc) Issue(c *Connection, req *request.Request) {
	f(c, req)
}

// Policy decides which busy connection gets a request when no connection
// is idle and no new one may be opened.
type Policy int

const (
	// AssignLeastLoaded picks the connection with the fewest requests,
	// oldest first on ties.
	AssignLeastLoaded Policy = iota
	// AssignMostLoaded packs requests onto the busiest connection.
	AssignMostLoaded
)

// Option configures a Pool.
type Option interface {
	apply(*Pool)
}

type optionFunc func(*Pool)

func (f optionFunc) apply(p *Pool) { f(p) }

// WithOriginStore shares sticky per-origin flags between pools. Without
// it, the pool keeps its own.
func WithOriginStore(store *OriginStore) Option {
	return optionFunc(func(p *Pool) {
		p.store = store
	})
}

// WithDriver sets the driver that performs requests.
func WithDriver(driver Driver) Option {
	return optionFunc(func(p *Pool) {
		p.driver = driver
	})
}

// WithPolicy sets the assignment policy. The default is AssignLeastLoaded.
func WithPolicy(policy Policy) Option {
	return optionFunc(func(p *Pool) {
		p.policy = policy
	})
}

// Stats is a snapshot of a pool.
type Stats struct {
	Connections int
	Connecting  int
	Idle        int
	Busy        int
	// Attached counts requests carried by connections.
	Attached int
	Queued   int
	Delayed  int
}

// Pool holds the connections to one origin and the requests waiting for
// them.
type Pool struct {
	ctx     *engine.Context
	origin  origin.Identity
	store   *OriginStore
	driver  Driver
	policy  Policy
	handler *dispatch.Handler
	logger  logr.Logger
	h2      *http2.Transport

	// oldest first
	conns      []*Connection
	queue      []*request.Request
	delayed    delayedQueue
	lastActive time.Time
	closed     bool
}

// NewPool returns an empty pool for id.
func NewPool(ctx *engine.Context, id origin.Identity, opts ...Option) *Pool {
	p := &Pool{
		ctx:        ctx,
		origin:     id,
		handler:    ctx.Loop.NewHandler(),
		logger:     ctx.Logger.WithName("http").WithValues("origin", id.String()),
		h2:         &http2.Transport{StrictMaxConcurrentStreams: true},
		lastActive: ctx.Loop.Clock().Now(),
	}
	for _, opt := range opts {
		opt.apply(p)
	}
	if p.store == nil {
		p.store = NewOriginStore()
	}
	_ = p.handler.Register(dispatch.CallbackFunc(p.handleRelease), engine.KindHTTPRelease, 0)
	return p
}

func (p *Pool) Origin() origin.Identity { return p.origin }
func (p *Pool) Conns() conn.Conns       { return conns.FromSlice(p.conns) }
func (p *Pool) LastActive() time.Time   { return p.lastActive }

// Unused reports whether the pool holds no connections and no requests.
func (p *Pool) Unused() bool {
	return len(p.conns) == 0 && len(p.queue) == 0 && p.delayed.Len() == 0
}

// Ceiling is the most live connections the pool may hold right now.
func (p *Pool) Ceiling() int {
	config := &p.ctx.Config
	if config.TurboProxy && !p.store.TurboProxyKnown() {
		return 1
	}
	info := p.store.Get(p.origin)
	ceiling := p.ctx.ServerCeiling(p.origin)
	if !config.IsTrusted(p.origin) && info.Persistent() {
		ceiling = min(ceiling, config.MaxPersistentPerServer)
	}
	if info.Multiplexed {
		ceiling = max(1, ceiling/2)
	}
	return ceiling
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	stats := Stats{
		Connections: len(p.conns),
		Queued:      len(p.queue),
		Delayed:     p.delayed.Len(),
	}
	for _, c := range p.conns {
		stats.Attached += len(c.requests)
		switch c.state { //nolint:exhaustive
		case conn.StateConnecting:
			stats.Connecting++
		case conn.StateIdle:
			stats.Idle++
		case conn.StateBusy:
			stats.Busy++
		}
	}
	return stats
}

// AddRequest schedules req on the pool. The request must be held by the
// caller. On error the request is left untouched.
func (p *Pool) AddRequest(req *request.Request) error {
	if req.Origin != p.origin {
		return fmt.Errorf("request for %s added to pool for %s", req.Origin, p.origin)
	}
	if p.closed {
		return request.ErrClosed
	}
	if req.State() != request.CallerHeld {
		return fmt.Errorf("request %d is %v: %w", req.ID, req.State(), request.ErrNotHeld)
	}
	p.lastActive = p.now()
	if !p.origin.IsIP() {
		p.ctx.Resolver.Prefetch(p.origin.Host)
	}
	p.schedule(req)
	return nil
}

type selection struct {
	idle     *Connection
	least    *Connection
	most     *Connection
	fallback *Connection
	usable   int
}

func (p *Pool) scan(req *request.Request) selection {
	var sel selection
	blocked := req.Has(request.UserInteractionBlocked)
	for _, c := range p.conns {
		if !c.AcceptsNewRequests() || c.interactionBlocked != blocked {
			continue
		}
		if c.IsIdle() || c.multiplexed {
			sel.idle = c
			return sel
		}
		if sel.fallback == nil || len(c.requests) < len(sel.fallback.requests) {
			sel.fallback = c
		}
		if occupiedByDocument(c, req) {
			continue
		}
		sel.usable++
		if sel.least == nil || len(c.requests) < len(sel.least.requests) {
			sel.least = c
		}
		if sel.most == nil || len(c.requests) > len(sel.most.requests) {
			sel.most = c
		}
	}
	return sel
}

// occupiedByDocument reports whether c only carries main document loads
// that req, a subordinate resource, should not queue behind.
func occupiedByDocument(c *Connection, req *request.Request) bool {
	if req.Priority == request.PriorityMainDocument {
		return false
	}
	for _, other := range c.requests {
		if other.Priority != request.PriorityMainDocument {
			return false
		}
		if req.DocumentID != 0 && other.DocumentID != req.DocumentID {
			return false
		}
	}
	return len(c.requests) > 0
}

func (p *Pool) schedule(req *request.Request) {
	sel := p.scan(req)
	if c := sel.idle; c != nil {
		if req.Unsafe() && c.state == conn.StateIdle && !c.multiplexed {
			// The server may already be closing an idle connection, spares
			// included, and an unsafe request cannot be replayed.
			p.logger.V(1).Info("replacing idle connection", "conn", c.id, "request", req.ID)
			p.remove(c, nil)
			p.openOrQueue(req)
			return
		}
		p.attach(c, req)
		return
	}
	candidate := sel.least
	if p.policy == AssignMostLoaded {
		candidate = sel.most
	}
	if req.Unsafe() {
		if candidate != nil {
			candidate.noNew = true
		}
		p.openOrQueue(req)
		return
	}
	if sel.usable < p.Ceiling() && p.tryOpen(req) {
		return
	}
	if candidate == nil && p.ctx.Accounting.HighPressure() {
		candidate = sel.fallback
	}
	if candidate == nil {
		p.enqueue(req)
		return
	}
	if !candidate.multiplexed && len(candidate.requests) > p.ctx.Config.PipelineHoldThreshold &&
		!req.Has(request.LoadDirect) {
		p.hold(req, candidate)
		return
	}
	p.attach(candidate, req)
}

func (p *Pool) liveCount() int {
	return conns.Live(p.Conns())
}

func (p *Pool) canOpen() bool {
	ceiling := p.Ceiling()
	return p.liveCount() < ceiling && !p.ctx.Accounting.TooManyOpen(&p.origin, ceiling)
}

// tryOpen opens a connection for req if the limits allow, evicting an idle
// connection elsewhere when only the global limit stands in the way.
func (p *Pool) tryOpen(req *request.Request) bool {
	if !p.canOpen() {
		if p.liveCount() >= p.Ceiling() || !p.ctx.EvictIdle(false, nil) || !p.canOpen() {
			return false
		}
	}
	p.open(req)
	return true
}

func (p *Pool) openOrQueue(req *request.Request) {
	if !p.tryOpen(req) {
		p.enqueue(req)
	}
}

func (p *Pool) enqueue(req *request.Request) {
	req.Enqueue()
	p.queue = append(p.queue, req)
	p.logger.V(2).Info("request queued", "request", req.ID, "queued", len(p.queue))
}

func (p *Pool) hold(req *request.Request, c *Connection) {
	req.Delay()
	c.held++
	p.delayed.push(req, c.id)
	p.logger.V(2).Info("request delayed", "request", req.ID, "conn", c.id)
}

func (p *Pool) attach(c *Connection, req *request.Request) {
	c.attach(req, p.now())
	p.issue(c)
}

func (p *Pool) issue(c *Connection) {
	for _, req := range c.nextToIssue() {
		if p.driver != nil {
			p.driver.Issue(c, req)
		}
	}
}

func (p *Pool) nextProtos() []string {
	if p.origin.Secure && p.ctx.Config.AlternateProtocolForSecure {
		return []string{transport.ProtoH2, transport.ProtoHTTP11}
	}
	return []string{transport.ProtoHTTP11}
}

func (p *Pool) pipeliningAllowed(info OriginInfo) bool {
	return p.ctx.Config.EnablePipelining && !info.PipelineDisabled &&
		info.Pipelining != PipelineIncapable && info.Persistent()
}

// open starts a new connection and attaches req to it, if not nil.
func (p *Pool) open(req *request.Request) *Connection {
	info := p.store.Get(p.origin)
	now := p.now()
	c := &Connection{
		id:         p.ctx.NextConnID(),
		origin:     p.origin,
		state:      conn.StateConnecting,
		persistent: info.Persistent(),
		pipelining: p.pipeliningAllowed(info),
		maxStreams: p.ctx.Config.MaxConcurrentStreams,
		dialResult: make(chan dialResult, 1),
		created:    now,
		lastUsed:   now,
	}
	if req != nil {
		c.interactionBlocked = req.Has(request.UserInteractionBlocked)
	}
	p.conns = append(p.conns, c)
	p.ctx.Accounting.Opened(p.origin)
	p.ctx.Observer.ConnectionCreated(p.event(c))
	_ = p.handler.Register(dispatch.CallbackFunc(p.handleConnectDone), engine.KindHTTPConnectDone, c.id)

	dialCtx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	var (
		dialer  = p.ctx.Dialer
		h2      = p.h2
		handler = p.handler
		results = c.dialResult
		id      = c.id
		target  = transport.Target{Origin: p.origin, NextProtos: p.nextProtos()}
	)
	p.ctx.Loop.Go(func() {
		defer cancel()
		results <- dial(dialCtx, dialer, h2, target)
		handler.Post(engine.KindHTTPConnectDone, id, 0, 0)
	})
	if req != nil {
		c.attach(req, now)
	}
	return c
}

func dial(ctx context.Context, dialer transport.Dialer, h2 *http2.Transport, target transport.Target) dialResult {
	tc, err := dialer.Dial(ctx, target)
	if err != nil {
		return dialResult{err: err}
	}
	if tc.Protocol() != transport.ProtoH2 || tc.NetConn() == nil {
		return dialResult{conn: tc}
	}
	cc, err := h2.NewClientConn(tc.NetConn())
	if err != nil {
		_ = tc.Close()
		return dialResult{err: err}
	}
	return dialResult{conn: tc, h2: cc}
}

func (p *Pool) handleConnectDone(msg dispatch.Message) {
	p.handler.UnregisterAll(msg.Param1)
	c := p.find(msg.Param1)
	if c == nil || c.state != conn.StateConnecting || c.dialResult == nil {
		return
	}
	result := <-c.dialResult
	c.dialResult = nil
	c.cancelDial = nil
	if result.err != nil {
		p.connectFailed(c, result.err)
		return
	}
	p.connected(c, result)
}

func (p *Pool) connected(c *Connection, result dialResult) {
	c.transport = result.conn
	c.h2 = result.h2
	c.negotiated = result.conn.Protocol()
	c.state = conn.StateIdle
	if len(c.requests) > 0 {
		c.state = conn.StateBusy
	}
	p.ctx.Accounting.Connected(p.origin)
	if c.negotiated == transport.ProtoH2 {
		c.multiplexed = true
		c.pipelining = false
		c.persistent = true
		if c.h2 != nil {
			if n := int(c.h2.State().MaxConcurrentStreams); n > 0 && n < c.maxStreams {
				c.maxStreams = n
			}
		}
		p.store.Update(p.origin, func(info *OriginInfo) { info.Multiplexed = true })
	}
	if p.ctx.Config.TurboProxy {
		p.store.SetTurboProxyKnown()
	}
	p.ctx.Observer.ConnectionConnected(p.event(c))
	p.issue(c)
	if !c.spare {
		p.maybeOpenSpare()
	}
	if c.IsIdle() && len(p.queue) > 0 {
		p.kick(0)
	}
}

// maybeOpenSpare opens an extra connection with no request so that the
// next request finds one ready.
func (p *Pool) maybeOpenSpare() {
	if !p.ctx.Config.ExtraIdleConnections || p.origin.IsLocal() {
		return
	}
	info := p.store.Get(p.origin)
	if !info.Persistent() || info.Multiplexed {
		return
	}
	idle := 0
	for _, c := range p.conns {
		if c.IsIdle() && c.AcceptsNewRequests() {
			idle++
		}
	}
	if idle > 1 || !p.ctx.Accounting.Headroom() || !p.canOpen() {
		return
	}
	c := p.open(nil)
	c.spare = true
	p.logger.V(1).Info("opened extra idle connection", "conn", c.id)
}

func (p *Pool) connectFailed(c *Connection, cause error) {
	p.logger.V(1).Info("connect failed", "conn", c.id, "error", cause.Error())
	reqs := c.takeRequests()
	p.remove(c, cause)
	for _, req := range reqs {
		req.Detach()
		if req.Retries() == 0 && p.canOpen() {
			req.Retry()
			p.open(req)
			continue
		}
		p.fail(req, request.ErrConnectFailed, cause)
	}
}

// RequestSent records that req has been written to its connection.
func (p *Pool) RequestSent(req *request.Request) {
	req.MarkSent()
	p.ctx.Observer.RequestSent(req)
}

// HeaderLoaded records that the response header for req has arrived, and
// learns what it can about the origin from it.
func (p *Pool) HeaderLoaded(req *request.Request, resp ResponseInfo) {
	req.MarkHeaderLoaded()
	info := p.store.Update(p.origin, func(info *OriginInfo) {
		switch {
		case resp.ProtoMajor == 1 && resp.ProtoMinor == 0:
			info.HTTP10 = true
			info.KeepAlive = resp.KeepAlive
			info.Pipelining = PipelineIncapable
		case resp.ProtoMajor >= 1:
			info.HTTP10 = false
		}
		if resp.Pipelining != PipelineUnknown && info.Pipelining != PipelineIncapable {
			info.Pipelining = resp.Pipelining
		}
	})
	if c := p.find(req.ConnID()); c != nil && !c.multiplexed {
		if !info.Persistent() {
			c.persistent = false
		}
		if !info.Persistent() || resp.Close {
			c.noNew = true
		}
		if !p.pipeliningAllowed(info) {
			c.pipelining = false
		}
	}
	p.ctx.Observer.HeaderLoaded(req)
}

// RequestFinished completes req with err, which is nil on success, and
// frees its place on the connection.
func (p *Pool) RequestFinished(req *request.Request, err error) {
	c := p.find(req.ConnID())
	if c != nil {
		c.detach(req, p.now())
		c.used = true
	}
	p.finish(req, err)
	if c == nil {
		return
	}
	switch {
	case !c.persistent || (c.noNew && c.IsIdle()):
		p.retire(c)
	default:
		p.issue(c)
		p.kick(c.id)
	}
}

// retire closes c in an orderly way and re-drives whatever it still
// carries.
func (p *Pool) retire(c *Connection) {
	reqs := c.takeRequests()
	p.remove(c, nil)
	for _, req := range reqs {
		req.Detach()
		p.schedule(req)
	}
}

// ConnectionFailed handles the loss of an established connection.
// Requests not yet sent are re-driven; requests sent without a response
// header are retried if they are safe to repeat; the rest fail.
func (p *Pool) ConnectionFailed(connID int64, cause error) {
	if c := p.find(connID); c != nil {
		p.drop(c, request.ErrConnectionLost, cause)
	}
}

// ProtocolViolation handles a connection whose peer broke pipelining. The
// origin's violation count goes up, and pipelining is disabled for good
// once it reaches the configured limit.
func (p *Pool) ProtocolViolation(connID int64, cause error) {
	limit := p.ctx.Config.MaxPipelineViolations
	info := p.store.Update(p.origin, func(info *OriginInfo) {
		info.Violations++
		if info.Violations >= limit {
			info.PipelineDisabled = true
		}
	})
	if info.PipelineDisabled {
		for _, c := range p.conns {
			c.pipelining = false
		}
		if info.Violations == limit {
			p.logger.Info("pipelining disabled", "violations", info.Violations)
		}
	}
	if c := p.find(connID); c != nil {
		p.drop(c, request.ErrProtocolViolation, cause)
	}
}

func (p *Pool) drop(c *Connection, kind, cause error) {
	reqs := c.takeRequests()
	p.remove(c, cause)
	for _, req := range reqs {
		switch {
		case !req.Sent():
			req.Detach()
			p.schedule(req)
		case !req.HeaderLoaded() && !req.Unsafe() && req.Retries() < p.ctx.Config.MaxRetries:
			req.Retry()
			req.Detach()
			p.schedule(req)
		default:
			p.fail(req, kind, cause)
		}
	}
}

// Cancel withdraws req from the pool and fails it with ErrCancelled. A
// request that was already sent on a non-multiplexed connection takes the
// connection down with it. It reports whether req was found.
func (p *Pool) Cancel(req *request.Request) bool {
	switch req.State() { //nolint:exhaustive
	case request.Queued:
		i := slices.Index(p.queue, req)
		if i < 0 {
			return false
		}
		p.queue = slices.Delete(p.queue, i, i+1)
	case request.Delayed:
		connID, ok := p.delayed.remove(req)
		if !ok {
			return false
		}
		if c := p.find(connID); c != nil {
			c.held--
		}
	case request.Attached:
		c := p.find(req.ConnID())
		if c == nil || !c.detach(req, p.now()) {
			return false
		}
		p.finish(req, request.Fail(req, request.ErrCancelled, nil))
		if req.Sent() && !c.multiplexed {
			p.drop(c, request.ErrConnectionLost, request.ErrCancelled)
			return true
		}
		if c.noNew && c.IsIdle() {
			p.retire(c)
		} else {
			p.issue(c)
			p.kick(c.id)
		}
		return true
	default:
		return false
	}
	p.finish(req, request.Fail(req, request.ErrCancelled, nil))
	return true
}

func (p *Pool) handleRelease(msg dispatch.Message) {
	if msg.Param1 != 0 {
		c := p.find(msg.Param1)
		for _, req := range p.delayed.takeFor(msg.Param1) {
			if c != nil {
				c.held--
			}
			req.Hold()
			p.schedule(req)
		}
	}
	queued := p.queue
	p.queue = nil
	for _, req := range queued {
		req.Hold()
		p.schedule(req)
	}
}

// kick asks the loop to release requests held for connID and retry the
// queue.
func (p *Pool) kick(connID int64) {
	p.handler.Post(engine.KindHTTPRelease, connID, 0, 0)
}

// CloseConn closes one idle connection. Unless force is set, it must also
// be safe to delete.
func (p *Pool) CloseConn(id int64, force bool) bool {
	c := p.find(id)
	if c == nil || c.state != conn.StateIdle || !c.IsIdle() {
		return false
	}
	if !force && !c.SafeToDelete() {
		return false
	}
	p.remove(c, nil)
	return true
}

// ClearIdle closes every idle connection.
func (p *Pool) ClearIdle() int {
	var count int
	for _, c := range slices.Clone(p.conns) {
		if c.state == conn.StateIdle && c.IsIdle() {
			p.remove(c, nil)
			count++
		}
	}
	return count
}

// Restart replaces every connection. Requests they carried are scheduled
// again rather than failed.
func (p *Pool) Restart() {
	old := slices.Clone(p.conns)
	var reqs []*request.Request
	for _, c := range old {
		reqs = append(reqs, c.takeRequests()...)
		p.remove(c, nil)
	}
	for _, req := range reqs {
		req.Detach()
		p.schedule(req)
	}
	p.logger.Info("pool restarted", "conns", len(old), "requests", len(reqs))
}

// Shutdown fails everything the pool holds with cause and returns the
// transports that still need closing. The pool accepts no more requests.
func (p *Pool) Shutdown(cause error) []io.Closer {
	p.closed = true
	var closers []io.Closer
	for _, c := range slices.Clone(p.conns) {
		for _, req := range c.takeRequests() {
			p.fail(req, request.ErrClosed, cause)
		}
		if closer := p.unlink(c, cause); closer != nil {
			closers = append(closers, closer)
		}
	}
	for _, req := range p.queue {
		p.fail(req, request.ErrClosed, cause)
	}
	p.queue = nil
	for _, req := range p.delayed.takeFor(0) {
		p.fail(req, request.ErrClosed, cause)
	}
	p.handler.Destroy()
	return closers
}

// remove drops c from the pool and closes its transport in the background.
func (p *Pool) remove(c *Connection, cause error) {
	closer := p.unlink(c, cause)
	if closer != nil {
		p.ctx.Loop.Go(func() {
			if err := closer.Close(); err != nil {
				p.logger.V(1).Info("closing connection", "conn", c.id, "error", err.Error())
			}
		})
	}
	p.kick(c.id)
}

func (p *Pool) unlink(c *Connection, cause error) io.Closer {
	i := slices.Index(p.conns, c)
	if i < 0 {
		return nil
	}
	p.conns = slices.Delete(p.conns, i, i+1)
	wasConnecting := c.state == conn.StateConnecting
	c.state = conn.StateClosing
	p.ctx.Accounting.Closed(p.origin, wasConnecting)
	p.handler.UnregisterAll(c.id)
	var closer io.Closer
	switch {
	case c.dialResult != nil:
		c.cancelDial()
		results := c.dialResult
		c.dialResult = nil
		closer = closerFunc(func() error { return (<-results).Close() })
	case c.transport != nil:
		closer = c.closer()
	}
	c.state = conn.StateRemoved
	ev := p.event(c)
	ev.Connecting = wasConnecting
	p.ctx.Observer.ConnectionClosed(ev, cause)
	return closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (p *Pool) fail(req *request.Request, kind, cause error) {
	p.finish(req, request.Fail(req, kind, cause))
}

func (p *Pool) finish(req *request.Request, err error) {
	if req.Finish(err) {
		p.ctx.Observer.ResponseFinished(req, err)
	}
}

func (p *Pool) find(id int64) *Connection {
	if id == 0 {
		return nil
	}
	for _, c := range p.conns {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (p *Pool) event(c *Connection) engine.ConnEvent {
	return engine.ConnEvent{ID: c.id, Protocol: conn.HTTP, Origin: p.origin, Negotiated: c.negotiated}
}

func (p *Pool) now() time.Time {
	return p.ctx.Loop.Clock().Now()
}
