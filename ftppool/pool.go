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

// Package ftppool implements the per-origin FTP session pool. Sessions are
// reused across requests of the same user, and queued requests are handed
// to a freed session preferring those that target its current directory.
//
// Like the HTTP pool, it does not speak the protocol: a Driver logs in and
// runs transfers, reporting back through the pool's methods. Every method
// must be called on the dispatch loop.
package ftppool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
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
)

// Driver speaks FTP on the sessions the pool establishes.
type Driver interface {
	// Login is called once the control connection of s is up. The driver
	// reports the outcome with LoggedIn, LoginFailed, or ControlFailed.
	Login(s *Session)
	// Start is called when req may run on s. The driver reports the
	// outcome with TransferComplete, DataChannelFailed, or ControlFailed.
	// Start is called again for the same request when the data channel
	// must be retried in another mode.
	Start(s *Session, req *request.Request)
}

// Option configures a Pool.
type Option interface {
	apply(*Pool)
}

type optionFunc func(*Pool)

func (f optionFunc) apply(p *Pool) { f(p) }

// WithCapabilityStore shares capability check results between pools.
func WithCapabilityStore(store *CapabilityStore) Option {
	return optionFunc(func(p *Pool) {
		p.caps = store
	})
}

// WithDriver sets the driver that logs in and runs transfers.
func WithDriver(driver Driver) Option {
	return optionFunc(func(p *Pool) {
		p.driver = driver
	})
}

// Stats is a snapshot of a pool.
type Stats struct {
	Sessions       int
	Connecting     int
	Authenticating int
	Idle           int
	Active         int
	Queued         int
}

// Pool holds the sessions to one FTP origin.
type Pool struct {
	ctx     *engine.Context
	origin  origin.Identity
	caps    *CapabilityStore
	driver  Driver
	handler *dispatch.Handler
	logger  logr.Logger

	// oldest first
	sessions   []*Session
	queue      []*request.Request
	lastActive time.Time
	closed     bool
}

// NewPool returns an empty pool for id.
func NewPool(ctx *engine.Context, id origin.Identity, opts ...Option) *Pool {
	p := &Pool{
		ctx:        ctx,
		origin:     id,
		handler:    ctx.Loop.NewHandler(),
		logger:     ctx.Logger.WithName("ftp").WithValues("origin", id.String()),
		lastActive: ctx.Loop.Clock().Now(),
	}
	for _, opt := range opts {
		opt.apply(p)
	}
	if p.caps == nil {
		p.caps = NewCapabilityStore()
	}
	_ = p.handler.Register(dispatch.CallbackFunc(p.handleRelease), engine.KindFTPRelease, 0)
	return p
}

func (p *Pool) Origin() origin.Identity { return p.origin }
func (p *Pool) Conns() conn.Conns       { return conns.FromSlice(p.sessions) }
func (p *Pool) LastActive() time.Time   { return p.lastActive }

// Unused reports whether the pool holds no sessions and no requests.
func (p *Pool) Unused() bool {
	return len(p.sessions) == 0 && len(p.queue) == 0
}

// Ceiling is the most live sessions the pool may hold. Extended passive
// transfers use a second socket per session, so while EPSV is enabled and
// not known to be unsupported, the server ceiling is halved.
func (p *Pool) Ceiling() int {
	ceiling := p.ctx.ServerCeiling(p.origin)
	if p.ctx.Config.EnableEPSV && p.caps.Get(p.origin, CapEPSV) != Unsupported {
		ceiling = max(1, ceiling/2)
	}
	return ceiling
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	stats := Stats{Sessions: len(p.sessions), Queued: len(p.queue)}
	for _, s := range p.sessions {
		switch s.state { //nolint:exhaustive
		case conn.StateConnecting:
			stats.Connecting++
		case conn.StateAuthenticating:
			stats.Authenticating++
		case conn.StateIdle:
			stats.Idle++
		case conn.StateBusy:
			stats.Active++
		}
	}
	return stats
}

// NeedsCheck reports whether the driver should test capability before
// relying on it.
func (p *Pool) NeedsCheck(capability Capability) bool {
	return p.caps.Get(p.origin, capability) == Untested
}

// Supports reports whether capability is known to work.
func (p *Pool) Supports(capability Capability) bool {
	return p.caps.Get(p.origin, capability) == Supported
}

// AddRequest schedules req on the pool. On error the request is left
// untouched.
func (p *Pool) AddRequest(req *request.Request) error {
	if req.Protocol != conn.FTP || req.Origin != p.origin {
		return fmt.Errorf("request %v added to ftp pool for %s", req, p.origin)
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

func (p *Pool) schedule(req *request.Request) {
	if s := p.idleFor(req); s != nil {
		p.start(s, req)
		return
	}
	if p.tryOpen(req) {
		return
	}
	// A session logged in as someone else is in the way.
	if other := p.idleForOther(req); other != nil {
		p.logger.V(1).Info("closing session for another user", "conn", other.id)
		p.remove(other, nil)
		if p.tryOpen(req) {
			return
		}
	}
	req.Enqueue()
	p.queue = append(p.queue, req)
	p.logger.V(2).Info("request queued", "request", req.ID, "queued", len(p.queue))
}

// idleFor returns an idle session that may run req, preferring one that is
// already in the right directory.
func (p *Pool) idleFor(req *request.Request) *Session {
	var found *Session
	dir := TargetDir(req)
	for _, s := range p.sessions {
		if !s.AcceptsNewRequests() || !s.accepts(req) {
			continue
		}
		if s.cwd == dir {
			return s
		}
		if found == nil {
			found = s
		}
	}
	return found
}

func (p *Pool) idleForOther(req *request.Request) *Session {
	for _, s := range p.sessions {
		if s.AcceptsNewRequests() && !s.accepts(req) {
			return s
		}
	}
	return nil
}

// NextRequest returns the queued request that s would run next, if any.
// Requests targeting the session's working directory come first.
func (p *Pool) NextRequest(s *Session) *request.Request {
	if i := p.nextRequest(s); i >= 0 {
		return p.queue[i]
	}
	return nil
}

func (p *Pool) nextRequest(s *Session) int {
	first := -1
	for i, req := range p.queue {
		if !s.accepts(req) {
			continue
		}
		if s.cwd != "" && TargetDir(req) == s.cwd {
			return i
		}
		if first < 0 {
			first = i
		}
	}
	return first
}

func (p *Pool) liveCount() int {
	return conns.Live(p.Conns())
}

func (p *Pool) canOpen() bool {
	ceiling := p.Ceiling()
	return p.liveCount() < ceiling && !p.ctx.Accounting.TooManyOpen(&p.origin, ceiling)
}

func (p *Pool) tryOpen(req *request.Request) bool {
	if !p.canOpen() {
		if p.liveCount() >= p.Ceiling() || !p.ctx.EvictIdle(false, nil) || !p.canOpen() {
			return false
		}
	}
	p.open(req)
	return true
}

func (p *Pool) open(req *request.Request) *Session {
	now := p.now()
	s := &Session{
		id:         p.ctx.NextConnID(),
		origin:     p.origin,
		state:      conn.StateConnecting,
		dialResult: make(chan dialResult, 1),
		created:    now,
		lastUsed:   now,
	}
	if !anonymous(req.User) {
		s.user = req.User
	}
	s.req = req
	req.Attach(s.id)
	p.sessions = append(p.sessions, s)
	p.ctx.Accounting.Opened(p.origin)
	p.ctx.Observer.ConnectionCreated(p.event(s))
	_ = p.handler.Register(dispatch.CallbackFunc(p.handleConnectDone), engine.KindFTPConnectDone, s.id)

	dialCtx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	var (
		dialer  = p.ctx.Dialer
		handler = p.handler
		results = s.dialResult
		id      = s.id
		target  = transport.Target{Origin: p.origin, Direct: true}
	)
	p.ctx.Loop.Go(func() {
		defer cancel()
		tc, err := dialer.Dial(dialCtx, target)
		results <- dialResult{conn: tc, err: err}
		handler.Post(engine.KindFTPConnectDone, id, 0, 0)
	})
	return s
}

func (p *Pool) handleConnectDone(msg dispatch.Message) {
	p.handler.UnregisterAll(msg.Param1)
	s := p.find(msg.Param1)
	if s == nil || s.state != conn.StateConnecting || s.dialResult == nil {
		return
	}
	result := <-s.dialResult
	s.dialResult = nil
	s.cancelDial = nil
	if result.err != nil {
		p.connectFailed(s, result.err)
		return
	}
	s.transport = result.conn
	s.state = conn.StateAuthenticating
	p.ctx.Accounting.Connected(p.origin)
	p.ctx.Observer.ConnectionConnected(p.event(s))
	if p.driver != nil {
		p.driver.Login(s)
	}
}

func (p *Pool) connectFailed(s *Session, cause error) {
	p.logger.V(1).Info("connect failed", "conn", s.id, "error", cause.Error())
	req := s.req
	s.req = nil
	p.remove(s, cause)
	if req == nil {
		return
	}
	req.Detach()
	if req.Retries() == 0 && p.canOpen() {
		req.Retry()
		p.open(req)
		return
	}
	p.fail(req, request.ErrConnectFailed, cause)
}

// LoggedIn moves an authenticating session to idle. cwd is the login
// directory if the driver learned it, or empty.
func (p *Pool) LoggedIn(sessionID int64, cwd string) {
	s := p.find(sessionID)
	if s == nil || s.state != conn.StateAuthenticating {
		return
	}
	s.state = conn.StateIdle
	s.setCwd(cwd)
	if s.req != nil {
		p.begin(s)
		return
	}
	p.release(s)
}

// LoginFailed drops a session whose credentials were rejected. The
// request it was opened for fails without retry.
func (p *Pool) LoginFailed(sessionID int64, cause error) {
	s := p.find(sessionID)
	if s == nil {
		return
	}
	req := s.req
	s.req = nil
	p.remove(s, cause)
	if req != nil {
		p.fail(req, request.ErrConnectFailed, cause)
	}
}

// DirectoryChanged records a successful CWD or PWD.
func (p *Pool) DirectoryChanged(sessionID int64, dir string) {
	if s := p.find(sessionID); s != nil {
		s.setCwd(dir)
	}
}

// DirectoryUnknown forgets the session's working directory, for example
// after a failed CWD.
func (p *Pool) DirectoryUnknown(sessionID int64) {
	if s := p.find(sessionID); s != nil {
		s.cwd = ""
	}
}

func (s *Session) setCwd(dir string) {
	if dir == "" {
		s.cwd = ""
		return
	}
	s.cwd = path.Clean("/" + dir)
}

// CapabilityResult records the outcome of probing capability. Once a
// capability is unsupported it stays that way.
func (p *Pool) CapabilityResult(capability Capability, supported bool) {
	before := p.caps.Get(p.origin, capability)
	after := p.caps.Record(p.origin, capability, supported)
	if before != after {
		p.logger.V(1).Info("capability checked", "capability", capability.String(), "support", after.String())
	}
	if capability == CapEPSV && after == Unsupported && before != Unsupported {
		// The ceiling grew.
		p.kick()
	}
}

// StartTransfer returns the data channel mode for the request running on
// the session: extended passive if enabled and not known to fail, then
// passive, then active.
func (p *Pool) StartTransfer(sessionID int64) (DataMode, error) {
	s := p.find(sessionID)
	if s == nil || s.req == nil {
		return 0, fmt.Errorf("session %d has no transfer", sessionID)
	}
	s.mode = p.dataMode()
	if !s.req.Sent() {
		s.req.MarkSent()
		p.ctx.Observer.RequestSent(s.req)
	}
	return s.mode, nil
}

func (p *Pool) dataMode() DataMode {
	switch {
	case p.ctx.Config.EnableEPSV && p.caps.Get(p.origin, CapEPSV) != Unsupported:
		return ExtendedPassive
	case p.caps.Get(p.origin, CapPASV) != Unsupported:
		return Passive
	default:
		return Active
	}
}

// DataChannelFailed handles a failed data connection. If the channel could
// not be set up in a passive mode, that mode is marked unsupported for the
// origin and the transfer is started again in the next mode. Otherwise the
// request fails with ErrPartialProgress and the session stays usable.
func (p *Pool) DataChannelFailed(sessionID int64, setup bool, cause error) {
	s := p.find(sessionID)
	if s == nil || s.req == nil {
		return
	}
	req := s.req
	if setup && s.mode != Active {
		switch s.mode {
		case ExtendedPassive:
			p.CapabilityResult(CapEPSV, false)
		case Passive:
			p.CapabilityResult(CapPASV, false)
		}
		p.logger.V(1).Info("data channel setup failed, retrying", "conn", s.id, "mode", s.mode.String(), "next", p.dataMode().String())
		if p.driver != nil {
			p.driver.Start(s, req)
		}
		return
	}
	p.fail(req, request.ErrPartialProgress, cause)
	p.release(s)
}

// TransferComplete finishes the running request with err, which is nil on
// success, and frees the session.
func (p *Pool) TransferComplete(sessionID int64, err error) {
	s := p.find(sessionID)
	if s == nil || s.req == nil {
		return
	}
	p.finish(s.req, err)
	p.release(s)
}

// ControlFailed handles the loss of a control connection. The session is
// removed. A request that had not started yet is tried again once; a
// running one fails with ErrConnectionLost.
func (p *Pool) ControlFailed(sessionID int64, cause error) {
	s := p.find(sessionID)
	if s == nil {
		return
	}
	req, started := s.req, s.started
	s.req = nil
	p.remove(s, cause)
	if req == nil {
		return
	}
	if !started && req.Retries() < p.ctx.Config.MaxRetries {
		req.Retry()
		req.Detach()
		p.schedule(req)
		return
	}
	p.fail(req, request.ErrConnectionLost, cause)
}

// Cancel withdraws req and fails it with ErrCancelled. A running transfer
// takes its session down with it. It reports whether req was found.
func (p *Pool) Cancel(req *request.Request) bool {
	switch req.State() { //nolint:exhaustive
	case request.Queued:
		i := slices.Index(p.queue, req)
		if i < 0 {
			return false
		}
		p.queue = slices.Delete(p.queue, i, i+1)
	case request.Attached:
		s := p.find(req.ConnID())
		if s == nil || s.req != req {
			return false
		}
		s.req = nil
		if s.started {
			p.remove(s, request.ErrCancelled)
		}
	default:
		return false
	}
	p.fail(req, request.ErrCancelled, nil)
	return true
}

func (p *Pool) start(s *Session, req *request.Request) {
	s.req = req
	s.lastUsed = p.now()
	req.Attach(s.id)
	if s.state == conn.StateIdle {
		p.begin(s)
	}
}

func (p *Pool) begin(s *Session) {
	s.state = conn.StateBusy
	s.started = true
	if p.driver != nil {
		p.driver.Start(s, s.req)
	}
}

// release frees s and hands it the best queued request.
func (p *Pool) release(s *Session) {
	s.req = nil
	s.started = false
	s.lastUsed = p.now()
	s.state = conn.StateIdle
	if s.noNew {
		p.remove(s, nil)
		return
	}
	if i := p.nextRequest(s); i >= 0 {
		req := p.queue[i]
		p.queue = slices.Delete(p.queue, i, i+1)
		p.start(s, req)
	}
	if len(p.queue) > 0 {
		p.kick()
	}
}

func (p *Pool) kick() {
	p.handler.Post(engine.KindFTPRelease, 0, 0, 0)
}

func (p *Pool) handleRelease(dispatch.Message) {
	queued := p.queue
	p.queue = nil
	for _, req := range queued {
		req.Hold()
		p.schedule(req)
	}
}

// CloseConn closes one idle session. Without force, a session that a
// queued request could use is kept.
func (p *Pool) CloseConn(id int64, force bool) bool {
	s := p.find(id)
	if s == nil || s.state != conn.StateIdle || !s.IsIdle() {
		return false
	}
	if !force && p.NextRequest(s) != nil {
		return false
	}
	p.remove(s, nil)
	return true
}

// Retire stops the session from taking new requests, for example after
// the server announced it is going away. An idle session closes at once.
func (p *Pool) Retire(sessionID int64) {
	s := p.find(sessionID)
	if s == nil {
		return
	}
	s.noNew = true
	if s.state == conn.StateIdle && s.req == nil {
		p.remove(s, nil)
	}
}

// ClearIdle closes every idle session.
func (p *Pool) ClearIdle() int {
	var count int
	for _, s := range slices.Clone(p.sessions) {
		if s.state == conn.StateIdle && s.IsIdle() {
			p.remove(s, nil)
			count++
		}
	}
	return count
}

// Restart replaces every session. Requests are scheduled again, except
// unsafe ones that already started, which fail with ErrConnectionLost.
func (p *Pool) Restart() {
	old := slices.Clone(p.sessions)
	var reqs []*request.Request
	for _, s := range old {
		req, started := s.req, s.started
		s.req = nil
		p.remove(s, nil)
		if req == nil {
			continue
		}
		if started && req.Unsafe() {
			p.fail(req, request.ErrConnectionLost, errRestarted)
			continue
		}
		req.Detach()
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		p.schedule(req)
	}
	p.logger.Info("pool restarted", "sessions", len(old), "requests", len(reqs))
}

var errRestarted = errors.New("pool restarted")

// Shutdown fails everything the pool holds with cause and returns the
// transports that still need closing.
func (p *Pool) Shutdown(cause error) []io.Closer {
	p.closed = true
	var closers []io.Closer
	for _, s := range slices.Clone(p.sessions) {
		if s.req != nil {
			p.fail(s.req, request.ErrClosed, cause)
			s.req = nil
		}
		if closer := p.unlink(s, cause); closer != nil {
			closers = append(closers, closer)
		}
	}
	for _, req := range p.queue {
		p.fail(req, request.ErrClosed, cause)
	}
	p.queue = nil
	p.handler.Destroy()
	return closers
}

func (p *Pool) remove(s *Session, cause error) {
	closer := p.unlink(s, cause)
	if closer != nil {
		p.ctx.Loop.Go(func() {
			if err := closer.Close(); err != nil {
				p.logger.V(1).Info("closing session", "conn", s.id, "error", err.Error())
			}
		})
	}
	if len(p.queue) > 0 {
		p.kick()
	}
}

func (p *Pool) unlink(s *Session, cause error) io.Closer {
	i := slices.Index(p.sessions, s)
	if i < 0 {
		return nil
	}
	p.sessions = slices.Delete(p.sessions, i, i+1)
	wasConnecting := s.state == conn.StateConnecting
	s.state = conn.StateClosing
	p.ctx.Accounting.Closed(p.origin, wasConnecting)
	p.handler.UnregisterAll(s.id)
	var closer io.Closer
	switch {
	case s.dialResult != nil:
		s.cancelDial()
		results := s.dialResult
		s.dialResult = nil
		closer = closerFunc(func() error { return (<-results).Close() })
	case s.transport != nil:
		closer = s.transport
	}
	s.state = conn.StateRemoved
	ev := p.event(s)
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

func (p *Pool) find(id int64) *Session {
	if id == 0 {
		return nil
	}
	for _, s := range p.sessions {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (p *Pool) event(s *Session) engine.ConnEvent {
	return engine.ConnEvent{ID: s.id, Protocol: conn.FTP, Origin: p.origin}
}

func (p *Pool) now() time.Time {
	return p.ctx.Loop.Clock().Now()
}
