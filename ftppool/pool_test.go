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

package ftppool

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/engine"
	"github.com/bufbuild/netpool/internal/clocktest"
	"github.com/bufbuild/netpool/internal/pooltesting"
	"github.com/bufbuild/netpool/origin"
	"github.com/bufbuild/netpool/request"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDriver struct {
	logins []*Session
	starts []*request.Request
}

func (d *recordingDriver) Login(s *Session) {
	d.logins = append(d.logins, s)
}

func (d *recordingDriver) Start(_ *Session, req *request.Request) {
	d.starts = append(d.starts, req)
}

type fixture struct {
	ctx    *engine.Context
	dialer *pooltesting.FakeDialer
	driver *recordingDriver
	caps   *CapabilityStore
	pool   *Pool
}

func newFixture(t *testing.T, config engine.Config) *fixture {
	t.Helper()
	f := &fixture{
		dialer: pooltesting.NewFakeDialer(),
		driver: &recordingDriver{},
		caps:   NewCapabilityStore(),
	}
	f.dialer.AutoComplete("")
	ctx, err := engine.New(config,
		engine.WithLogger(testr.New(t)),
		engine.WithClock(clocktest.NewFakeClock()),
		engine.WithDialer(f.dialer),
		engine.WithResolver(pooltesting.NewFakeResolver()),
	)
	require.NoError(t, err)
	f.ctx = ctx
	u, err := url.Parse("ftp://example.com")
	require.NoError(t, err)
	id, err := origin.FromURL(u)
	require.NoError(t, err)
	f.pool = NewPool(ctx, id, WithCapabilityStore(f.caps), WithDriver(f.driver))
	return f
}

// singleSession allows exactly one session to the origin.
func singleSession() engine.Config {
	config := engine.DefaultConfig()
	config.EnableEPSV = false
	config.MaxConnectionsServer = 1
	return config
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.ctx.Loop.Settle(ctx))
	assert.LessOrEqual(t, f.pool.liveCount(), f.pool.Ceiling())
}

func (f *fixture) add(t *testing.T, req *request.Request) *request.Request {
	t.Helper()
	require.NoError(t, f.pool.AddRequest(req))
	return req
}

// running adds req, completes the dial and login, and returns the session
// that runs it.
func (f *fixture) running(t *testing.T, req *request.Request, cwd string) *Session {
	t.Helper()
	f.add(t, req)
	f.settle(t)
	s := f.pool.find(req.ConnID())
	require.NotNil(t, s)
	if s.State() == conn.StateAuthenticating {
		f.pool.LoggedIn(s.ID(), cwd)
	}
	require.Equal(t, conn.StateBusy, s.State())
	require.Same(t, req, s.Request())
	return s
}

func newRequest(t *testing.T, op request.Op, rawURL string) *request.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	req, err := request.NewFTP(op, u)
	require.NoError(t, err)
	return req
}

func retrieve(t *testing.T, rawURL string) *request.Request {
	t.Helper()
	return newRequest(t, request.OpRetrieve, rawURL)
}

func TestPool_CeilingHalvedWhileEPSVEnabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.DefaultConfig())
	assert.Equal(t, 3, f.pool.Ceiling())
	reqs := make([]*request.Request, 5)
	for i := range reqs {
		reqs[i] = f.add(t, retrieve(t, "ftp://example.com/file"))
	}
	assert.Equal(t, Stats{Sessions: 3, Connecting: 3, Queued: 2}, f.pool.Stats())
	f.settle(t)
	assert.Len(t, f.driver.logins, 3)
	for _, target := range f.dialer.Targets() {
		assert.True(t, target.Direct, "control connections never use the proxy")
	}

	f.pool.CapabilityResult(CapEPSV, false)
	assert.Equal(t, 6, f.pool.Ceiling())
	f.settle(t)
	assert.Len(t, f.pool.sessions, 5, "queued requests get their own sessions once the ceiling grows")

	disabled := newFixture(t, singleSession())
	disabled.ctx.Config.MaxConnectionsServer = 6
	assert.Equal(t, 6, disabled.pool.Ceiling())
}

func TestPool_LoginAndReuse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	r1 := f.add(t, retrieve(t, "ftp://example.com/pub/a.txt"))
	f.settle(t)
	require.Len(t, f.driver.logins, 1)
	s := f.driver.logins[0]
	assert.Equal(t, conn.StateAuthenticating, s.State())
	assert.Empty(t, f.driver.starts, "nothing runs before login")

	f.pool.LoggedIn(s.ID(), "/home/ftp/")
	cwd, ok := s.Cwd()
	assert.True(t, ok)
	assert.Equal(t, "/home/ftp", cwd)
	assert.Equal(t, []*request.Request{r1}, f.driver.starts)
	mode, err := f.pool.StartTransfer(s.ID())
	require.NoError(t, err)
	assert.Equal(t, Passive, mode)
	assert.True(t, r1.Sent())

	f.pool.TransferComplete(s.ID(), nil)
	require.NoError(t, r1.Err())
	assert.Equal(t, Stats{Sessions: 1, Idle: 1}, f.pool.Stats())

	r2 := f.add(t, retrieve(t, "ftp://example.com/pub/b.txt"))
	assert.Equal(t, s.ID(), r2.ConnID())
	f.settle(t)
	assert.Len(t, f.dialer.Targets(), 1)
	assert.Equal(t, []*request.Request{r1, r2}, f.driver.starts)
}

func TestPool_PrefersRequestsInWorkingDirectory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	r1 := retrieve(t, "ftp://example.com/pub/a.txt")
	s := f.running(t, r1, "/")
	r2 := f.add(t, retrieve(t, "ftp://example.com/other/b.txt"))
	r3 := f.add(t, retrieve(t, "ftp://example.com/pub/c.txt"))
	assert.Equal(t, request.Queued, r2.State())
	assert.Same(t, r2, f.pool.NextRequest(s), "falls back to the oldest request")

	f.pool.DirectoryChanged(s.ID(), "pub")
	assert.Same(t, r3, f.pool.NextRequest(s))

	f.pool.TransferComplete(s.ID(), nil)
	assert.Same(t, r3, s.Request())
	f.settle(t)
	assert.Equal(t, []*request.Request{r1, r3}, f.driver.starts)
	assert.Equal(t, request.Queued, r2.State())

	f.pool.DirectoryUnknown(s.ID())
	_, ok := s.Cwd()
	assert.False(t, ok)
}

func TestPool_ListTargetsItsOwnDirectory(t *testing.T) {
	t.Parallel()
	list := newRequest(t, request.OpList, "ftp://example.com/pub/")
	assert.Equal(t, "/pub", TargetDir(list))
	assert.Equal(t, "/pub", TargetDir(retrieve(t, "ftp://example.com/pub/a.txt")))
	assert.Equal(t, "/", TargetDir(retrieve(t, "ftp://example.com")))
}

func TestPool_SessionsMatchUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	r1 := retrieve(t, "ftp://alice@example.com/a")
	alice := f.running(t, r1, "/")
	assert.Equal(t, "alice", alice.User())
	f.pool.TransferComplete(alice.ID(), nil)

	anon := f.add(t, retrieve(t, "ftp://anonymous@example.com/x"))
	assert.Equal(t, alice.ID(), anon.ConnID(), "anonymous requests run on any session")
	f.pool.TransferComplete(alice.ID(), nil)
	require.NoError(t, anon.Err())

	bob := f.add(t, retrieve(t, "ftp://bob@example.com/b"))
	require.Len(t, f.pool.sessions, 1)
	s := f.pool.sessions[0]
	assert.NotEqual(t, alice.ID(), s.ID(), "the idle session for another user is replaced")
	assert.Equal(t, "bob", s.User())
	assert.Equal(t, s.ID(), bob.ConnID())
	f.settle(t)
	assert.Equal(t, 1, f.dialer.Closed())

	// A busy session for another user is never taken.
	f.pool.LoggedIn(s.ID(), "/")
	carol := f.add(t, retrieve(t, "ftp://carol@example.com/c"))
	assert.Equal(t, request.Queued, carol.State())
	assert.Nil(t, f.pool.NextRequest(s))
}

func TestPool_DataModeFallback(t *testing.T) {
	t.Parallel()
	config := engine.DefaultConfig()
	f := newFixture(t, config)
	req := retrieve(t, "ftp://example.com/a")
	s := f.running(t, req, "/")

	mode, err := f.pool.StartTransfer(s.ID())
	require.NoError(t, err)
	assert.Equal(t, ExtendedPassive, mode)
	f.pool.DataChannelFailed(s.ID(), true, errors.New("500 EPSV not understood"))
	assert.Equal(t, Unsupported, f.caps.Get(f.pool.Origin(), CapEPSV))
	assert.Equal(t, 6, f.pool.Ceiling())
	assert.Len(t, f.driver.starts, 2, "the transfer starts over")

	mode, err = f.pool.StartTransfer(s.ID())
	require.NoError(t, err)
	assert.Equal(t, Passive, mode)
	f.pool.DataChannelFailed(s.ID(), true, errors.New("500 PASV not understood"))

	mode, err = f.pool.StartTransfer(s.ID())
	require.NoError(t, err)
	assert.Equal(t, Active, mode)
	assert.Equal(t, Active, s.Mode())

	// A negative result is final.
	f.pool.CapabilityResult(CapEPSV, true)
	assert.Equal(t, Unsupported, f.caps.Get(f.pool.Origin(), CapEPSV))
	assert.False(t, f.pool.NeedsCheck(CapPASV))
	assert.True(t, f.pool.NeedsCheck(CapSize))
	f.pool.CapabilityResult(CapSize, true)
	assert.True(t, f.pool.Supports(CapSize))
	assert.False(t, f.pool.NeedsCheck(CapSize))

	f.pool.DataChannelFailed(s.ID(), true, errors.New("425 can't open data connection"))
	require.ErrorIs(t, req.Err(), request.ErrPartialProgress)
	assert.Equal(t, conn.StateIdle, s.State())
}

func TestPool_DataFailureKeepsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	req := retrieve(t, "ftp://example.com/a")
	s := f.running(t, req, "/")
	_, err := f.pool.StartTransfer(s.ID())
	require.NoError(t, err)

	f.pool.DataChannelFailed(s.ID(), false, errors.New("426 transfer aborted"))
	require.ErrorIs(t, req.Err(), request.ErrPartialProgress)
	assert.True(t, s.AcceptsNewRequests())
	f.settle(t)
	assert.Zero(t, f.dialer.Closed())
	assert.Equal(t, Untested, f.caps.Get(f.pool.Origin(), CapPASV), "mid-transfer failures say nothing about the mode")
}

func TestPool_ControlFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	running := retrieve(t, "ftp://example.com/a")
	s := f.running(t, running, "/")
	f.pool.ControlFailed(s.ID(), errors.New("connection reset"))
	require.ErrorIs(t, running.Err(), request.ErrConnectionLost)
	assert.Empty(t, f.pool.sessions)
	f.settle(t)
	assert.Equal(t, 1, f.dialer.Closed())

	// A request that never started goes to a new session.
	waiting := f.add(t, retrieve(t, "ftp://example.com/b"))
	f.settle(t)
	first := f.pool.find(waiting.ConnID())
	require.NotNil(t, first)
	f.pool.ControlFailed(first.ID(), errors.New("connection reset"))
	assert.Equal(t, request.Attached, waiting.State())
	assert.NotEqual(t, first.ID(), waiting.ConnID())
	assert.Equal(t, 1, waiting.Retries())
	f.settle(t)
	assert.Len(t, f.dialer.Targets(), 3)
}

func TestPool_LoginFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	req := f.add(t, retrieve(t, "ftp://mallory@example.com/a"))
	f.settle(t)
	s := f.pool.find(req.ConnID())
	require.NotNil(t, s)
	f.pool.LoginFailed(s.ID(), errors.New("530 login incorrect"))
	require.ErrorIs(t, req.Err(), request.ErrConnectFailed)
	assert.True(t, f.pool.Unused())
	f.settle(t)
	assert.Len(t, f.dialer.Targets(), 1, "bad credentials are not retried")
}

func TestPool_ConnectFailureRetriedOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	f.dialer.AutoFail(errors.New("connection refused"))
	req := f.add(t, retrieve(t, "ftp://example.com/a"))
	f.settle(t)
	require.ErrorIs(t, req.Err(), request.ErrConnectFailed)
	assert.Len(t, f.dialer.Targets(), 2)
	assert.True(t, f.pool.Unused())
	assert.Zero(t, f.ctx.Accounting.Total())
}

func TestPool_Cancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	r1 := f.add(t, retrieve(t, "ftp://example.com/a"))
	queued := f.add(t, retrieve(t, "ftp://example.com/b"))
	assert.True(t, f.pool.Cancel(queued))
	require.ErrorIs(t, queued.Err(), request.ErrCancelled)
	assert.False(t, f.pool.Cancel(queued))

	// Cancelling during login leaves the session to finish logging in.
	f.settle(t)
	s := f.pool.find(r1.ConnID())
	require.NotNil(t, s)
	assert.True(t, f.pool.Cancel(r1))
	f.pool.LoggedIn(s.ID(), "/")
	assert.Equal(t, conn.StateIdle, s.State())
	assert.Empty(t, f.driver.starts)

	// Cancelling a running transfer takes the session down.
	r2 := f.add(t, retrieve(t, "ftp://example.com/c"))
	assert.Equal(t, s.ID(), r2.ConnID())
	assert.True(t, f.pool.Cancel(r2))
	require.ErrorIs(t, r2.Err(), request.ErrCancelled)
	assert.Empty(t, f.pool.sessions)
	f.settle(t)
	assert.Equal(t, 1, f.dialer.Closed())
}

func TestPool_Retire(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	req := retrieve(t, "ftp://example.com/a")
	s := f.running(t, req, "/")
	f.pool.Retire(s.ID())
	assert.Len(t, f.pool.sessions, 1, "the running transfer is not interrupted")
	f.pool.TransferComplete(s.ID(), nil)
	require.NoError(t, req.Err())
	assert.Empty(t, f.pool.sessions)
	f.settle(t)
	assert.Equal(t, 1, f.dialer.Closed())
}

func TestPool_Restart(t *testing.T) {
	t.Parallel()
	config := singleSession()
	config.MaxConnectionsServer = 2
	f := newFixture(t, config)
	unsafe := newRequest(t, request.OpStore, "ftp://example.com/up.bin")
	f.running(t, unsafe, "/")
	read := retrieve(t, "ftp://example.com/down.bin")
	f.running(t, read, "/")

	f.pool.Restart()
	require.ErrorIs(t, unsafe.Err(), request.ErrConnectionLost)
	assert.Equal(t, request.Attached, read.State())
	require.Len(t, f.pool.sessions, 1)
	f.settle(t)
	assert.Equal(t, 2, f.dialer.Closed())
	assert.Len(t, f.dialer.Targets(), 3)
}

func TestPool_IdleManagement(t *testing.T) {
	t.Parallel()
	config := singleSession()
	config.MaxConnectionsServer = 2
	f := newFixture(t, config)
	r1 := retrieve(t, "ftp://example.com/a")
	s1 := f.running(t, r1, "/")
	s2 := f.running(t, retrieve(t, "ftp://example.com/b"), "/")
	f.pool.TransferComplete(s1.ID(), nil)

	assert.False(t, f.pool.CloseConn(s2.ID(), false), "busy sessions stay")
	assert.True(t, f.pool.CloseConn(s1.ID(), false))
	assert.Equal(t, 1, f.pool.Stats().Sessions)
	f.pool.TransferComplete(s2.ID(), nil)
	assert.Equal(t, 1, f.pool.ClearIdle())
	assert.True(t, f.pool.Unused())
	f.settle(t)
	assert.Equal(t, 2, f.dialer.Closed())
}

func TestPool_Shutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	f.dialer.Manual()
	r1 := f.add(t, retrieve(t, "ftp://example.com/a"))
	r2 := f.add(t, retrieve(t, "ftp://example.com/b"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, err := f.dialer.AwaitDial(ctx)
	require.NoError(t, err)

	cause := errors.New("engine stopped")
	closers := f.pool.Shutdown(cause)
	require.Len(t, closers, 1)
	for _, req := range []*request.Request{r1, r2} {
		require.ErrorIs(t, req.Err(), request.ErrClosed)
		require.ErrorIs(t, req.Err(), cause)
	}
	assert.Zero(t, f.ctx.Accounting.Total())

	// The dial was cancelled; closing waits for it to return.
	require.NoError(t, closers[0].Close())
	assert.Equal(t, f.pool.Origin(), pending.Target.Origin)
	f.settle(t)

	late := retrieve(t, "ftp://example.com/c")
	require.ErrorIs(t, f.pool.AddRequest(late), request.ErrClosed)
	assert.Equal(t, request.CallerHeld, late.State())
}

func TestPool_RejectsOtherRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.DefaultConfig())
	require.Error(t, f.pool.AddRequest(retrieve(t, "ftp://other.example.com/a")))
	u, err := url.Parse("http://example.com/a")
	require.NoError(t, err)
	req, err := request.NewHTTP(http.MethodGet, u)
	require.NoError(t, err)
	require.Error(t, f.pool.AddRequest(req))
	assert.True(t, f.pool.Unused())
}

func TestPool_RejectsRequestsNotHeld(t *testing.T) {
	t.Parallel()
	f := newFixture(t, singleSession())
	req := f.add(t, retrieve(t, "ftp://example.com/pub/a.txt"))
	require.ErrorIs(t, f.pool.AddRequest(req), request.ErrNotHeld)
	assert.Equal(t, 1, f.pool.Stats().Sessions)
	assert.Zero(t, f.pool.Stats().Queued)

	f.settle(t)
	s := f.driver.logins[0]
	f.pool.LoggedIn(s.ID(), "/")
	_, err := f.pool.StartTransfer(s.ID())
	require.NoError(t, err)
	f.pool.TransferComplete(s.ID(), nil)
	require.NoError(t, req.Err())
	require.ErrorIs(t, f.pool.AddRequest(req), request.ErrNotHeld)
	assert.Equal(t, Stats{Sessions: 1, Idle: 1}, f.pool.Stats())
}
