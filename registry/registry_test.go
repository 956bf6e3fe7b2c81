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

package registry

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/internal/conns"
	"github.com/bufbuild/netpool/origin"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeConn struct {
	id       int64
	origin   origin.Identity
	state    conn.State
	busy     bool
	unsafe   bool
	lastUsed time.Time
}

func (c *fakeConn) ID() int64                { return c.id }
func (c *fakeConn) Protocol() conn.Protocol  { return conn.HTTP }
func (c *fakeConn) Origin() origin.Identity  { return c.origin }
func (c *fakeConn) State() conn.State        { return c.state }
func (c *fakeConn) IsIdle() bool             { return !c.busy }
func (c *fakeConn) AcceptsNewRequests() bool { return true }
func (c *fakeConn) SafeToDelete() bool       { return !c.unsafe }
func (c *fakeConn) LastUsed() time.Time      { return c.lastUsed }

type closeCounter struct {
	count *atomic.Int32
	err   error
}

func (c closeCounter) Close() error {
	c.count.Add(1)
	return c.err
}

type fakePool struct {
	origin     origin.Identity
	conns      []*fakeConn
	queued     int
	lastActive time.Time
	restarts   int
	shutdown   error
	closed     *atomic.Int32
	closeErr   error
}

func (p *fakePool) Origin() origin.Identity { return p.origin }
func (p *fakePool) Conns() conn.Conns       { return conns.FromSlice(p.conns) }

func (p *fakePool) CloseConn(id int64, force bool) bool {
	i := slices.IndexFunc(p.conns, func(c *fakeConn) bool { return c.id == id })
	if i < 0 || (!force && !p.conns[i].SafeToDelete()) {
		return false
	}
	p.conns = slices.Delete(p.conns, i, i+1)
	return true
}

func (p *fakePool) Shutdown(cause error) []io.Closer {
	p.shutdown = cause
	closers := make([]io.Closer, 0, len(p.conns))
	for range p.conns {
		closers = append(closers, closeCounter{count: p.closed, err: p.closeErr})
	}
	p.conns = nil
	return closers
}

func (p *fakePool) Restart() { p.restarts++ }

func (p *fakePool) ClearIdle() int {
	before := len(p.conns)
	p.conns = slices.DeleteFunc(p.conns, func(c *fakeConn) bool { return c.IsIdle() })
	return before - len(p.conns)
}

func (p *fakePool) Unused() bool          { return len(p.conns) == 0 && p.queued == 0 }
func (p *fakePool) LastActive() time.Time { return p.lastActive }

type fixture struct {
	reg    *Registry[*fakePool]
	closed atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.reg = New(func(id origin.Identity) *fakePool {
		return &fakePool{origin: id, closed: &f.closed, lastActive: epoch}
	}, testr.New(t))
	return f
}

func (f *fixture) pool(t *testing.T, host string) *fakePool {
	t.Helper()
	pool, ok, err := f.reg.FindPool(origin.MustNew(host, 80, false), true)
	require.NoError(t, err)
	require.True(t, ok)
	return pool
}

func TestRegistry_FindPool(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := origin.MustNew("a.example.com", 80, false)
	_, ok, err := f.reg.FindPool(id, false)
	require.NoError(t, err)
	assert.False(t, ok)

	first := f.pool(t, "a.example.com")
	second := f.pool(t, "a.example.com")
	assert.Same(t, first, second)
	secure, ok, err := f.reg.FindPool(origin.MustNew("a.example.com", 80, true), true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotSame(t, first, secure, "secure flag is part of the key")
	assert.Equal(t, 2, f.reg.Len())
}

func TestRegistry_EvictIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.pool(t, "a.example.com")
	b := f.pool(t, "b.example.com")
	a.conns = []*fakeConn{
		{id: 1, state: conn.StateIdle, lastUsed: epoch.Add(3 * time.Second)},
		{id: 2, state: conn.StateBusy, busy: true, lastUsed: epoch},
	}
	b.conns = []*fakeConn{
		{id: 3, state: conn.StateIdle, lastUsed: epoch.Add(time.Second)},
		{id: 4, state: conn.StateIdle, unsafe: true, lastUsed: epoch},
		{id: 5, state: conn.StateConnecting, lastUsed: epoch},
	}

	// Least recently used, safe to delete: 3.
	assert.True(t, f.reg.EvictIdle(false, nil))
	assert.Len(t, b.conns, 2)

	// Restricted to a.
	aID := a.origin
	assert.True(t, f.reg.EvictIdle(false, &aID))
	assert.Len(t, a.conns, 1)
	assert.False(t, f.reg.EvictIdle(false, &aID), "only a busy connection left")

	// 4 is only evictable with force.
	assert.False(t, f.reg.EvictIdle(false, nil))
	assert.True(t, f.reg.EvictIdle(true, nil))
	require.Len(t, b.conns, 1)
	assert.Equal(t, int64(5), b.conns[0].id)
}

func TestRegistry_ClearIdleAndRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.pool(t, "a.example.com")
	b := f.pool(t, "b.example.com")
	a.conns = []*fakeConn{{id: 1, state: conn.StateIdle}, {id: 2, state: conn.StateBusy, busy: true}}
	b.conns = []*fakeConn{{id: 3, state: conn.StateIdle}}
	assert.Equal(t, 2, f.reg.ClearIdle())
	f.reg.RestartAll()
	assert.Equal(t, 1, a.restarts)
	assert.Equal(t, 1, b.restarts)
}

func TestRegistry_CloseAll(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	f := newFixture(t)
	a := f.pool(t, "a.example.com")
	b := f.pool(t, "b.example.com")
	a.conns = []*fakeConn{{id: 1}, {id: 2}}
	b.conns = []*fakeConn{{id: 3}}
	b.closeErr = errors.New("close failed")
	cause := errors.New("shutting down")

	err := f.reg.CloseAll(ctx, cause)
	require.ErrorContains(t, err, "close failed")
	assert.Equal(t, int32(3), f.closed.Load(), "every transport is closed despite errors")
	assert.Equal(t, cause, a.shutdown)
	assert.Equal(t, cause, b.shutdown)
	assert.Zero(t, f.reg.Len())
	_, _, err = f.reg.FindPool(a.origin, true)
	require.ErrorIs(t, err, ErrClosed)
}

func TestRegistry_Reset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.pool(t, "a.example.com")
	a.conns = []*fakeConn{{id: 1}}
	require.NoError(t, f.reg.Reset(context.Background(), nil))
	assert.Zero(t, f.reg.Len())
	assert.NotSame(t, a, f.pool(t, "a.example.com"))
}

func TestRegistry_Sweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	stale := f.pool(t, "stale.example.com")
	busy := f.pool(t, "busy.example.com")
	busy.conns = []*fakeConn{{id: 1, state: conn.StateIdle}}
	queued := f.pool(t, "queued.example.com")
	queued.queued = 1
	recent := f.pool(t, "recent.example.com")
	recent.lastActive = epoch.Add(time.Hour)

	removed := f.reg.Sweep(context.Background(), epoch.Add(time.Minute))
	assert.Equal(t, 1, removed)
	pools := f.reg.Pools()
	assert.Equal(t, []*fakePool{busy, queued, recent}, pools)
	_, ok, err := f.reg.FindPool(stale.origin, false)
	require.NoError(t, err)
	assert.False(t, ok)
}
