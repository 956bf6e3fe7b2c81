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

// Package registry provides the keyed store of per-origin pools shared by
// the HTTP and FTP pool implementations, along with the idle eviction and
// bulk lifecycle operations that work across all pools of a protocol.
package registry

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/internal/conns"
	"github.com/bufbuild/netpool/origin"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by FindPool after CloseAll.
var ErrClosed = errors.New("registry is closed")

// Pool is what the registry needs from a per-origin pool. All methods are
// called on the dispatch loop.
type Pool interface {
	Origin() origin.Identity
	// Conns returns the pool's connections, oldest first.
	Conns() conn.Conns
	// CloseConn closes one connection. Unless force is set, only a
	// connection that is idle and safe to delete is closed. It reports
	// whether the connection was closed.
	CloseConn(id int64, force bool) bool
	// Shutdown fails every request the pool holds with cause and drops all
	// connections. It returns the transports that still need closing.
	Shutdown(cause error) []io.Closer
	// Restart replaces every connection, re-issuing in-flight requests on
	// new connections instead of failing them.
	Restart()
	// ClearIdle closes every idle connection and returns how many.
	ClearIdle() int
	// Unused reports whether the pool holds no connections and no requests.
	Unused() bool
	// LastActive returns when the pool last had a request added.
	LastActive() time.Time
}

// Registry maps origins to pools of type P.
type Registry[P Pool] struct {
	newPool func(origin.Identity) P
	logger  logr.Logger

	mu sync.RWMutex
	// +checklocks:mu
	pools map[origin.Identity]P
	// +checklocks:mu
	order []origin.Identity
	// +checklocks:mu
	closed bool
}

// New returns an empty registry that creates pools with newPool.
func New[P Pool](newPool func(origin.Identity) P, logger logr.Logger) *Registry[P] {
	return &Registry[P]{
		newPool: newPool,
		logger:  logger,
		pools:   map[origin.Identity]P{},
	}
}

// FindPool returns the pool for id. If there is none and create is set, a
// new empty pool is created and inserted. The boolean result reports
// whether a pool was returned.
func (r *Registry[P]) FindPool(id origin.Identity, create bool) (P, bool, error) {
	r.mu.RLock()
	pool, ok := r.pools[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		var zero P
		return zero, false, ErrClosed
	}
	if ok || !create {
		return pool, ok, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// double-check in case things changed while upgrading lock
	if r.closed {
		var zero P
		return zero, false, ErrClosed
	}
	if pool, ok := r.pools[id]; ok {
		return pool, true, nil
	}
	pool = r.newPool(id)
	r.pools[id] = pool
	r.order = append(r.order, id)
	r.logger.Info("pool created", "origin", id.String())
	return pool, true, nil
}

// Pools returns a snapshot of the pools in creation order.
func (r *Registry[P]) Pools() []P {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pools := make([]P, 0, len(r.order))
	for _, id := range r.order {
		pools = append(pools, r.pools[id])
	}
	return pools
}

// Len returns the number of pools.
func (r *Registry[P]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Candidate is an idle connection that EvictIdle could close.
type Candidate struct {
	Origin   origin.Identity
	ConnID   int64
	LastUsed time.Time
}

// OldestIdle finds the least recently used idle connection across all
// pools, restricted to one origin if filter is non-nil. Without force,
// only connections that are safe to delete qualify.
func (r *Registry[P]) OldestIdle(force bool, filter *origin.Identity) (Candidate, bool) {
	var (
		best  Candidate
		found bool
	)
	for _, pool := range r.Pools() {
		if filter != nil && pool.Origin() != *filter {
			continue
		}
		c := conns.OldestIdle(pool.Conns(), force)
		if c == nil {
			continue
		}
		if !found || c.LastUsed().Before(best.LastUsed) {
			best = Candidate{Origin: pool.Origin(), ConnID: c.ID(), LastUsed: c.LastUsed()}
			found = true
		}
	}
	return best, found
}

// EvictIdle closes the least recently used idle connection across all
// pools, optionally restricted to one origin. It reports whether it found
// something to evict.
func (r *Registry[P]) EvictIdle(force bool, filter *origin.Identity) bool {
	candidate, ok := r.OldestIdle(force, filter)
	if !ok {
		return false
	}
	pool, ok, _ := r.FindPool(candidate.Origin, false)
	if !ok {
		return false
	}
	if !pool.CloseConn(candidate.ConnID, force) {
		return false
	}
	r.logger.V(1).Info("evicted idle connection", "origin", candidate.Origin.String(), "conn", candidate.ConnID)
	return true
}

// ClearIdle closes every idle connection in every pool and returns how
// many were closed.
func (r *Registry[P]) ClearIdle() int {
	var count int
	for _, pool := range r.Pools() {
		count += pool.ClearIdle()
	}
	return count
}

// RestartAll replaces the connections of every pool. Requests in flight
// are re-issued on the replacements.
func (r *Registry[P]) RestartAll() {
	pools := r.Pools()
	for _, pool := range pools {
		pool.Restart()
	}
	r.logger.Info("restarted pools", "count", len(pools))
}

// CloseAll shuts down every pool, failing their requests with cause, and
// closes the registry to new pools. It waits for the transports to close
// and returns the first error encountered.
func (r *Registry[P]) CloseAll(ctx context.Context, cause error) error {
	return r.shutdown(ctx, r.takeAll(true), cause)
}

// Reset shuts down every pool like CloseAll but leaves the registry open.
func (r *Registry[P]) Reset(ctx context.Context, cause error) error {
	return r.shutdown(ctx, r.takeAll(false), cause)
}

func (r *Registry[P]) takeAll(closeRegistry bool) []P {
	r.mu.Lock()
	defer r.mu.Unlock()
	if closeRegistry {
		r.closed = true
	}
	pools := make([]P, 0, len(r.order))
	for _, id := range r.order {
		pools = append(pools, r.pools[id])
	}
	clear(r.pools)
	r.order = nil
	return pools
}

// Sweep removes pools that hold nothing and have had no activity since
// before cutoff. It returns how many were removed.
func (r *Registry[P]) Sweep(ctx context.Context, cutoff time.Time) int {
	r.mu.Lock()
	var removed []P
	kept := r.order[:0]
	for _, id := range r.order {
		pool := r.pools[id]
		if pool.Unused() && pool.LastActive().Before(cutoff) {
			removed = append(removed, pool)
			delete(r.pools, id)
			continue
		}
		kept = append(kept, id)
	}
	clear(r.order[len(kept):])
	r.order = kept
	r.mu.Unlock()
	if len(removed) == 0 {
		return 0
	}
	if err := r.shutdown(ctx, removed, nil); err != nil {
		r.logger.Error(err, "closing swept pools")
	}
	for _, pool := range removed {
		r.logger.Info("pool removed", "origin", pool.Origin().String())
	}
	return len(removed)
}

func (r *Registry[P]) shutdown(ctx context.Context, pools []P, cause error) error {
	var closers []io.Closer
	for _, pool := range pools {
		closers = append(closers, pool.Shutdown(cause)...)
	}
	if len(closers) == 0 {
		return nil
	}
	var grp errgroup.Group
	for _, closer := range closers {
		grp.Go(closer.Close)
	}
	done := make(chan error, 1)
	go func() { done <- grp.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
