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

package dispatch

import (
	"reflect"
	"slices"
	"time"
)

// Handler is an addressable endpoint on a Loop. It holds at most one
// callback per (kind, id) pair.
type Handler struct {
	loop *Loop
	id   uint64

	// All fields below are guarded by loop.mu.
	regs       map[regKey]*registration
	depth      int
	observers  []Observer
	destroying bool
	destroyed  bool
}

// ID returns the handler's identity, unique within its loop.
func (h *Handler) ID() uint64 {
	return h.id
}

// Loop returns the loop the handler belongs to.
func (h *Handler) Loop() *Loop {
	return h.loop
}

// Register routes messages of the given kind to cb. If id is zero, cb
// receives every message of that kind; otherwise only those whose Param1
// equals id. A previous registration for the same pair is replaced.
func (h *Handler) Register(cb Callback, kind Kind, id int64) error {
	return h.RegisterList(cb, id, kind)
}

// RegisterList registers cb for several kinds with the same id. Either all
// registrations are recorded or none are.
func (h *Handler) RegisterList(cb Callback, id int64, kinds ...Kind) error {
	if cb == nil {
		return ErrNilCallback
	}
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	if h.destroying {
		return ErrHandlerDestroyed
	}
	for _, kind := range kinds {
		key := regKey{kind: kind, id: id}
		h.regs[key] = &registration{key: key, cb: cb}
	}
	return nil
}

// Unregister removes the registration for the pair, if any.
func (h *Handler) Unregister(kind Kind, id int64) {
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	delete(h.regs, regKey{kind: kind, id: id})
}

// UnregisterAll removes every registration with the given id.
func (h *Handler) UnregisterAll(id int64) {
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	for key := range h.regs {
		if key.id == id {
			delete(h.regs, key)
		}
	}
}

// Registered reports whether a callback is registered for the pair.
func (h *Handler) Registered(kind Kind, id int64) bool {
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	_, ok := h.regs[regKey{kind: kind, id: id}]
	return ok
}

// Post queues a message for this handler only.
func (h *Handler) Post(kind Kind, param1, param2 int64, delay time.Duration) {
	h.loop.post(h, Message{Kind: kind, Param1: param1, Param2: param2}, delay)
}

// CancelDelayed cancels pending delayed messages posted to this handler
// with the given kind and first parameter.
func (h *Handler) CancelDelayed(kind Kind, param1 int64) int {
	return h.loop.cancel(func(e *delayedEntry) bool {
		return e.target == h && e.msg.Kind == kind && e.msg.Param1 == param1
	})
}

// Depth returns how many callbacks of this handler are currently running.
// It is non-zero only while a callback (or a nested Dispatch) is on the
// stack.
func (h *Handler) Depth() int {
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	return h.depth
}

// Destroyed reports whether Destroy has completed.
func (h *Handler) Destroyed() bool {
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	return h.destroyed
}

// AddObserver arranges for o to be told when h is destroyed. If o was
// observing another handler, it is moved to h. Observers are identified by
// value, so o must be comparable.
func (h *Handler) AddObserver(o Observer) error {
	if !isComparable(o) {
		return ErrObserverNotComparable
	}
	l := h.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if h.destroying {
		return ErrHandlerDestroyed
	}
	if prev := l.observed[o]; prev != nil {
		if prev == h {
			return nil
		}
		prev.dropObserverLocked(o)
	}
	l.observed[o] = h
	h.observers = append(h.observers, o)
	return nil
}

// RemoveObserver stops o from observing h. It is a no-op if o does not
// observe h.
func (h *Handler) RemoveObserver(o Observer) {
	if !isComparable(o) {
		return
	}
	l := h.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.observed[o] != h {
		return
	}
	delete(l.observed, o)
	h.dropObserverLocked(o)
}

// Destroy tears the handler down. Observers are notified first, exactly
// once each. Then all registrations are dropped and all delayed messages
// posted to this handler are cancelled. Calling Destroy again is a no-op.
func (h *Handler) Destroy() {
	l := h.loop
	l.mu.Lock()
	if h.destroying {
		l.mu.Unlock()
		return
	}
	h.destroying = true
	observers := h.observers
	h.observers = nil
	for _, o := range observers {
		delete(l.observed, o)
	}
	l.mu.Unlock()

	for _, o := range observers {
		o.HandlerDestroyed(h)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	h.destroyed = true
	clear(h.regs)
	l.removeHandlerLocked(h)
	l.cancelLocked(func(e *delayedEntry) bool { return e.target == h })
}

// +checklocks:h.loop.mu
func (h *Handler) dropObserverLocked(o Observer) {
	if i := slices.Index(h.observers, o); i >= 0 {
		h.observers = slices.Delete(h.observers, i, i+1)
	}
}

// enter re-checks that reg is still live and bumps the call depth.
func (h *Handler) enter(reg *registration) bool {
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	if h.destroyed || h.regs[reg.key] != reg {
		return false
	}
	h.depth++
	return true
}

func (h *Handler) leave() {
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	h.depth--
}

func isComparable(o Observer) bool {
	return o != nil && reflect.ValueOf(o).Comparable()
}
