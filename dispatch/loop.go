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
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bufbuild/netpool/internal"
	"github.com/go-logr/logr"
)

// Option configures a Loop.
type Option interface {
	apply(*Loop)
}

type optionFunc func(*Loop)

func (f optionFunc) apply(l *Loop) { f(l) }

// WithClock sets the clock used to schedule delayed messages.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(l *Loop) {
		l.clock = clock
	})
}

// WithLogger sets the logger for the loop.
func WithLogger(logger logr.Logger) Option {
	return optionFunc(func(l *Loop) {
		l.logger = logger
	})
}

// Loop is a single-threaded cooperative message loop. Posting, cancelling,
// and registering are safe from any goroutine; delivery only happens on
// the goroutine that calls Run, Turn, or Settle (which must not be called
// concurrently with each other).
type Loop struct {
	clock  internal.Clock
	logger logr.Logger
	wake   chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	queue []envelope
	// +checklocks:mu
	handlers []*Handler
	// +checklocks:mu
	nextHandlerID uint64
	// +checklocks:mu
	delayed []*delayedEntry
	// +checklocks:mu
	observed map[Observer]*Handler
	// +checklocks:mu
	inflight int
}

// NewLoop returns a loop with no handlers.
func NewLoop(opts ...Option) *Loop {
	loop := &Loop{
		clock:    internal.NewRealClock(),
		logger:   logr.Discard(),
		wake:     make(chan struct{}, 1),
		observed: map[Observer]*Handler{},
	}
	for _, opt := range opts {
		opt.apply(loop)
	}
	return loop
}

// Clock returns the clock that schedules delayed messages.
func (l *Loop) Clock() internal.Clock {
	return l.clock
}

type envelope struct {
	msg Message
	// nil means every matching handler
	target  *Handler
	delayed *delayedEntry
}

type delayedState int

const (
	delayedPending delayedState = iota
	delayedQueued
	delayedCancelled
	delayedDelivered
)

type delayedEntry struct {
	msg    Message
	target *Handler
	timer  internal.Timer
	// +checklocks:Loop.mu
	state delayedState
}

// NewHandler creates a new addressable endpoint on the loop.
func (l *Loop) NewHandler() *Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextHandlerID++
	h := &Handler{
		loop: l,
		id:   l.nextHandlerID,
		regs: map[regKey]*registration{},
	}
	l.handlers = append(l.handlers, h)
	return h
}

// Post queues a message for every handler registered for its kind and id.
// With a zero delay it is delivered on the next turn of the loop. With a
// positive delay it is delivered no earlier than delay from now.
func (l *Loop) Post(kind Kind, param1, param2 int64, delay time.Duration) {
	l.post(nil, Message{Kind: kind, Param1: param1, Param2: param2}, delay)
}

// CancelDelayed cancels every not-yet-delivered delayed message with the
// given kind and first parameter, no matter which handler it targets.
// It is a no-op if no such message is pending.
func (l *Loop) CancelDelayed(kind Kind, param1 int64) int {
	return l.cancel(func(e *delayedEntry) bool {
		return e.msg.Kind == kind && e.msg.Param1 == param1
	})
}

// CancelDelayedExact is like CancelDelayed but also matches the second
// parameter.
func (l *Loop) CancelDelayedExact(kind Kind, param1, param2 int64) int {
	return l.cancel(func(e *delayedEntry) bool {
		return e.msg == Message{Kind: kind, Param1: param1, Param2: param2}
	})
}

// Dispatch delivers msg synchronously to every handler registered for it.
// It is the primitive the loop uses for each queued message; it must only
// be called from the loop goroutine. Registrations are checked right before
// each callback runs, so a callback that unregisters another handler (or
// itself) takes effect for the rest of the delivery.
func (l *Loop) Dispatch(msg Message) {
	l.dispatch(nil, msg)
}

// Go runs fn on a new goroutine and tracks it so that Settle waits for it.
// fn must not touch loop-owned state; it should deliver results with a
// channel and a posted message.
func (l *Loop) Go(fn func()) {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()
	go func() {
		defer func() {
			l.mu.Lock()
			l.inflight--
			l.signalLocked()
			l.mu.Unlock()
		}()
		fn()
	}()
}

// Turn delivers every message that was queued when it was called and
// returns how many were taken off the queue. Messages posted while the turn
// runs wait for the next turn.
func (l *Loop) Turn() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, env := range batch {
		l.deliver(env)
	}
	return len(batch)
}

// Run drives the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Turn() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Settle drives the loop until the queue is empty and no work started with
// Go is still running. Pending delayed messages do not keep it running.
func (l *Loop) Settle(ctx context.Context) error {
	for {
		l.Turn()
		l.mu.Lock()
		queued, inflight := len(l.queue), l.inflight
		l.mu.Unlock()
		if queued > 0 {
			continue
		}
		if inflight == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Pending returns the number of queued messages and the number of delayed
// messages that have not fired yet.
func (l *Loop) Pending() (queued, delayed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue), len(l.delayed)
}

func (l *Loop) post(target *Handler, msg Message, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if target != nil && target.destroyed {
		return
	}
	if delay <= 0 {
		l.enqueueLocked(envelope{msg: msg, target: target})
		return
	}
	entry := &delayedEntry{msg: msg, target: target}
	l.delayed = append(l.delayed, entry)
	// The callback takes mu, so it cannot observe entry before timer is set.
	entry.timer = l.clock.AfterFunc(delay, func() { l.fire(entry) })
}

func (l *Loop) fire(entry *delayedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.state != delayedPending {
		return
	}
	entry.state = delayedQueued
	l.removeDelayedLocked(entry)
	l.enqueueLocked(envelope{msg: entry.msg, target: entry.target, delayed: entry})
}

func (l *Loop) cancel(match func(*delayedEntry) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelLocked(match)
}

// +checklocks:l.mu
func (l *Loop) cancelLocked(match func(*delayedEntry) bool) int {
	var count int
	kept := l.delayed[:0]
	for _, entry := range l.delayed {
		if !match(entry) {
			kept = append(kept, entry)
			continue
		}
		entry.timer.Stop()
		entry.state = delayedCancelled
		count++
	}
	clear(l.delayed[len(kept):])
	l.delayed = kept
	// Fired but not yet delivered messages are skipped at delivery time.
	for _, env := range l.queue {
		if env.delayed != nil && env.delayed.state == delayedQueued && match(env.delayed) {
			env.delayed.state = delayedCancelled
			count++
		}
	}
	return count
}

// +checklocks:l.mu
func (l *Loop) removeDelayedLocked(entry *delayedEntry) {
	if i := slices.Index(l.delayed, entry); i >= 0 {
		l.delayed = slices.Delete(l.delayed, i, i+1)
	}
}

// +checklocks:l.mu
func (l *Loop) enqueueLocked(env envelope) {
	l.queue = append(l.queue, env)
	l.signalLocked()
}

// +checklocks:l.mu
func (l *Loop) signalLocked() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) deliver(env envelope) {
	if env.delayed != nil {
		l.mu.Lock()
		cancelled := env.delayed.state == delayedCancelled
		env.delayed.state = delayedDelivered
		l.mu.Unlock()
		if cancelled {
			return
		}
	}
	l.dispatch(env.target, env.msg)
}

type recipient struct {
	handler *Handler
	reg     *registration
}

func (l *Loop) dispatch(target *Handler, msg Message) {
	recipients := l.recipients(target, msg)
	if len(recipients) == 0 {
		l.logger.V(3).Info("discarding message with no recipient", "message", msg)
		return
	}
	for _, r := range recipients {
		if !r.handler.enter(r.reg) {
			continue
		}
		func() {
			defer r.handler.leave()
			r.reg.cb.HandleMessage(msg)
		}()
	}
}

func (l *Loop) recipients(target *Handler, msg Message) []recipient {
	l.mu.Lock()
	defer l.mu.Unlock()
	var result []recipient
	collect := func(h *Handler) {
		if h.destroyed {
			return
		}
		if reg := h.regs[regKey{kind: msg.Kind, id: msg.Param1}]; reg != nil {
			result = append(result, recipient{handler: h, reg: reg})
		}
		if msg.Param1 != 0 {
			if reg := h.regs[regKey{kind: msg.Kind}]; reg != nil {
				result = append(result, recipient{handler: h, reg: reg})
			}
		}
	}
	if target != nil {
		collect(target)
		return result
	}
	for _, h := range l.handlers {
		collect(h)
	}
	return result
}

// +checklocks:l.mu
func (l *Loop) removeHandlerLocked(h *Handler) {
	if i := slices.Index(l.handlers, h); i >= 0 {
		l.handlers = slices.Delete(l.handlers, i, i+1)
	}
}
