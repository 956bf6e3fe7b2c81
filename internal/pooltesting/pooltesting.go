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

// Package pooltesting provides fake transports and resolvers for testing
// the connection pools without touching the network.
package pooltesting

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/netpool/origin"
	"github.com/bufbuild/netpool/transport"
)

// FakeTransport is an implementation of transport.Conn with no socket
// behind it. Its NetConn method always returns nil.
type FakeTransport struct {
	origin   origin.Identity
	protocol string
	closed   atomic.Bool
	onClose  func()
}

var _ transport.Conn = (*FakeTransport)(nil)

func (t *FakeTransport) Origin() origin.Identity { return t.origin }
func (t *FakeTransport) Protocol() string        { return t.protocol }
func (t *FakeTransport) NetConn() net.Conn       { return nil }

// Close implements transport.Conn. Closing twice is an error so tests
// catch double closes.
func (t *FakeTransport) Close() error {
	if t.closed.Swap(true) {
		return errors.New("transport already closed")
	}
	if t.onClose != nil {
		t.onClose()
	}
	return nil
}

// Closed reports whether Close was called.
func (t *FakeTransport) Closed() bool {
	return t.closed.Load()
}

type outcome struct {
	protocol string
	err      error
}

// PendingDial is a call to FakeDialer.Dial that is waiting for the test to
// decide its outcome.
type PendingDial struct {
	Target transport.Target
	result chan outcome
}

// Succeed completes the dial with a transport that negotiated protocol.
func (d *PendingDial) Succeed(protocol string) {
	d.result <- outcome{protocol: protocol}
}

// Fail completes the dial with err.
func (d *PendingDial) Fail(err error) {
	d.result <- outcome{err: err}
}

// FakeDialer is an implementation of transport.Dialer for tests. By
// default each Dial blocks until the test completes it through the
// PendingDial returned by AwaitDial. AutoComplete and AutoFail make dials
// finish immediately instead.
type FakeDialer struct {
	pending chan *PendingDial
	closed  atomic.Int32

	mu sync.Mutex
	// +checklocks:mu
	auto *outcome
	// +checklocks:mu
	targets []transport.Target
	// +checklocks:mu
	transports []*FakeTransport
}

var _ transport.Dialer = (*FakeDialer)(nil)

// NewFakeDialer constructs a FakeDialer whose dials wait for the test.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{pending: make(chan *PendingDial, 64)}
}

// AutoComplete makes subsequent dials succeed immediately with protocol.
func (d *FakeDialer) AutoComplete(protocol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auto = &outcome{protocol: protocol}
}

// AutoFail makes subsequent dials fail immediately with err.
func (d *FakeDialer) AutoFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auto = &outcome{err: err}
}

// Manual makes subsequent dials wait for the test again.
func (d *FakeDialer) Manual() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auto = nil
}

// Dial implements transport.Dialer.
func (d *FakeDialer) Dial(ctx context.Context, target transport.Target) (transport.Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	auto := d.auto
	d.mu.Unlock()
	if auto != nil {
		return d.complete(target, *auto)
	}
	pending := &PendingDial{Target: target, result: make(chan outcome, 1)}
	d.pending <- pending
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-pending.result:
		return d.complete(target, result)
	}
}

func (d *FakeDialer) complete(target transport.Target, result outcome) (transport.Conn, error) {
	if result.err != nil {
		return nil, result.err
	}
	fake := &FakeTransport{
		origin:   target.Origin,
		protocol: result.protocol,
		onClose:  func() { d.closed.Add(1) },
	}
	d.mu.Lock()
	d.transports = append(d.transports, fake)
	d.mu.Unlock()
	return fake, nil
}

// AwaitDial waits for a concurrent call to Dial that is waiting for an
// outcome. It returns an error if ctx is done first.
func (d *FakeDialer) AwaitDial(ctx context.Context) (*PendingDial, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case pending := <-d.pending:
		return pending, nil
	}
}

// Targets returns every target dialed so far.
func (d *FakeDialer) Targets() []transport.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Target(nil), d.targets...)
}

// Transports returns every transport handed out so far.
func (d *FakeDialer) Transports() []*FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeTransport(nil), d.transports...)
}

// Closed returns how many transports have been closed.
func (d *FakeDialer) Closed() int {
	return int(d.closed.Load())
}

// FakeResolver resolves every host to a fixed address and records which
// hosts were prefetched.
type FakeResolver struct {
	Addr netip.Addr

	mu sync.Mutex
	// +checklocks:mu
	prefetched []string
}

// NewFakeResolver returns a resolver that answers 192.0.2.1 for every host.
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{Addr: netip.MustParseAddr("192.0.2.1")}
}

// Prefetch records host and reports whether it was not seen before.
func (r *FakeResolver) Prefetch(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.prefetched {
		if seen == host {
			return false
		}
	}
	r.prefetched = append(r.prefetched, host)
	return true
}

// Resolve returns the resolver's fixed address.
func (r *FakeResolver) Resolve(context.Context, string) ([]netip.Addr, error) {
	return []netip.Addr{r.Addr}, nil
}

// Prefetched returns the hosts passed to Prefetch, without duplicates.
func (r *FakeResolver) Prefetched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prefetched...)
}
