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

package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bufbuild/netpool/internal"
	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL    = time.Minute
	lookupTimeout = 30 * time.Second
)

// AddressFamilyAffinity is an option that allows control over the preference
// for which addresses to consider when resolving, based on their address
// family.
type AddressFamilyAffinity int

const (
	// AllFamilies will result in all addresses being used, regardless of
	// their address family.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6
)

// Status is what the resolver knows about a host.
type Status int

const (
	Unknown Status = iota
	Resolving
	Resolved
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// HostLookup is an interface for types that provide single-shot name
// resolution.
type HostLookup interface {
	// ResolveOnce resolves the given host name once. The second return value
	// specifies the TTL of the result, or 0 if there is no known TTL value.
	ResolveOnce(ctx context.Context, host string) (addrs []netip.Addr, ttl time.Duration, err error)
}

// HostLookupFunc adapts a function to the HostLookup interface.
type HostLookupFunc func(ctx context.Context, host string) ([]netip.Addr, time.Duration, error)

func (f HostLookupFunc) ResolveOnce(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	return f(ctx, host)
}

// NewDNSLookup creates a lookup that resolves DNS names.
// You can specify which kind of network addresses to resolve with the network
// parameter, and the lookup will return only IP addresses of the type
// specified by network. The network must be one of "ip", "ip4" or "ip6".
// Note that because net.Resolver does not expose the record TTL values,
// results always report a zero TTL. The specified address family affinity
// value can be used to prefer using either IPv4 or IPv6 addresses only, in
// cases where there are both A and AAAA records.
func NewDNSLookup(resolver *net.Resolver, network string, affinity AddressFamilyAffinity) HostLookup {
	return &dnsHostLookup{
		resolver: resolver,
		network:  network,
		affinity: affinity,
	}
}

type dnsHostLookup struct {
	resolver *net.Resolver
	network  string
	affinity AddressFamilyAffinity
}

func (r *dnsHostLookup) ResolveOnce(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	addresses, err := r.resolver.LookupNetIP(ctx, r.network, host)
	if err != nil {
		return nil, 0, err
	}
	switch r.affinity {
	case AllFamilies:
		break
	case PreferIPv4:
		ip4Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is4() || address.Is4In6() {
				ip4Addresses = append(ip4Addresses, address)
			}
		}
		if len(ip4Addresses) > 0 {
			addresses = ip4Addresses
		}
	case PreferIPv6:
		ip6Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is6() && !address.Is4In6() {
				ip6Addresses = append(ip6Addresses, address)
			}
		}
		if len(ip6Addresses) > 0 {
			addresses = ip6Addresses
		}
	}
	for i, address := range addresses {
		addresses[i] = address.Unmap()
	}
	return addresses, 0, nil
}

// Option configures a Resolver.
type Option interface {
	apply(*Resolver)
}

type optionFunc func(*Resolver)

func (f optionFunc) apply(r *Resolver) { f(r) }

// WithDefaultTTL sets how long results are cached when the lookup does not
// report a TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return optionFunc(func(r *Resolver) { r.defaultTTL = ttl })
}

// WithClock sets the clock used for cache expiry.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(r *Resolver) { r.clock = clock })
}

// WithRunner sets how prefetches are started. The default starts a new
// goroutine. The engine passes the dispatch loop's Go method so that lookups
// are tracked with the rest of its asynchronous work.
func WithRunner(run func(func())) Option {
	return optionFunc(func(r *Resolver) { r.run = run })
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return optionFunc(func(r *Resolver) { r.logger = logger })
}

// Resolver caches host name lookups and de-duplicates lookups that are in
// flight. It is safe for concurrent use.
type Resolver struct {
	lookup     HostLookup
	defaultTTL time.Duration
	clock      internal.Clock
	run        func(func())
	logger     logr.Logger
	group      singleflight.Group

	mu sync.Mutex
	// +checklocks:mu
	cache map[string]cacheEntry
	// +checklocks:mu
	inflight map[string]int
}

type cacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// New creates a resolver backed by the given lookup.
func New(lookup HostLookup, opts ...Option) *Resolver {
	res := &Resolver{
		lookup:     lookup,
		defaultTTL: defaultTTL,
		clock:      internal.NewRealClock(),
		run:        func(fn func()) { go fn() },
		logger:     logr.Discard(),
		cache:      map[string]cacheEntry{},
		inflight:   map[string]int{},
	}
	for _, opt := range opts {
		opt.apply(res)
	}
	return res
}

// NewDNS creates a resolver that uses the system DNS resolver.
func NewDNS(opts ...Option) *Resolver {
	return New(NewDNSLookup(net.DefaultResolver, "ip", AllFamilies), opts...)
}

// Status reports whether host has a fresh cached result, has a lookup in
// flight, or neither. IP literals are always resolved.
func (r *Resolver) Status(host string) Status {
	if _, err := netip.ParseAddr(host); err == nil {
		return Resolved
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked(host)
}

// +checklocks:r.mu
func (r *Resolver) statusLocked(host string) Status {
	if r.inflight[host] > 0 {
		return Resolving
	}
	if entry, ok := r.cache[host]; ok && r.clock.Now().Before(entry.expires) {
		return Resolved
	}
	return Unknown
}

// Prefetch starts resolving host unless it is already resolved or being
// resolved. It never blocks. It reports whether a lookup was started.
func (r *Resolver) Prefetch(host string) bool {
	if _, err := netip.ParseAddr(host); err == nil {
		return false
	}
	r.mu.Lock()
	if r.statusLocked(host) != Unknown {
		r.mu.Unlock()
		return false
	}
	r.inflight[host]++
	r.mu.Unlock()
	r.logger.V(2).Info("prefetching host", "host", host)
	r.run(func() {
		defer r.done(host)
		if _, err := r.Resolve(context.Background(), host); err != nil {
			r.logger.V(1).Info("prefetch failed", "host", host, "error", err.Error())
		}
	})
	return true
}

// Resolve returns the addresses of host, from the cache if fresh. Concurrent
// lookups of the same host share one query.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	r.mu.Lock()
	if entry, ok := r.cache[host]; ok && r.clock.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.addrs, nil
	}
	r.inflight[host]++
	r.mu.Unlock()
	defer r.done(host)

	results := r.group.DoChan(host, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		addrs, ttl, err := r.lookup.ResolveOnce(lookupCtx, host)
		if err != nil {
			return nil, err
		}
		if ttl == 0 {
			ttl = r.defaultTTL
		}
		r.mu.Lock()
		r.cache[host] = cacheEntry{addrs: addrs, expires: r.clock.Now().Add(ttl)}
		r.mu.Unlock()
		return addrs, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, result.Err)
		}
		return result.Val.([]netip.Addr), nil //nolint:forcetypeassert,errcheck
	}
}

// Forget drops the cached result for host, if any.
func (r *Resolver) Forget(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, host)
}

func (r *Resolver) done(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[host]--; r.inflight[host] <= 0 {
		delete(r.inflight, host)
	}
}
