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

package engine

import (
	"sync"

	"github.com/bufbuild/netpool/origin"
)

// Accounting counts live connections per origin and in total, and how many
// are still being established. Pools update it on the dispatch loop; it
// can be read from any goroutine.
type Accounting struct {
	config *Config

	mu sync.Mutex
	// +checklocks:mu
	perServer map[origin.Identity]int
	// +checklocks:mu
	total int
	// +checklocks:mu
	connecting int
}

// NewAccounting returns empty accounting checked against config's limits.
func NewAccounting(config *Config) *Accounting {
	return &Accounting{config: config, perServer: map[origin.Identity]int{}}
}

// Opened records a new connection to id that is still being established.
func (a *Accounting) Opened(id origin.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.perServer[id]++
	a.total++
	a.connecting++
}

// Connected records that a connection to id finished being established.
func (a *Accounting) Connected(origin.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connecting > 0 {
		a.connecting--
	}
}

// Closed records that a connection to id went away. wasConnecting says
// whether it closed before Connected was recorded for it.
func (a *Accounting) Closed(id origin.Identity, wasConnecting bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.perServer[id]--; a.perServer[id] <= 0 {
		delete(a.perServer, id)
	}
	if a.total > 0 {
		a.total--
	}
	if wasConnecting && a.connecting > 0 {
		a.connecting--
	}
}

// TooManyOpen reports whether opening one more connection would exceed the
// global limit or the limit on connections being established. If id is
// non-nil, the per-server count is also checked against serverMax.
func (a *Accounting) TooManyOpen(id *origin.Identity, serverMax int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.total >= a.config.MaxConnectionsTotal || a.connecting >= a.config.MaxConnecting {
		return true
	}
	return id != nil && a.perServer[*id] >= serverMax
}

// HighPressure reports whether the global connection count is close enough
// to its limit that requests should share connections instead of waiting.
func (a *Accounting) HighPressure() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total*4 >= a.config.MaxConnectionsTotal*3
}

// Headroom reports whether at least one more connection fits under the
// global limit with a spare slot left over.
func (a *Accounting) Headroom() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total+1 < a.config.MaxConnectionsTotal && a.connecting < a.config.MaxConnecting
}

// Server returns the live connection count for id.
func (a *Accounting) Server(id origin.Identity) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perServer[id]
}

// Total returns the live connection count across all origins.
func (a *Accounting) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Connecting returns how many connections are still being established.
func (a *Accounting) Connecting() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connecting
}
