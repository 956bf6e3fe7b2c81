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

// Package conns contains internal helpers relating to conn.Conns values.
package conns

import (
	"time"

	"github.com/bufbuild/netpool/conn"
)

// FromSlice returns a conn.Conns that represents the given slice. The slice
// is not copied, so changes to its contents are reflected in the result.
func FromSlice[C conn.Conn](conns []C) conn.Conns {
	return connections[C](conns)
}

type connections[C conn.Conn] []C

func (c connections[C]) Len() int {
	return len(c)
}

func (c connections[C]) Get(i int) conn.Conn {
	return c[i]
}

// Count returns how many connections in the set satisfy pred.
func Count(conns conn.Conns, pred func(conn.Conn) bool) int {
	var count int
	for i := range conns.Len() {
		if pred(conns.Get(i)) {
			count++
		}
	}
	return count
}

// Live returns how many connections count against connection limits.
func Live(conns conn.Conns) int {
	return Count(conns, func(c conn.Conn) bool { return c.State().Live() })
}

// OldestIdle returns the idle connection that was used least recently, or
// nil if there is none. Without force, only connections that are safe to
// delete qualify. Ties go to the earlier connection in the set.
func OldestIdle(conns conn.Conns, force bool) conn.Conn {
	var (
		oldest conn.Conn
		when   time.Time
	)
	for i := range conns.Len() {
		c := conns.Get(i)
		if c.State() != conn.StateIdle || !c.IsIdle() || (!force && !c.SafeToDelete()) {
			continue
		}
		if oldest == nil || c.LastUsed().Before(when) {
			oldest, when = c, c.LastUsed()
		}
	}
	return oldest
}
