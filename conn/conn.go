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

// Package conn provides the representation of a protocol connection: one
// live session speaking a protocol over one transport. HTTP connections and
// FTP control sessions both implement [Conn], which is what the connection
// registry uses to find and evict idle connections without knowing which
// protocol they speak.
package conn

import (
	"fmt"
	"time"

	"github.com/bufbuild/netpool/origin"
)

// Protocol tags the concrete kind of a connection or request.
type Protocol int

const (
	HTTP Protocol = iota + 1
	FTP
)

func (p Protocol) String() string {
	switch p {
	case HTTP:
		return "http"
	case FTP:
		return "ftp"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// State is the lifecycle state of a connection.
type State int

const (
	StateNew State = iota
	StateConnecting
	// StateAuthenticating is only used by FTP control sessions.
	StateAuthenticating
	StateIdle
	// StateBusy means at least one request is attached. For FTP this is the
	// "active transfer" state.
	StateBusy
	StateClosing
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Live reports whether a connection in this state counts against the
// connection limits.
func (s State) Live() bool {
	return s >= StateConnecting && s <= StateBusy
}

// Conn represents a live connection to one origin. Methods are only called
// from the dispatch loop that owns the connection's pool.
type Conn interface {
	// ID identifies the connection within its engine. It is what messages
	// about the connection carry.
	ID() int64
	// Protocol returns the protocol the connection speaks.
	Protocol() Protocol
	// Origin is the server this connection is connected to.
	Origin() origin.Identity
	// State returns the current lifecycle state.
	State() State
	// IsIdle reports whether no request is attached.
	IsIdle() bool
	// AcceptsNewRequests reports whether a new request may be attached now.
	AcceptsNewRequests() bool
	// SafeToDelete reports whether the connection can be closed without
	// failing any attached request.
	SafeToDelete() bool
	// LastUsed returns when the connection last went idle, or when it
	// was created if it never carried a request.
	LastUsed() time.Time
}

// Conns represents a read-only set of connections.
type Conns interface {
	// Len returns the total number of connections in the set.
	Len() int
	// Get returns the connection at index i.
	Get(i int) Conn
}
