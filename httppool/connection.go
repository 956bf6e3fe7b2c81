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

package httppool

import (
	"context"
	"slices"
	"time"

	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/origin"
	"github.com/bufbuild/netpool/request"
	"github.com/bufbuild/netpool/transport"
	"golang.org/x/net/http2"
)

// Connection is one transport to an origin and the requests it carries.
// It is owned by its pool and must only be used on the dispatch loop.
type Connection struct {
	id     int64
	origin origin.Identity
	state  conn.State

	transport transport.Conn
	h2        *http2.ClientConn
	// set while the dial is in progress
	cancelDial context.CancelFunc
	dialResult chan dialResult

	negotiated  string
	persistent  bool
	pipelining  bool
	multiplexed bool
	maxStreams  int

	// noNew is set once the connection must not be given more requests.
	// It is closed when the requests it has drain.
	noNew              bool
	interactionBlocked bool
	// used is set once the connection has carried a request.
	used bool
	// spare connections are opened ahead of demand.
	spare bool

	// Attached requests in the order they were assigned. The first issued
	// ones have been handed to the driver.
	requests []*request.Request
	issued   int
	// number of requests in the delayed queue waiting for this connection
	held int

	created  time.Time
	lastUsed time.Time
}

var _ conn.Conn = (*Connection)(nil)

type dialResult struct {
	conn transport.Conn
	h2   *http2.ClientConn
	err  error
}

func (r dialResult) Close() error {
	if r.h2 != nil {
		return r.h2.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (c *Connection) ID() int64               { return c.id }
func (c *Connection) Protocol() conn.Protocol { return conn.HTTP }
func (c *Connection) Origin() origin.Identity { return c.origin }
func (c *Connection) State() conn.State       { return c.state }
func (c *Connection) LastUsed() time.Time     { return c.lastUsed }

// IsIdle reports whether the connection carries no requests.
func (c *Connection) IsIdle() bool {
	return len(c.requests) == 0
}

// AcceptsNewRequests reports whether another request may be attached.
func (c *Connection) AcceptsNewRequests() bool {
	switch c.state {
	case conn.StateConnecting, conn.StateIdle, conn.StateBusy:
	default:
		return false
	}
	if c.noNew {
		return false
	}
	if c.multiplexed {
		if c.h2 != nil && !c.h2.CanTakeNewRequest() {
			return false
		}
		return len(c.requests) < c.maxStreams
	}
	if !c.persistent {
		return len(c.requests) == 0 && !c.used
	}
	return true
}

// SafeToDelete reports whether closing the connection would lose nothing:
// it carries no requests and none are waiting for it.
func (c *Connection) SafeToDelete() bool {
	return len(c.requests) == 0 && c.held == 0
}

// Transport returns the established transport, or nil while connecting.
func (c *Connection) Transport() transport.Conn {
	return c.transport
}

// ClientConn returns the HTTP/2 client connection when the origin
// negotiated h2 over a real socket.
func (c *Connection) ClientConn() *http2.ClientConn {
	return c.h2
}

// Negotiated returns the application protocol agreed during the handshake.
func (c *Connection) Negotiated() string {
	return c.negotiated
}

// Multiplexed reports whether requests on the connection run as
// concurrent streams.
func (c *Connection) Multiplexed() bool {
	return c.multiplexed
}

// Pipelining reports whether requests may be written before earlier
// responses have arrived.
func (c *Connection) Pipelining() bool {
	return c.pipelining
}

// Requests returns the attached requests in order.
func (c *Connection) Requests() []*request.Request {
	return slices.Clone(c.requests)
}

func (c *Connection) connected() bool {
	return c.state == conn.StateIdle || c.state == conn.StateBusy
}

func (c *Connection) attach(req *request.Request, now time.Time) {
	req.Attach(c.id)
	c.requests = append(c.requests, req)
	c.lastUsed = now
	if c.state == conn.StateIdle {
		c.state = conn.StateBusy
	}
}

// detach removes req and reports whether it was attached.
func (c *Connection) detach(req *request.Request, now time.Time) bool {
	i := slices.Index(c.requests, req)
	if i < 0 {
		return false
	}
	c.requests = slices.Delete(c.requests, i, i+1)
	if i < c.issued {
		c.issued--
	}
	c.lastUsed = now
	if c.state == conn.StateBusy && len(c.requests) == 0 {
		c.state = conn.StateIdle
	}
	return true
}

// takeRequests detaches everything.
func (c *Connection) takeRequests() []*request.Request {
	reqs := c.requests
	c.requests = nil
	c.issued = 0
	return reqs
}

// nextToIssue returns the requests that may now be handed to the driver.
func (c *Connection) nextToIssue() []*request.Request {
	if !c.connected() {
		return nil
	}
	limit := len(c.requests)
	if !c.multiplexed && !c.pipelining && limit > 1 {
		limit = 1
	}
	if c.issued >= limit {
		return nil
	}
	next := slices.Clone(c.requests[c.issued:limit])
	c.issued = limit
	return next
}

func (c *Connection) closer() dialResult {
	return dialResult{conn: c.transport, h2: c.h2}
}
