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

package ftppool

import (
	"context"
	"path"
	"time"

	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/origin"
	"github.com/bufbuild/netpool/request"
	"github.com/bufbuild/netpool/transport"
)

// DataMode is how the data channel of a transfer is set up.
type DataMode int

const (
	// ExtendedPassive is EPSV: the client connects to a port the server
	// names.
	ExtendedPassive DataMode = iota
	// Passive is PASV.
	Passive
	// Active is PORT: the server connects back to the client.
	Active
)

func (m DataMode) String() string {
	switch m {
	case ExtendedPassive:
		return "EPSV"
	case Passive:
		return "PASV"
	default:
		return "PORT"
	}
}

// Session is one authenticated FTP control connection. It carries at most
// one request at a time. It is owned by its pool and must only be used on
// the dispatch loop.
type Session struct {
	id     int64
	origin origin.Identity
	state  conn.State
	user   string
	// empty while unknown
	cwd string

	transport  transport.Conn
	cancelDial context.CancelFunc
	dialResult chan dialResult

	req *request.Request
	// started is set once the driver was told to run req.
	started bool
	mode    DataMode
	noNew   bool

	created  time.Time
	lastUsed time.Time
}

var _ conn.Conn = (*Session)(nil)

type dialResult struct {
	conn transport.Conn
	err  error
}

func (r dialResult) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (s *Session) ID() int64               { return s.id }
func (s *Session) Protocol() conn.Protocol { return conn.FTP }
func (s *Session) Origin() origin.Identity { return s.origin }
func (s *Session) State() conn.State       { return s.state }
func (s *Session) LastUsed() time.Time     { return s.lastUsed }
func (s *Session) IsIdle() bool            { return s.req == nil }
func (s *Session) SafeToDelete() bool      { return s.req == nil }

// AcceptsNewRequests reports whether the session is logged in and free.
func (s *Session) AcceptsNewRequests() bool {
	return s.state == conn.StateIdle && s.req == nil && !s.noNew
}

// User returns the name the session logs in as. Empty means anonymous.
func (s *Session) User() string {
	return s.user
}

// Cwd returns the session's working directory, if known.
func (s *Session) Cwd() (string, bool) {
	return s.cwd, s.cwd != ""
}

// Transport returns the control connection, or nil while connecting.
func (s *Session) Transport() transport.Conn {
	return s.transport
}

// Request returns the request the session carries, if any.
func (s *Session) Request() *request.Request {
	return s.req
}

// Mode returns the data channel mode of the current transfer.
func (s *Session) Mode() DataMode {
	return s.mode
}

// accepts reports whether req may run on a session logged in as s.user.
// Anonymous requests run anywhere.
func (s *Session) accepts(req *request.Request) bool {
	return anonymous(req.User) || req.User == s.user
}

func anonymous(user string) bool {
	return user == "" || user == "anonymous" || user == "ftp"
}

// TargetDir returns the directory a session should be in to run req: the
// listed directory for OpList, the parent of the target otherwise.
func TargetDir(req *request.Request) string {
	if req.Op == request.OpList {
		return req.Path()
	}
	return path.Dir(req.Path())
}
