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

// Package request models a load request as seen by the connection pools:
// where it goes, what it does, how urgent it is, and where it currently is
// (held by the caller, queued by a pool, or attached to a connection).
//
// Apart from Done and Err, the methods of a Request must only be called
// from the dispatch loop that owns the pool it was submitted to.
package request

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync/atomic"

	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/origin"
	"github.com/google/uuid"
)

//nolint:gochecknoglobals
var lastID atomic.Int64

// State is where a request currently lives. A request is in exactly one
// state at any time.
type State int

const (
	CallerHeld State = iota
	Queued
	Delayed
	Attached
	Finished
)

func (s State) String() string {
	switch s {
	case CallerHeld:
		return "caller-held"
	case Queued:
		return "queued"
	case Delayed:
		return "delayed"
	case Attached:
		return "attached"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Priority orders requests in the delayed queue. Lower values go first.
type Priority int

const (
	PriorityMainDocument Priority = iota
	PriorityScript
	PriorityStylesheet
	PrioritySubresource
	PriorityBackground
)

// Flags modify how a request is scheduled.
type Flags uint8

const (
	// LoadDirect requests are never held in the delayed queue.
	LoadDirect Flags = 1 << iota
	// Form marks a form submission. Form requests are treated as unsafe
	// regardless of their method.
	Form
	// UserInteractionBlocked requests only share connections with other
	// requests that have the same flag.
	UserInteractionBlocked
)

// Op is an FTP operation.
type Op int

const (
	OpRetrieve Op = iota + 1
	OpStore
	OpList
	OpDelete
	OpMakeDir
)

func (o Op) String() string {
	switch o {
	case OpRetrieve:
		return "RETR"
	case OpStore:
		return "STOR"
	case OpList:
		return "LIST"
	case OpDelete:
		return "DELE"
	case OpMakeDir:
		return "MKD"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// NeedsData reports whether the operation opens a data channel.
func (o Op) NeedsData() bool {
	return o == OpRetrieve || o == OpStore || o == OpList
}

// Listener is told when a request reaches its outcome. It is called on the
// dispatch loop, exactly once per request.
type Listener interface {
	RequestFinished(req *Request, err error)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(req *Request, err error)

func (f ListenerFunc) RequestFinished(req *Request, err error) {
	f(req, err)
}

// Request is one load submitted to the engine.
type Request struct {
	// ID is unique within the process and is what messages about the
	// request carry.
	ID int64
	// TraceID correlates log lines and notifications for the request.
	TraceID  uuid.UUID
	Protocol conn.Protocol
	Origin   origin.Identity
	URL      *url.URL
	// Method is the HTTP method. Empty for FTP requests.
	Method string
	// Op is the FTP operation. Zero for HTTP requests.
	Op Op
	// User is the FTP login name. Empty means anonymous.
	User     string
	Priority Priority
	Flags    Flags
	// DocumentID groups a main document with its subresources. Zero means
	// the request belongs to no document.
	DocumentID int64

	listener Listener
	done     chan struct{}
	err      error

	state        State
	connID       int64
	sent         bool
	headerLoaded bool
	retries      int
}

// Option configures a request.
type Option interface {
	apply(*Request)
}

type optionFunc func(*Request)

func (f optionFunc) apply(r *Request) { f(r) }

// WithPriority sets the request's priority class. The default is
// PrioritySubresource.
func WithPriority(p Priority) Option {
	return optionFunc(func(r *Request) { r.Priority = p })
}

// WithFlags sets scheduling flags.
func WithFlags(flags Flags) Option {
	return optionFunc(func(r *Request) { r.Flags |= flags })
}

// WithDocument associates the request with a document load.
func WithDocument(id int64) Option {
	return optionFunc(func(r *Request) { r.DocumentID = id })
}

// WithListener sets a listener that is told about the request's outcome.
func WithListener(l Listener) Option {
	return optionFunc(func(r *Request) { r.listener = l })
}

// NewHTTP creates an HTTP request for the given method and URL.
func NewHTTP(method string, u *url.URL, opts ...Option) (*Request, error) {
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("request: scheme %q is not http", u.Scheme)
	}
	if method == "" {
		method = http.MethodGet
	}
	req, err := newRequest(conn.HTTP, u, opts)
	if err != nil {
		return nil, err
	}
	req.Method = method
	return req, nil
}

// NewFTP creates an FTP request for the given operation and URL. The URL's
// user info, if any, names the login.
func NewFTP(op Op, u *url.URL, opts ...Option) (*Request, error) {
	if u.Scheme != "ftp" && u.Scheme != "ftps" {
		return nil, fmt.Errorf("request: scheme %q is not ftp", u.Scheme)
	}
	if op == 0 {
		return nil, errors.New("request: missing ftp operation")
	}
	req, err := newRequest(conn.FTP, u, opts)
	if err != nil {
		return nil, err
	}
	req.Op = op
	if u.User != nil {
		req.User = u.User.Username()
	}
	return req, nil
}

func newRequest(protocol conn.Protocol, u *url.URL, opts []Option) (*Request, error) {
	id, err := origin.FromURL(u)
	if err != nil {
		return nil, err
	}
	req := &Request{
		ID:       lastID.Add(1),
		TraceID:  uuid.New(),
		Protocol: protocol,
		Origin:   id,
		URL:      u,
		Priority: PrioritySubresource,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt.apply(req)
	}
	return req, nil
}

// Path returns the request's URL path, "/" if empty.
func (r *Request) Path() string {
	if r.URL.Path == "" {
		return "/"
	}
	return path.Clean(r.URL.Path)
}

// Unsafe reports whether the request may have side effects on the server
// and so must not be silently retried or sent on a connection the server
// may consider finished.
func (r *Request) Unsafe() bool {
	if r.Flags&Form != 0 {
		return true
	}
	if r.Protocol == conn.FTP {
		return r.Op == OpStore || r.Op == OpDelete || r.Op == OpMakeDir
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}

// Has reports whether all the given flags are set.
func (r *Request) Has(flags Flags) bool {
	return r.Flags&flags == flags
}

// State returns where the request currently lives.
func (r *Request) State() State {
	return r.state
}

// ConnID returns the ID of the connection the request is attached to, or
// zero if it is not attached.
func (r *Request) ConnID() int64 {
	return r.connID
}

// Hold returns the request to the caller-held state.
func (r *Request) Hold() {
	r.moveTo(CallerHeld, 0)
}

// Enqueue marks the request as waiting in a pool's active queue.
func (r *Request) Enqueue() {
	r.moveTo(Queued, 0)
}

// Delay marks the request as held in a pool's delayed queue.
func (r *Request) Delay() {
	r.moveTo(Delayed, 0)
}

// Attach marks the request as carried by the given connection.
func (r *Request) Attach(connID int64) {
	r.moveTo(Attached, connID)
}

// Detach returns an attached request to the caller-held state and clears
// its progress markers so it can be sent again.
func (r *Request) Detach() {
	r.moveTo(CallerHeld, 0)
	r.sent = false
	r.headerLoaded = false
}

func (r *Request) moveTo(state State, connID int64) {
	if r.state == Finished {
		panic(fmt.Sprintf("request %d: transition to %v after it finished", r.ID, state)) //nolint:forbidigo
	}
	r.state = state
	r.connID = connID
}

// MarkSent records that the request has been written to its connection.
func (r *Request) MarkSent() {
	r.sent = true
}

// Sent reports whether any of the request has been written.
func (r *Request) Sent() bool {
	return r.sent
}

// MarkHeaderLoaded records that the response header has been received.
func (r *Request) MarkHeaderLoaded() {
	r.headerLoaded = true
}

// HeaderLoaded reports whether the response header has been received.
func (r *Request) HeaderLoaded() bool {
	return r.headerLoaded
}

// Retries returns how many times the request has been re-driven after a
// connection failure.
func (r *Request) Retries() int {
	return r.retries
}

// Retry records one more retry.
func (r *Request) Retry() {
	r.retries++
}

// Finish records the request's outcome. A nil error means success. Only
// the first call has any effect; it reports whether it was that call.
func (r *Request) Finish(err error) bool {
	if r.state == Finished {
		return false
	}
	r.state = Finished
	r.connID = 0
	r.err = err
	close(r.done)
	if r.listener != nil {
		r.listener.RequestFinished(r, err)
	}
	return true
}

// Done returns a channel that is closed once the request has finished. It
// is safe to call from any goroutine.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the request's outcome once Done is closed, and nil before
// that. It is safe to call from any goroutine.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Request) String() string {
	if r.Protocol == conn.FTP {
		return fmt.Sprintf("#%d %v %s%s", r.ID, r.Op, r.Origin, r.Path())
	}
	return fmt.Sprintf("#%d %s %s%s", r.ID, r.Method, r.Origin, r.Path())
}
