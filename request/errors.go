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

package request

import (
	"errors"
	"fmt"

	"github.com/bufbuild/netpool/origin"
)

var (
	// ErrResourceExhausted means no connection slot could be obtained.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrConnectFailed means the transport could not be established.
	ErrConnectFailed = errors.New("connect failed")
	// ErrProtocolViolation means the peer broke pipelining assumptions.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrPartialProgress means an FTP data transfer failed part way; the
	// control session survived.
	ErrPartialProgress = errors.New("transfer failed")
	// ErrConnectionLost means the connection carrying the request failed
	// after the request had been (partially) sent.
	ErrConnectionLost = errors.New("connection lost")
	// ErrCancelled means the caller cancelled the request.
	ErrCancelled = errors.New("request cancelled")
	// ErrClosed means the engine or pool was closed before the request
	// completed.
	ErrClosed = errors.New("pool closed")
	// ErrNotHeld means a pool was given a request that is already queued,
	// attached, or finished.
	ErrNotHeld = errors.New("request not held by caller")
)

// Failure is the terminal error of a request. It matches its Kind (one of
// the sentinel errors in this package) and its cause with errors.Is.
type Failure struct {
	Kind   error
	Origin origin.Identity
	Err    error
}

// Fail builds a *Failure for req.
func Fail(req *Request, kind, cause error) *Failure {
	return &Failure{Kind: kind, Origin: req.Origin, Err: cause}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %v", f.Origin, f.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", f.Origin, f.Kind, f.Err)
}

func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}
