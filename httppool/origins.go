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
	"sync"

	"github.com/bufbuild/netpool/origin"
)

// PipelineSupport is what is known about an origin's ability to pipeline.
type PipelineSupport int

const (
	PipelineUnknown PipelineSupport = iota
	PipelineCapable
	PipelineIncapable
)

// OriginInfo holds what has been learned about an origin from earlier
// sessions. It outlives the origin's pool.
type OriginInfo struct {
	// HTTP10 means the server answered with HTTP/1.0.
	HTTP10 bool
	// KeepAlive means an HTTP/1.0 server agreed to keep connections open.
	KeepAlive  bool
	Pipelining PipelineSupport
	// PipelineDisabled is set once Violations reaches the configured limit
	// and is never cleared.
	PipelineDisabled bool
	Violations       int
	// Multiplexed means the origin negotiated a multiplexed protocol.
	Multiplexed bool
}

// Persistent reports whether connections to the origin can carry more
// than one request.
func (i OriginInfo) Persistent() bool {
	return !i.HTTP10 || i.KeepAlive
}

// OriginStore is the engine-wide table of sticky per-origin flags. It is
// safe for concurrent use.
type OriginStore struct {
	mu sync.Mutex
	// +checklocks:mu
	origins map[origin.Identity]*OriginInfo
	// +checklocks:mu
	turboKnown bool
}

// NewOriginStore returns an empty store.
func NewOriginStore() *OriginStore {
	return &OriginStore{origins: map[origin.Identity]*OriginInfo{}}
}

// Get returns a copy of what is known about id.
func (s *OriginStore) Get(id origin.Identity) OriginInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info := s.origins[id]; info != nil {
		return *info
	}
	return OriginInfo{}
}

// Update changes what is known about id.
func (s *OriginStore) Update(id origin.Identity, update func(*OriginInfo)) OriginInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.origins[id]
	if info == nil {
		info = &OriginInfo{}
		s.origins[id] = info
	}
	update(info)
	return *info
}

// TurboProxyKnown reports whether a connection through the compressing
// proxy has completed, revealing its identity.
func (s *OriginStore) TurboProxyKnown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turboKnown
}

// SetTurboProxyKnown records that the compressing proxy has been reached.
func (s *OriginStore) SetTurboProxyKnown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turboKnown = true
}

// ResponseInfo is what the protocol driver reports when a response header
// has been parsed.
type ResponseInfo struct {
	ProtoMajor int
	ProtoMinor int
	// KeepAlive is set when an HTTP/1.0 response asked to keep the
	// connection open.
	KeepAlive bool
	// Close is set when the response asked to close the connection.
	Close bool
	// Pipelining is what the driver could tell about pipelining support
	// from the response, if anything.
	Pipelining PipelineSupport
}
