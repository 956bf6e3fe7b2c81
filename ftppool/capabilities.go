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
	"fmt"
	"sync"

	"github.com/bufbuild/netpool/origin"
)

// Capability is an optional server feature that is checked on first use.
type Capability int

const (
	CapSize Capability = iota
	CapMode
	CapMDTM
	// CapFullPath means commands accept absolute paths, so no CWD is needed.
	CapFullPath
	// CapCWDBeforeSize means SIZE only works on names in the current
	// directory.
	CapCWDBeforeSize
	// CapTildeHome means "~" expands to the login directory.
	CapTildeHome
	CapEPSV
	CapPASV

	numCapabilities
)

func (c Capability) String() string {
	switch c {
	case CapSize:
		return "SIZE"
	case CapMode:
		return "MODE"
	case CapMDTM:
		return "MDTM"
	case CapFullPath:
		return "full-path"
	case CapCWDBeforeSize:
		return "CWD-before-SIZE"
	case CapTildeHome:
		return "tilde-home"
	case CapEPSV:
		return "EPSV"
	case CapPASV:
		return "PASV"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// Support is what is known about a capability.
type Support int

const (
	Untested Support = iota
	Supported
	Unsupported
)

func (s Support) String() string {
	switch s {
	case Untested:
		return "untested"
	case Supported:
		return "supported"
	case Unsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("support(%d)", int(s))
	}
}

// Capabilities is the set of check results for one origin.
type Capabilities [numCapabilities]Support

// CapabilityStore caches check results per origin for the life of the
// engine. A negative result is final. It is safe for concurrent use.
type CapabilityStore struct {
	mu sync.Mutex
	// +checklocks:mu
	origins map[origin.Identity]*Capabilities
}

// NewCapabilityStore returns an empty store.
func NewCapabilityStore() *CapabilityStore {
	return &CapabilityStore{origins: map[origin.Identity]*Capabilities{}}
}

// Get returns what is known about one capability of id.
func (s *CapabilityStore) Get(id origin.Identity, capability Capability) Support {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caps := s.origins[id]; caps != nil {
		return caps[capability]
	}
	return Untested
}

// Record stores a check result and returns the resulting state, which
// stays Unsupported once it got there.
func (s *CapabilityStore) Record(id origin.Identity, capability Capability, supported bool) Support {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := s.origins[id]
	if caps == nil {
		caps = &Capabilities{}
		s.origins[id] = caps
	}
	switch {
	case caps[capability] == Unsupported:
	case supported:
		caps[capability] = Supported
	default:
		caps[capability] = Unsupported
	}
	return caps[capability]
}
