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

// Package origin defines the identity that connection pools are keyed by:
// a host, a port, and whether the transport is secured.
package origin

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Identity is the pooling key. Two requests whose identities are equal may
// share connections.
type Identity struct {
	Host   string
	Port   uint16
	Secure bool
}

// New returns a normalized identity. Internationalized host names are
// converted to their ASCII form and lower-cased.
func New(host string, port uint16, secure bool) (Identity, error) {
	if host == "" {
		return Identity{}, errors.New("origin: empty host")
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if _, err := netip.ParseAddr(host); err != nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return Identity{}, fmt.Errorf("origin: invalid host %q: %w", host, err)
		}
		host = ascii
	}
	return Identity{Host: strings.ToLower(host), Port: port, Secure: secure}, nil
}

// MustNew is like New but panics on error. It is meant for tests and
// literals.
func MustNew(host string, port uint16, secure bool) Identity {
	id, err := New(host, port, secure)
	if err != nil {
		panic(err) //nolint:forbidigo
	}
	return id
}

// DefaultPort returns the well-known port for a URL scheme and whether
// that scheme implies a secure transport. It returns zero for unknown
// schemes.
func DefaultPort(scheme string) (port uint16, secure bool) {
	switch strings.ToLower(scheme) {
	case "http":
		return 80, false
	case "https":
		return 443, true
	case "ftp":
		return 21, false
	case "ftps":
		return 990, true
	default:
		return 0, false
	}
}

// FromURL derives the identity of the server a URL points at.
func FromURL(u *url.URL) (Identity, error) {
	defPort, secure := DefaultPort(u.Scheme)
	port := defPort
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Identity{}, fmt.Errorf("origin: invalid port %q: %w", p, err)
		}
		port = uint16(n)
	}
	if port == 0 {
		return Identity{}, fmt.Errorf("origin: unsupported scheme %q", u.Scheme)
	}
	return New(u.Hostname(), port, secure)
}

// HostPort returns the "host:port" form of the identity, suitable for
// dialing.
func (i Identity) HostPort() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(int(i.Port)))
}

func (i Identity) String() string {
	if i.Secure {
		return "secure://" + i.HostPort()
	}
	return i.HostPort()
}

// IsLocal reports whether the identity names a loopback, private, or
// link-local address, or an intranet name without any dots. Such servers
// get a raised connection ceiling and never get speculative connections.
func (i Identity) IsLocal() bool {
	if addr, err := netip.ParseAddr(i.Host); err == nil {
		addr = addr.Unmap()
		return addr.IsLoopback() || addr.IsPrivate() ||
			addr.IsLinkLocalUnicast() || addr.IsUnspecified()
	}
	if i.Host == "localhost" || strings.HasSuffix(i.Host, ".localhost") {
		return true
	}
	return !strings.Contains(i.Host, ".")
}

// IsIP reports whether the host is an IP literal rather than a name that
// needs resolving.
func (i Identity) IsIP() bool {
	_, err := netip.ParseAddr(i.Host)
	return err == nil
}

// MatchesAny reports whether the host matches one of the patterns. A
// pattern that starts with "." or "*." matches the domain and all its
// subdomains; anything else must match exactly.
func (i Identity) MatchesAny(patterns []string) bool {
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		pattern = strings.TrimPrefix(pattern, "*")
		if strings.HasPrefix(pattern, ".") {
			if i.Host == pattern[1:] || strings.HasSuffix(i.Host, pattern) {
				return true
			}
			continue
		}
		if i.Host == pattern {
			return true
		}
	}
	return false
}
