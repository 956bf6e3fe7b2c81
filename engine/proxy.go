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
	"fmt"
	"net/url"
	"strings"

	"github.com/bufbuild/netpool/origin"
	"golang.org/x/net/http/httpproxy"
)

// ProxyTable answers which proxy, if any, reaches an origin for a given URL
// scheme. Hosts in the no-proxy list, and loopback hosts, are always
// reached directly.
type ProxyTable struct {
	web func(*url.URL) (*url.URL, error)
	ftp func(*url.URL) (*url.URL, error)
}

// NewProxyTable builds the table from the proxy settings in config.
func NewProxyTable(config *Config) *ProxyTable {
	noProxy := strings.Join(config.NoProxy, ",")
	table := &ProxyTable{
		web: (&httpproxy.Config{
			HTTPProxy:  config.HTTPProxy,
			HTTPSProxy: config.HTTPSProxy,
			NoProxy:    noProxy,
		}).ProxyFunc(),
	}
	if config.FTPProxy != "" {
		// httpproxy only knows http and https; route ftp lookups through its
		// http slot so the no-proxy rules still apply.
		table.ftp = (&httpproxy.Config{
			HTTPProxy: config.FTPProxy,
			NoProxy:   noProxy,
		}).ProxyFunc()
	}
	return table
}

// ProxyFor returns the proxy for id when reached with the given scheme
// ("http", "https", or "ftp"), or nil for a direct connection.
func (t *ProxyTable) ProxyFor(id origin.Identity, scheme string) (*url.URL, error) {
	target := &url.URL{Host: id.HostPort()}
	switch scheme {
	case "http", "https":
		target.Scheme = scheme
		return t.web(target)
	case "ftp", "ftps":
		if t.ftp == nil {
			return nil, nil
		}
		target.Scheme = "http"
		return t.ftp(target)
	default:
		return nil, fmt.Errorf("no proxy support for scheme %q", scheme)
	}
}

// ForOrigin is ProxyFor with the scheme implied by the origin's security
// flag. It is what the default dialer uses.
func (t *ProxyTable) ForOrigin(id origin.Identity) (*url.URL, error) {
	if id.Secure {
		return t.ProxyFor(id, "https")
	}
	return t.ProxyFor(id, "http")
}
