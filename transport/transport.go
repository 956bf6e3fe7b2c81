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

// Package transport is the boundary between the connection pools and raw
// sockets. A Dialer turns an origin into a connected (and, for secure
// origins, TLS-wrapped) transport.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/bufbuild/netpool/origin"
	"golang.org/x/net/http2"
)

// Protocol names negotiated through ALPN.
const (
	ProtoHTTP11 = "http/1.1"
	ProtoH2     = http2.NextProtoTLS
)

// Conn is an established transport to one origin.
type Conn interface {
	// Origin is the server the transport is connected to.
	Origin() origin.Identity
	// Protocol is the application protocol negotiated with ALPN, or empty
	// if none was negotiated.
	Protocol() string
	// NetConn returns the underlying network connection. It may be nil for
	// transports that are not backed by a socket (such as fakes in tests).
	NetConn() net.Conn
	// Close releases the transport.
	Close() error
}

// Target describes what to dial.
type Target struct {
	Origin origin.Identity
	// NextProtos is offered through ALPN when the origin is secure.
	NextProtos []string
	// Direct bypasses any configured proxy.
	Direct bool
}

// Dialer establishes transports. Implementations must be safe for
// concurrent use: pools dial from goroutines started on the dispatch loop.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target Target) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (Conn, error) {
	return f(ctx, target)
}

// AddressResolver resolves host names for the dialer.
type AddressResolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// Options configures the default dialer.
type Options struct {
	// DialFunc establishes network connections. Defaults to a net.Dialer
	// with a 30 second timeout and keep-alive enabled.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
	// Resolver, if set, resolves host names before dialing so that lookups
	// started by a prefetch are reused. Otherwise DialFunc resolves.
	Resolver AddressResolver
	// ProxyFunc, if set, names the proxy to reach an origin through. A nil
	// URL means a direct connection.
	ProxyFunc func(origin.Identity) (*url.URL, error)
	// TLSClientConfig is cloned for every secure connection.
	TLSClientConfig *tls.Config
	// TLSHandshakeTimeout bounds the handshake. Zero means no bound beyond
	// the dial context.
	TLSHandshakeTimeout time.Duration
}

// NewDialer returns a dialer that connects over TCP and wraps secure
// origins in TLS.
func NewDialer(opts Options) Dialer {
	if opts.DialFunc == nil {
		opts.DialFunc = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	return &netDialer{opts: opts}
}

type netDialer struct {
	opts Options
}

func (d *netDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	var proxyURL *url.URL
	if d.opts.ProxyFunc != nil && !target.Direct {
		var err error
		proxyURL, err = d.opts.ProxyFunc(target.Origin)
		if err != nil {
			return nil, fmt.Errorf("proxy for %v: %w", target.Origin, err)
		}
	}
	var (
		raw net.Conn
		err error
	)
	if proxyURL != nil {
		raw, err = d.dialProxy(ctx, proxyURL, target.Origin)
	} else {
		raw, err = d.dialHost(ctx, target.Origin.Host, target.Origin.Port)
	}
	if err != nil {
		return nil, err
	}
	if !target.Origin.Secure {
		return &netConn{origin: target.Origin, conn: raw}, nil
	}
	config := &tls.Config{} //nolint:gosec
	if d.opts.TLSClientConfig != nil {
		config = d.opts.TLSClientConfig.Clone()
	}
	if config.ServerName == "" {
		config.ServerName = target.Origin.Host
	}
	if len(target.NextProtos) > 0 {
		config.NextProtos = target.NextProtos
	}
	if d.opts.TLSHandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.TLSHandshakeTimeout)
		defer cancel()
	}
	tlsConn := tls.Client(raw, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake with %v: %w", target.Origin, err)
	}
	return &netConn{
		origin:   target.Origin,
		conn:     tlsConn,
		protocol: tlsConn.ConnectionState().NegotiatedProtocol,
	}, nil
}

func (d *netDialer) dialHost(ctx context.Context, host string, port uint16) (net.Conn, error) {
	portStr := strconv.Itoa(int(port))
	if d.opts.Resolver == nil {
		return d.opts.DialFunc(ctx, "tcp", net.JoinHostPort(host, portStr))
	}
	addrs, err := d.opts.Resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	var errs []error
	for _, addr := range addrs {
		conn, err := d.opts.DialFunc(ctx, "tcp", net.JoinHostPort(addr.Unmap().String(), portStr))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// dialProxy connects to the proxy and, for secure origins, opens a tunnel
// to the origin with CONNECT. Plain origins talk to the proxy directly.
func (d *netDialer) dialProxy(ctx context.Context, proxyURL *url.URL, target origin.Identity) (net.Conn, error) {
	proxyID, err := origin.FromURL(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	conn, err := d.dialHost(ctx, proxyID.Host, proxyID.Port)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %v: %w", proxyID, err)
	}
	if !target.Secure {
		return conn, nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target.HostPort()},
		Host:   target.HostPort(),
		Header: http.Header{},
	}
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		connectReq.SetBasicAuth(proxyURL.User.Username(), password)
		connectReq.Header.Set("Proxy-Authorization", connectReq.Header.Get("Authorization"))
		connectReq.Header.Del("Authorization")
	}
	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy connect: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy connect: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy connect: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		// The proxy sent tunnel bytes along with its response.
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn drains bytes read ahead of the CONNECT response before
// reading from the connection itself.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

type netConn struct {
	origin   origin.Identity
	conn     net.Conn
	protocol string
}

func (c *netConn) Origin() origin.Identity { return c.origin }
func (c *netConn) Protocol() string        { return c.protocol }
func (c *netConn) NetConn() net.Conn       { return c.conn }
func (c *netConn) Close() error            { return c.conn.Close() }
