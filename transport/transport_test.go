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

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/bufbuild/netpool/origin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver []netip.Addr

func (r staticResolver) Resolve(context.Context, string) ([]netip.Addr, error) {
	return r, nil
}

func loopback() staticResolver {
	return staticResolver{netip.MustParseAddr("127.0.0.1")}
}

func listenTLS(t *testing.T) net.Listener {
	t.Helper()
	cert, err := tls.X509KeyPair([]byte(localhostCert), []byte(localhostKey))
	require.NoError(t, err)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ProtoH2, ProtoHTTP11},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = conn.(*tls.Conn).Handshake() //nolint:forcetypeassert
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	return listener
}

func rootCAs(t *testing.T) *tls.Config {
	t.Helper()
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM([]byte(localhostCert)))
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
}

func portOf(t *testing.T, addr net.Addr) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return uint16(port)
}

func TestDialer_Plain(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	accepted := make(chan struct{})
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			close(accepted)
			_ = conn.Close()
		}
	}()

	target := origin.MustNew("example.test", portOf(t, listener.Addr()), false)
	dialer := NewDialer(Options{Resolver: loopback()})
	conn, err := dialer.Dial(ctx, Target{Origin: target})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	assert.Equal(t, target, conn.Origin())
	assert.Empty(t, conn.Protocol())
	assert.NotNil(t, conn.NetConn())
	select {
	case <-accepted:
	case <-ctx.Done():
		t.Fatal("server never accepted")
	}
}

func TestDialer_TLSNegotiatesProtocol(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	listener := listenTLS(t)
	target := origin.MustNew("localhost", portOf(t, listener.Addr()), true)
	dialer := NewDialer(Options{
		Resolver:            loopback(),
		TLSClientConfig:     rootCAs(t),
		TLSHandshakeTimeout: 5 * time.Second,
	})

	testCases := []struct {
		name       string
		nextProtos []string
		want       string
	}{
		{name: "h2", nextProtos: []string{ProtoH2, ProtoHTTP11}, want: ProtoH2},
		{name: "http1", nextProtos: []string{ProtoHTTP11}, want: ProtoHTTP11},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			conn, err := dialer.Dial(ctx, Target{Origin: target, NextProtos: testCase.nextProtos})
			require.NoError(t, err)
			t.Cleanup(func() { _ = conn.Close() })
			assert.Equal(t, testCase.want, conn.Protocol())
		})
	}
}

func TestDialer_TLSVerifiesServer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	listener := listenTLS(t)
	target := origin.MustNew("localhost", portOf(t, listener.Addr()), true)
	dialer := NewDialer(Options{Resolver: loopback()})
	_, err := dialer.Dial(ctx, Target{Origin: target})
	require.Error(t, err)
}

func TestDialer_ProxyTunnel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	backend := listenTLS(t)

	proxy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = proxy.Close() })
	connects := make(chan string, 1)
	go func() {
		client, err := proxy.Accept()
		if err != nil {
			return
		}
		defer client.Close()
		req, err := http.ReadRequest(bufio.NewReader(client))
		if err != nil {
			return
		}
		connects <- req.Method + " " + req.Host
		upstream, err := net.Dial("tcp", backend.Addr().String())
		if err != nil {
			return
		}
		defer upstream.Close()
		_, _ = io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n")
		go func() { _, _ = io.Copy(upstream, client) }()
		_, _ = io.Copy(client, upstream)
	}()

	target := origin.MustNew("localhost", portOf(t, backend.Addr()), true)
	proxyURL := &url.URL{Scheme: "http", Host: proxy.Addr().String()}
	dialer := NewDialer(Options{
		Resolver:        loopback(),
		TLSClientConfig: rootCAs(t),
		ProxyFunc: func(origin.Identity) (*url.URL, error) {
			return proxyURL, nil
		},
	})
	conn, err := dialer.Dial(ctx, Target{Origin: target, NextProtos: []string{ProtoHTTP11}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	assert.Equal(t, ProtoHTTP11, conn.Protocol())
	assert.Equal(t, "CONNECT "+target.HostPort(), <-connects)
}

func TestDialer_ProxyRefusesTunnel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	proxy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = proxy.Close() })
	go func() {
		client, err := proxy.Accept()
		if err != nil {
			return
		}
		defer client.Close()
		if _, err := http.ReadRequest(bufio.NewReader(client)); err != nil {
			return
		}
		_, _ = io.WriteString(client, "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
	}()

	dialer := NewDialer(Options{
		Resolver: loopback(),
		ProxyFunc: func(origin.Identity) (*url.URL, error) {
			return &url.URL{Scheme: "http", Host: proxy.Addr().String()}, nil
		},
	})
	_, err = dialer.Dial(ctx, Target{Origin: origin.MustNew("localhost", 443, true)})
	require.ErrorContains(t, err, "403")
}

func TestDialer_ProxyTunnelKeepsBufferedBytes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	proxy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = proxy.Close() })
	go func() {
		client, err := proxy.Accept()
		if err != nil {
			return
		}
		defer client.Close()
		if _, err := http.ReadRequest(bufio.NewReader(client)); err != nil {
			return
		}
		_, _ = io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\nearly")
		_, _ = io.Copy(io.Discard, client)
	}()

	dialer, ok := NewDialer(Options{Resolver: loopback()}).(*netDialer)
	require.True(t, ok)
	proxyURL := &url.URL{Scheme: "http", Host: proxy.Addr().String()}
	conn, err := dialer.dialProxy(ctx, proxyURL, origin.MustNew("localhost", 443, true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	got := make([]byte, len("early"))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "early", string(got))
}

func TestDialer_DirectSkipsProxy(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	var consulted bool
	dialer := NewDialer(Options{
		Resolver: loopback(),
		ProxyFunc: func(origin.Identity) (*url.URL, error) {
			consulted = true
			return &url.URL{Scheme: "http", Host: "127.0.0.1:1"}, nil
		},
	})
	target := origin.MustNew("ftp.example.test", portOf(t, listener.Addr()), false)
	conn, err := dialer.Dial(ctx, Target{Origin: target, Direct: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	assert.False(t, consulted)
}
