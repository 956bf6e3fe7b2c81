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

package metrics

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/engine"
	"github.com/bufbuild/netpool/origin"
	"github.com/bufbuild/netpool/request"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_Connections(t *testing.T) {
	t.Parallel()
	obs := NewObserver()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, obs.Register(reg))
	require.NoError(t, obs.Register(reg), "registering twice is a no-op")

	id := origin.MustNew("example.com", 80, false)
	first := engine.ConnEvent{ID: 1, Protocol: conn.HTTP, Origin: id}
	second := engine.ConnEvent{ID: 2, Protocol: conn.HTTP, Origin: id}
	session := engine.ConnEvent{ID: 3, Protocol: conn.FTP, Origin: origin.MustNew("example.com", 21, false)}
	obs.ConnectionCreated(first)
	obs.ConnectionCreated(second)
	obs.ConnectionCreated(session)
	obs.ConnectionConnected(first)
	obs.ConnectionConnected(session)

	assert.InDelta(t, 2, testutil.ToFloat64(obs.connsOpen.WithLabelValues("http")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(obs.connecting.WithLabelValues("http")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(obs.connecting.WithLabelValues("ftp")), 0)

	second.Connecting = true
	obs.ConnectionClosed(second, errors.New("dial failed"))
	obs.ConnectionClosed(session, nil)

	want := `
# HELP netpool_connections_closed_total Count of connections removed from the pools, by whether an error caused it.
# TYPE netpool_connections_closed_total counter
netpool_connections_closed_total{error="false",protocol="ftp"} 1
netpool_connections_closed_total{error="true",protocol="http"} 1
# HELP netpool_connections_connecting Number of connections still being established.
# TYPE netpool_connections_connecting gauge
netpool_connections_connecting{protocol="ftp"} 0
netpool_connections_connecting{protocol="http"} 0
# HELP netpool_connections_open Number of live connections, including those still being established.
# TYPE netpool_connections_open gauge
netpool_connections_open{protocol="ftp"} 0
netpool_connections_open{protocol="http"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"netpool_connections_closed_total",
		"netpool_connections_connecting",
		"netpool_connections_open",
	)
	require.NoError(t, err)
}

func TestObserver_Requests(t *testing.T) {
	t.Parallel()
	obs := NewObserver()
	reg := prometheus.NewRegistry()
	require.NoError(t, obs.Register(reg))

	u, err := url.Parse("http://example.com/")
	require.NoError(t, err)
	ok, err := request.NewHTTP("", u)
	require.NoError(t, err)
	failed, err := request.NewHTTP("", u)
	require.NoError(t, err)

	obs.RequestSent(ok)
	obs.HeaderLoaded(ok)
	obs.ResponseFinished(ok, nil)
	obs.RequestSent(failed)
	obs.ResponseFinished(failed, request.Fail(failed, request.ErrConnectionLost, errors.New("reset")))

	assert.InDelta(t, 2, testutil.ToFloat64(obs.requestsSent.WithLabelValues("http")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(obs.headersLoaded.WithLabelValues("http")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(obs.responses.WithLabelValues("http", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(obs.responses.WithLabelValues("http", "connection_lost")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(obs.responses))
}

func TestObserver_RegisterConflict(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	require.NoError(t, NewObserver().Register(reg))
	require.Error(t, NewObserver().Register(reg))
}

func TestResult(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{request.ErrCancelled, "cancelled"},
		{request.ErrConnectFailed, "connect_failed"},
		{request.ErrConnectionLost, "connection_lost"},
		{request.ErrProtocolViolation, "protocol_violation"},
		{request.ErrPartialProgress, "partial_progress"},
		{request.ErrResourceExhausted, "resource_exhausted"},
		{fmt.Errorf("shutting down: %w", request.ErrClosed), "closed"},
		{errors.New("boom"), "error"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, Result(test.err), "error: %v", test.err)
	}
}
