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

// Package metrics exports connection and request activity of the engine as
// Prometheus metrics.
package metrics

import (
	"errors"
	"sync"

	"github.com/bufbuild/netpool/engine"
	"github.com/bufbuild/netpool/request"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "netpool"

// Observer is an engine.Observer that records metrics. The zero value is
// not usable; construct one with NewObserver.
type Observer struct {
	connsCreated  *prometheus.CounterVec
	connsClosed   *prometheus.CounterVec
	connsOpen     *prometheus.GaugeVec
	connecting    *prometheus.GaugeVec
	requestsSent  *prometheus.CounterVec
	headersLoaded *prometheus.CounterVec
	responses     *prometheus.CounterVec

	register sync.Once
	err      error
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver returns an observer whose collectors are not registered yet.
func NewObserver() *Observer {
	return &Observer{
		connsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_created_total",
				Help:      "Count of connections the pools started to establish.",
			},
			[]string{"protocol"},
		),
		connsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Count of connections removed from the pools, by whether an error caused it.",
			},
			[]string{"protocol", "error"},
		),
		connsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_open",
				Help:      "Number of live connections, including those still being established.",
			},
			[]string{"protocol"},
		),
		connecting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_connecting",
				Help:      "Number of connections still being established.",
			},
			[]string{"protocol"},
		),
		requestsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_sent_total",
				Help:      "Count of requests written to a connection.",
			},
			[]string{"protocol"},
		),
		headersLoaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_headers_total",
				Help:      "Count of response headers received.",
			},
			[]string{"protocol"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_finished_total",
				Help:      "Count of requests finished, by outcome.",
			},
			[]string{"protocol", "result"},
		),
	}
}

// Register adds the observer's collectors to reg. Only the first call has
// any effect; later calls return its result.
func (o *Observer) Register(reg prometheus.Registerer) error {
	o.register.Do(func() {
		for _, c := range o.collectors() {
			if err := reg.Register(c); err != nil {
				o.err = err
				return
			}
		}
	})
	return o.err
}

func (o *Observer) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		o.connsCreated,
		o.connsClosed,
		o.connsOpen,
		o.connecting,
		o.requestsSent,
		o.headersLoaded,
		o.responses,
	}
}

func (o *Observer) ConnectionCreated(ev engine.ConnEvent) {
	protocol := ev.Protocol.String()
	o.connsCreated.WithLabelValues(protocol).Inc()
	o.connsOpen.WithLabelValues(protocol).Inc()
	o.connecting.WithLabelValues(protocol).Inc()
}

func (o *Observer) ConnectionConnected(ev engine.ConnEvent) {
	o.connecting.WithLabelValues(ev.Protocol.String()).Dec()
}

func (o *Observer) ConnectionClosed(ev engine.ConnEvent, err error) {
	protocol := ev.Protocol.String()
	o.connsClosed.WithLabelValues(protocol, boolLabel(err != nil)).Inc()
	o.connsOpen.WithLabelValues(protocol).Dec()
	if ev.Connecting {
		o.connecting.WithLabelValues(protocol).Dec()
	}
}

func (o *Observer) RequestSent(req *request.Request) {
	o.requestsSent.WithLabelValues(req.Protocol.String()).Inc()
}

func (o *Observer) HeaderLoaded(req *request.Request) {
	o.headersLoaded.WithLabelValues(req.Protocol.String()).Inc()
}

func (o *Observer) ResponseFinished(req *request.Request, err error) {
	o.responses.WithLabelValues(req.Protocol.String(), Result(err)).Inc()
}

// Result returns the outcome label for a request error.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, request.ErrCancelled):
		return "cancelled"
	case errors.Is(err, request.ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, request.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, request.ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, request.ErrPartialProgress):
		return "partial_progress"
	case errors.Is(err, request.ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, request.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
