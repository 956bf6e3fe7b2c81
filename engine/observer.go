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
	"github.com/bufbuild/netpool/conn"
	"github.com/bufbuild/netpool/origin"
	"github.com/bufbuild/netpool/request"
	"github.com/go-logr/logr"
)

// ConnEvent describes a connection in an Observer notification.
type ConnEvent struct {
	ID       int64
	Protocol conn.Protocol
	Origin   origin.Identity
	// Negotiated is the application protocol agreed through ALPN, if any.
	Negotiated string
	// Connecting is set when a connection closes before it finished
	// connecting.
	Connecting bool
}

// Observer receives one-way notifications about connections and requests.
// Methods are called on the dispatch loop and must not block.
type Observer interface {
	ConnectionCreated(ConnEvent)
	ConnectionConnected(ConnEvent)
	// ConnectionClosed is given the error that caused the close, or nil
	// for an orderly close.
	ConnectionClosed(ConnEvent, error)
	RequestSent(*request.Request)
	HeaderLoaded(*request.Request)
	ResponseFinished(*request.Request, error)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) ConnectionCreated(ConnEvent)              {}
func (NopObserver) ConnectionConnected(ConnEvent)            {}
func (NopObserver) ConnectionClosed(ConnEvent, error)        {}
func (NopObserver) RequestSent(*request.Request)             {}
func (NopObserver) HeaderLoaded(*request.Request)            {}
func (NopObserver) ResponseFinished(*request.Request, error) {}

// LogObserver logs every notification at V(1) for connections and V(2)
// for requests.
type LogObserver struct {
	Logger logr.Logger
}

var _ Observer = LogObserver{}

func (o LogObserver) ConnectionCreated(ev ConnEvent) {
	o.Logger.V(1).Info("connection created", connKeys(ev)...)
}

func (o LogObserver) ConnectionConnected(ev ConnEvent) {
	o.Logger.V(1).Info("connection connected", append(connKeys(ev), "negotiated", ev.Negotiated)...)
}

func (o LogObserver) ConnectionClosed(ev ConnEvent, err error) {
	if err != nil {
		o.Logger.V(1).Info("connection closed", append(connKeys(ev), "error", err.Error())...)
		return
	}
	o.Logger.V(1).Info("connection closed", connKeys(ev)...)
}

func (o LogObserver) RequestSent(req *request.Request) {
	o.Logger.V(2).Info("request sent", requestKeys(req)...)
}

func (o LogObserver) HeaderLoaded(req *request.Request) {
	o.Logger.V(2).Info("header loaded", requestKeys(req)...)
}

func (o LogObserver) ResponseFinished(req *request.Request, err error) {
	if err != nil {
		o.Logger.V(2).Info("response failed", append(requestKeys(req), "error", err.Error())...)
		return
	}
	o.Logger.V(2).Info("response finished", requestKeys(req)...)
}

func connKeys(ev ConnEvent) []any {
	return []any{"conn", ev.ID, "protocol", ev.Protocol.String(), "origin", ev.Origin.String()}
}

func requestKeys(req *request.Request) []any {
	return []any{"request", req.ID, "trace", req.TraceID.String(), "origin", req.Origin.String()}
}

// MultiObserver fans notifications out to several observers in order.
type MultiObserver []Observer

var _ Observer = MultiObserver(nil)

func (m MultiObserver) ConnectionCreated(ev ConnEvent) {
	for _, o := range m {
		o.ConnectionCreated(ev)
	}
}

func (m MultiObserver) ConnectionConnected(ev ConnEvent) {
	for _, o := range m {
		o.ConnectionConnected(ev)
	}
}

func (m MultiObserver) ConnectionClosed(ev ConnEvent, err error) {
	for _, o := range m {
		o.ConnectionClosed(ev, err)
	}
}

func (m MultiObserver) RequestSent(req *request.Request) {
	for _, o := range m {
		o.RequestSent(req)
	}
}

func (m MultiObserver) HeaderLoaded(req *request.Request) {
	for _, o := range m {
		o.HeaderLoaded(req)
	}
}

func (m MultiObserver) ResponseFinished(req *request.Request, err error) {
	for _, o := range m {
		o.ResponseFinished(req, err)
	}
}
