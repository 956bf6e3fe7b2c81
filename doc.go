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

// Package netpool schedules HTTP and FTP requests onto pooled connections.
// It keeps one pool per origin (host, port, and whether the transport is
// secure) and decides, for every request, whether to reuse an idle
// connection, open a new one, share a busy one, or wait.
//
// To create an engine use the [New] function. The engine does not speak
// HTTP or FTP itself: a driver configured with [WithHTTPDriver] or
// [WithFTPDriver] is handed each connection and request, and reports
// progress back to the pool, which it can find with [Engine.HTTPPool] or
// [Engine.FTPPool].
//
// # Threading
//
// All pool state is owned by a single dispatch loop (package dispatch).
// Nothing is locked; instead, every mutation happens in a callback on that
// loop. Name resolution and dials run on other goroutines and report their
// results by posting messages back to the loop. [Engine.Run] drives the
// loop, and [Engine.Submit] and [Engine.Cancel] may be called from any
// goroutine. Everything else, including the driver callbacks, runs on the
// loop.
//
// # Limits
//
// Connections are limited per origin, per process, and by how many may be
// connecting at once (see [engine.Config]). When an origin is at its
// limit, requests queue in its pool. When the process is at its limit,
// the least recently used idle connection anywhere is closed to make room.
//
// # HTTP
//
// An HTTP pool reuses idle connections first. Requests with side effects,
// such as POST, never go to a connection that may have been closed by the
// server while idle; a fresh connection is opened for them instead. What
// is learned about an origin (HTTP/1.0, keep-alive, pipelining support,
// HTTP/2) is remembered for the life of the engine. Busy connections are
// shared through pipelining or HTTP/2 streams when the origin allows it.
//
// # FTP
//
// An FTP pool keeps sessions logged in as a given user and prefers to give
// a freed session a request in its current directory, to save a CWD. The
// optional commands a server supports are checked once and remembered.
package netpool
