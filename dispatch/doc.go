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

// Package dispatch provides the cooperative message loop that every pool in
// this module is built on.
//
// A [Loop] owns a FIFO queue of [Message] values. Components create a
// [Handler] on the loop and register callbacks for (kind, id) pairs on it.
// A message is delivered to every live handler that has a registration for
// its kind and either its id (Param1) or the wildcard id 0.
//
// Delivery only ever happens on the goroutine that drives the loop, via
// [Loop.Run], [Loop.Turn], or [Loop.Settle]. Posting never delivers
// synchronously: a message posted with no delay is delivered on the next
// turn, even when it is posted from inside a callback. So callbacks run to
// completion one at a time and the state they touch needs no locking, as
// long as it is only touched from callbacks.
//
// Work that genuinely blocks (DNS lookups, dials) is started with [Loop.Go].
// Such work must not touch loop-owned state. It hands results back by
// sending them on a channel and posting a message; the callback for that
// message then reads the channel on the loop goroutine.
//
// Delayed messages are scheduled on the loop's clock. A delayed message
// never fires before its delay has elapsed, but it may fire later when the
// loop is busy. Delayed messages can be cancelled up until they are
// delivered.
package dispatch
