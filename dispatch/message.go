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

package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerDestroyed is returned when registering callbacks or
	// observers on a handler that has been (or is being) destroyed.
	ErrHandlerDestroyed = errors.New("dispatch: handler destroyed")
	// ErrNilCallback is returned when registering a nil callback.
	ErrNilCallback = errors.New("dispatch: nil callback")
	// ErrObserverNotComparable is returned when adding a nil observer or
	// one whose dynamic value cannot be compared, such as a func.
	ErrObserverNotComparable = errors.New("dispatch: observer is not comparable")
)

// Kind identifies the type of a message. Each package that uses the loop
// allocates its own kinds; values only need to be unique per loop.
type Kind uint32

// Message is what gets posted to and delivered by a Loop. Param1 doubles
// as the id that registrations are matched against.
type Message struct {
	Kind   Kind
	Param1 int64
	Param2 int64
}

func (m Message) String() string {
	return fmt.Sprintf("msg(kind=%d, %d, %d)", m.Kind, m.Param1, m.Param2)
}

// Callback receives delivered messages.
type Callback interface {
	HandleMessage(msg Message)
}

// CallbackFunc adapts a function to the Callback interface.
type CallbackFunc func(msg Message)

// HandleMessage implements Callback.
func (f CallbackFunc) HandleMessage(msg Message) {
	f(msg)
}

// Observer is notified when a handler begins destruction. It is invoked
// once, before the handler's registrations are removed. An observer watches
// at most one handler at a time. Observers are map keys, so their dynamic
// values must be comparable: pointers work, funcs and slices do not.
type Observer interface {
	HandlerDestroyed(h *Handler)
}

type regKey struct {
	kind Kind
	id   int64
}

type registration struct {
	key regKey
	cb  Callback
}
