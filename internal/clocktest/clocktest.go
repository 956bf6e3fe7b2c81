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

// Package clocktest adapts clockwork's fake clock to internal.Clock. Go
// interface compatibility is nominal for methods that return other
// interfaces, so AfterFunc has to re-box clockwork.Timer values as
// internal.Timer.
package clocktest

import (
	"time"

	"github.com/bufbuild/netpool/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock is a clock that only moves when Advance is called. Timers
// created with AfterFunc run their function synchronously from Advance, so
// a delayed dispatch message becomes queued before Advance returns.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
}

// NewFakeClock creates a new FakeClock using Clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

func (f fakeClock) AfterFunc(d time.Duration, fn func()) internal.Timer {
	return f.FakeClock.AfterFunc(d, fn)
}
