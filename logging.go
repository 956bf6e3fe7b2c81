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

package netpool

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewZapLogger returns a logger backed by zap's production configuration
// that emits messages up to the given verbosity: 0 for pool lifecycle, 1
// to add connection lifecycle, 2 to add per-request scheduling.
func NewZapLogger(verbosity int) (logr.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	config.Sampling = nil
	zl, err := config.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("netpool: building zap logger: %w", err)
	}
	return FromZap(zl), nil
}

// FromZap adapts an existing zap logger. Verbosity V(n) maps to zap level
// -n, so the logger's level decides how verbose the engine is.
func FromZap(zl *zap.Logger) logr.Logger {
	return zapr.NewLogger(zl).WithName("netpool")
}
