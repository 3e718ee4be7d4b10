// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/errors"
)

// LoggingInterceptor logs every invocation's start, outcome, and
// duration. It runs first so its timestamps bracket the whole chain.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates the logging interceptor.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

func (l *LoggingInterceptor) Name() string      { return "logging" }
func (l *LoggingInterceptor) Order() int        { return math.MinInt32 }
func (l *LoggingInterceptor) StopOnError() bool { return false }

func (l *LoggingInterceptor) Before(ctx context.Context, inv *Invocation) error {
	l.logger.Debug("tool invocation started",
		log.ExecutionIDKey, inv.ID.String(),
		log.ToolKey, inv.Tool.Name(),
	)
	return nil
}

func (l *LoggingInterceptor) After(ctx context.Context, inv *Invocation, result map[string]any) error {
	l.logger.Debug("tool invocation succeeded",
		log.ExecutionIDKey, inv.ID.String(),
		log.ToolKey, inv.Tool.Name(),
		log.DurationKey, time.Since(inv.StartedAt).Milliseconds(),
		"cached", inv.Skip,
	)
	return nil
}

func (l *LoggingInterceptor) OnError(ctx context.Context, inv *Invocation, err error) {
	l.logger.Warn("tool invocation failed",
		log.ExecutionIDKey, inv.ID.String(),
		log.ToolKey, inv.Tool.Name(),
		log.DurationKey, time.Since(inv.StartedAt).Milliseconds(),
		"error_code", errors.Code(err),
		"error", err,
	)
}
