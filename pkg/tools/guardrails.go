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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tombee/maestro/pkg/errors"
)

// Validator inspects a tool input before execution. A non-nil return
// denies the invocation; validators return *errors.GuardrailError so
// callers can classify the denial.
type Validator func(tool string, input map[string]any) error

// DenySubstring denies inputs whose JSON rendering contains the literal
// substring.
func DenySubstring(substring string) Validator {
	return func(tool string, input map[string]any) error {
		raw, err := json.Marshal(input)
		if err != nil {
			return nil
		}
		if strings.Contains(string(raw), substring) {
			return &errors.GuardrailError{
				Tool:    tool,
				Rule:    "deny-substring",
				Message: fmt.Sprintf("input contains denied content %q", substring),
			}
		}
		return nil
	}
}

// DenyPattern denies inputs whose JSON rendering matches the compiled
// pattern. Useful for PII shapes like card or SSN formats.
func DenyPattern(rule string, re *regexp.Regexp) Validator {
	return func(tool string, input map[string]any) error {
		raw, err := json.Marshal(input)
		if err != nil {
			return nil
		}
		if re.Match(raw) {
			return &errors.GuardrailError{
				Tool:    tool,
				Rule:    rule,
				Message: "input matches denied pattern",
			}
		}
		return nil
	}
}

// GuardrailInterceptor runs validators and a per-tool rate limit ahead
// of every invocation. Denials abort the chain.
type GuardrailInterceptor struct {
	validators []Validator

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// GuardrailOption configures the guardrail interceptor.
type GuardrailOption func(*GuardrailInterceptor)

// WithValidators appends validators to the denial chain.
func WithValidators(vs ...Validator) GuardrailOption {
	return func(g *GuardrailInterceptor) {
		g.validators = append(g.validators, vs...)
	}
}

// WithRateLimit enables a per-tool token bucket. Zero limit disables
// rate limiting.
func WithRateLimit(limit rate.Limit, burst int) GuardrailOption {
	return func(g *GuardrailInterceptor) {
		g.limit = limit
		g.burst = burst
	}
}

// NewGuardrailInterceptor creates the guardrail interceptor.
func NewGuardrailInterceptor(opts ...GuardrailOption) *GuardrailInterceptor {
	g := &GuardrailInterceptor{
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GuardrailInterceptor) Name() string      { return "guardrails" }
func (g *GuardrailInterceptor) Order() int        { return 20 }
func (g *GuardrailInterceptor) StopOnError() bool { return true }

func (g *GuardrailInterceptor) Before(ctx context.Context, inv *Invocation) error {
	tool := inv.Tool.Name()

	if g.limit > 0 {
		if !g.limiter(tool).Allow() {
			return &errors.GuardrailError{
				Tool:    tool,
				Rule:    "rate-limit",
				Message: "tool invocation rate limit exceeded",
			}
		}
	}
	for _, validate := range g.validators {
		if err := validate(tool, inv.Input); err != nil {
			return err
		}
	}
	return nil
}

func (g *GuardrailInterceptor) After(ctx context.Context, inv *Invocation, result map[string]any) error {
	return nil
}

func (g *GuardrailInterceptor) OnError(ctx context.Context, inv *Invocation, err error) {}

func (g *GuardrailInterceptor) limiter(tool string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[tool]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[tool] = l
	}
	return l
}
