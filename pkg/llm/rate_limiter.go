// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimiterConfig configures the shared LLM rate limiter.
type RateLimiterConfig struct {
	// Enabled turns rate limiting on. Disabled limiters pass calls through.
	Enabled bool

	// RequestsPerSecond is the sustained request rate across the process.
	RequestsPerSecond float64

	// BurstCapacity is the maximum burst of requests allowed.
	BurstCapacity int

	// MinDelay is a floor on spacing between requests.
	MinDelay time.Duration

	// MaxRetries bounds retries of throttled (429) calls.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per retry.
	RetryBackoff time.Duration

	// Logger for throttle events.
	Logger *zap.Logger
}

// DefaultRateLimiterConfig returns conservative defaults suitable for
// entry-tier provider accounts. Higher tiers raise RequestsPerSecond in
// the runtime config.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 1.0,
		BurstCapacity:     4,
		MinDelay:          200 * time.Millisecond,
		MaxRetries:        5,
		RetryBackoff:      time.Second,
		Logger:            zap.NewNop(),
	}
}

// RateLimiter is a token-bucket limiter with retry-on-throttle, shared by
// all provider clients in the process.
type RateLimiter struct {
	config RateLimiterConfig

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastCall   time.Time

	metricsMu sync.RWMutex
	metrics   RateLimiterMetrics
}

// RateLimiterMetrics counts limiter activity since process start.
type RateLimiterMetrics struct {
	TotalRequests     int64
	ThrottledRequests int64
	WaitedRequests    int64
}

// NewRateLimiter creates a rate limiter from config.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &RateLimiter{
		config:     config,
		tokens:     float64(config.BurstCapacity),
		lastRefill: time.Now(),
	}
}

// Do executes call under the rate limit, retrying throttled attempts with
// doubling backoff up to MaxRetries.
func (rl *RateLimiter) Do(ctx context.Context, call func(context.Context) error) error {
	if rl == nil || !rl.config.Enabled {
		return call(ctx)
	}

	if err := rl.wait(ctx); err != nil {
		return err
	}

	backoff := rl.config.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= rl.config.MaxRetries; attempt++ {
		err := call(ctx)
		rl.count(func(m *RateLimiterMetrics) { m.TotalRequests++ })
		if err == nil || !isThrottlingError(err) {
			return err
		}
		lastErr = err
		rl.count(func(m *RateLimiterMetrics) { m.ThrottledRequests++ })
		rl.config.Logger.Warn("LLM request throttled, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", rl.config.MaxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("request failed after %d throttled retries: %w", rl.config.MaxRetries, lastErr)
}

// wait blocks until a bucket token and the MinDelay spacing are available.
func (rl *RateLimiter) wait(ctx context.Context) error {
	waited := false
	for {
		if sleep, ok := rl.tryAcquire(); ok {
			if sleep > 0 {
				select {
				case <-time.After(sleep):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if waited {
				rl.count(func(m *RateLimiterMetrics) { m.WaitedRequests++ })
			}
			return nil
		}
		waited = true
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryAcquire refills the bucket and takes one token. On success it returns
// the MinDelay remainder the caller must still sleep.
func (rl *RateLimiter) tryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.config.RequestsPerSecond
	if max := float64(rl.config.BurstCapacity); rl.tokens > max {
		rl.tokens = max
	}
	rl.lastRefill = now

	if rl.tokens < 1.0 {
		return 0, false
	}
	rl.tokens -= 1.0

	var sleep time.Duration
	if rl.config.MinDelay > 0 {
		since := now.Sub(rl.lastCall)
		if since < rl.config.MinDelay {
			sleep = rl.config.MinDelay - since
		}
	}
	rl.lastCall = now.Add(sleep)
	return sleep, true
}

func (rl *RateLimiter) count(update func(*RateLimiterMetrics)) {
	rl.metricsMu.Lock()
	update(&rl.metrics)
	rl.metricsMu.Unlock()
}

// Metrics returns a snapshot of limiter counters.
func (rl *RateLimiter) Metrics() RateLimiterMetrics {
	rl.metricsMu.RLock()
	defer rl.metricsMu.RUnlock()
	return rl.metrics
}

// isThrottlingError checks for provider throttling signatures (HTTP 429).
func isThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"429", "ThrottlingException", "TooManyRequests", "rate limit", "throttle"} {
		if contains(msg, marker) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
