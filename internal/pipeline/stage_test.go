package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/errs"
	"github.com/coachpo/meltica-ingest/internal/record"
)

func newStageTestEnvelope() *record.Envelope {
	return &record.Envelope{Record: record.MarketRecord{Exchange: "binance", Symbol: "BTCUSDT"}}
}

// TestCircuitBreakerBoundaries exercises §8's circuit-breaker boundary: it
// opens at FailureThreshold consecutive failures, rejects calls immediately
// while open, re-probes (half-open) after ResetTimeout, and requires three
// consecutive successes to close again.
func TestCircuitBreakerBoundaries(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	failing := true
	base := NewBase("breaker-stage", clk, func(_ context.Context, env *record.Envelope) (*record.Envelope, error) {
		if failing {
			return nil, errors.New("doProcess failed")
		}
		return env, nil
	})
	if err := base.Init(StageConfig{
		Enabled: true,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			ResetTimeout:     20 * time.Millisecond,
		},
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := base.Process(ctx, newStageTestEnvelope()); err == nil {
			t.Fatalf("call %d: expected underlying failure, got nil error", i)
		} else if errs.Is(err, errs.CodeCircuitOpen) {
			t.Fatalf("call %d: breaker tripped too early", i)
		}
	}
	if got := base.breaker.State(); got != gobreaker.StateOpen {
		t.Fatalf("expected breaker open after %d consecutive failures, got %v", 2, got)
	}

	if _, err := base.Process(ctx, newStageTestEnvelope()); !errs.Is(err, errs.CodeCircuitOpen) {
		t.Fatalf("expected circuit_open while breaker is open, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	failing = false
	for i := 0; i < 3; i++ {
		if _, err := base.Process(ctx, newStageTestEnvelope()); err != nil {
			t.Fatalf("half-open success %d: unexpected error %v", i, err)
		}
	}
	if got := base.breaker.State(); got != gobreaker.StateClosed {
		t.Fatalf("expected breaker closed after 3 consecutive half-open successes, got %v", got)
	}
}

// TestRateLimitExceededRejectsOverBurst exercises the token-bucket limiter's
// RateLimitExceeded path once its burst is exhausted.
func TestRateLimitExceededRejectsOverBurst(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	base := NewBase("rate-limited-stage", clk, func(_ context.Context, env *record.Envelope) (*record.Envelope, error) {
		return env, nil
	})
	if err := base.Init(StageConfig{
		Enabled: true,
		RateLimit: RateLimitConfig{
			Enabled:     true,
			MaxRequests: 1,
			TimeWindow:  time.Minute,
			Burst:       1,
		},
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := base.Process(ctx, newStageTestEnvelope()); err != nil {
		t.Fatalf("expected first call within burst to succeed, got %v", err)
	}
	_, err := base.Process(ctx, newStageTestEnvelope())
	if err == nil {
		t.Fatal("expected second call to exceed the exhausted burst")
	}
	if !errs.Is(err, errs.CodeRateLimitExceeded) {
		t.Fatalf("expected rate_limit_exceeded, got %v", err)
	}
}
