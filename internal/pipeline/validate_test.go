package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

func newValidateTestEnvelope(eventTime time.Time) *record.Envelope {
	return &record.Envelope{
		EnvelopeID: "e1",
		Record: record.MarketRecord{
			Exchange:  "binance",
			Symbol:    "BTCUSDT",
			DataType:  record.DataTypeTrade,
			EventTime: eventTime,
		},
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	v := NewValidateStage(clk)
	if err := v.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}
	env := &record.Envelope{Record: record.MarketRecord{Exchange: "binance", EventTime: clk.Now()}}
	if _, err := v.Process(context.Background(), env); err == nil {
		t.Fatal("expected error for missing symbol/dataType")
	}
}

func TestValidateAcceptsAtExactSkewBound(t *testing.T) {
	now := time.Unix(10000, 0)
	clk := clock.NewFake(now)
	v := NewValidateStage(clk)
	if err := v.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}
	env := newValidateTestEnvelope(now.Add(MaxFutureSkew))
	if _, err := v.Process(context.Background(), env); err != nil {
		t.Fatalf("expected acceptance at exact future skew bound, got %v", err)
	}
	env2 := newValidateTestEnvelope(now.Add(-MaxPastSkew))
	if _, err := v.Process(context.Background(), env2); err != nil {
		t.Fatalf("expected acceptance at exact past skew bound, got %v", err)
	}
}

func TestValidateRejectsOneMillisecondPastBound(t *testing.T) {
	now := time.Unix(10000, 0)
	clk := clock.NewFake(now)
	v := NewValidateStage(clk)
	if err := v.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}
	env := newValidateTestEnvelope(now.Add(MaxFutureSkew + time.Millisecond))
	if _, err := v.Process(context.Background(), env); err == nil {
		t.Fatal("expected rejection one millisecond past future skew bound")
	}
	env2 := newValidateTestEnvelope(now.Add(-MaxPastSkew - time.Millisecond))
	if _, err := v.Process(context.Background(), env2); err == nil {
		t.Fatal("expected rejection one millisecond past past skew bound")
	}
}
