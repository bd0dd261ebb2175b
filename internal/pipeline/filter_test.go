package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

func TestFilterAdmitsMatchingEnvelope(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	f := NewFilterStage("symbol-filter", clk, func(env *record.Envelope) bool {
		return env.Record.Symbol == "BTCUSDT"
	})
	if err := f.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}
	env := &record.Envelope{Record: record.MarketRecord{Symbol: "BTCUSDT"}}
	out, err := f.Process(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if out == nil {
		t.Fatal("expected matching envelope to pass through")
	}
}

func TestFilterDropsNonMatchingEnvelope(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	f := NewFilterStage("symbol-filter", clk, func(env *record.Envelope) bool {
		return env.Record.Symbol == "BTCUSDT"
	})
	if err := f.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}
	env := &record.Envelope{Record: record.MarketRecord{Symbol: "ETHUSDT"}}
	out, err := f.Process(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatal("expected non-matching envelope to be dropped (nil, nil)")
	}
}
