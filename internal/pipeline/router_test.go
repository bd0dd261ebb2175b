package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

func newTestEnvelope(exchange, symbol string, dt record.DataType) *record.Envelope {
	return &record.Envelope{
		EnvelopeID: "e1",
		Record: record.MarketRecord{
			Exchange: exchange,
			Symbol:   symbol,
			DataType: dt,
		},
	}
}

func newEnabledRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(clock.NewFake(time.Unix(0, 0)), nil)
	if err := r.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRouterEmptyRulesNoDefaultEmitsNoDestination(t *testing.T) {
	r := newEnabledRouter(t)
	r.Compile(RouterConfig{RoutingStrategy: StrategyFirstMatch})

	out, err := r.Process(context.Background(), newTestEnvelope("binance", "BTCUSDT", record.DataTypeTrade))
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatalf("expected no destination, got %+v", out)
	}
}

func TestRouterFallbackTarget(t *testing.T) {
	r := newEnabledRouter(t)
	fallback := Target{Kind: TargetTopic, Destination: []string{"t-fallback"}}
	r.Compile(RouterConfig{
		RoutingStrategy: StrategyFirstMatch,
		EnableFallback:  true,
		FallbackTarget:  &fallback,
	})

	out, err := r.Process(context.Background(), newTestEnvelope("okx", "BTCUSDT", record.DataTypeTrade))
	if err != nil {
		t.Fatal(err)
	}
	if out == nil {
		t.Fatal("expected fallback destination, got none")
	}
	if len(out.Metadata.RoutingKeys) != 1 || out.Metadata.RoutingKeys[0] != "t-fallback" {
		t.Fatalf("unexpected routing keys: %+v", out.Metadata.RoutingKeys)
	}
}

func TestRouterExactMatchByExchangeScenarioD(t *testing.T) {
	r := newEnabledRouter(t)
	rule := Rule{
		ID: "r1", Name: "binance-ticker", Enabled: true, Priority: 10,
		Condition: Condition{Kind: ConditionExact, Field: "exchange", Value: "binance"},
		Target:    Target{Kind: TargetTopic, Destination: []string{"t-binance-ticker"}},
	}
	def := Target{Kind: TargetTopic, Destination: []string{"t-market-data-okx"}}
	r.Compile(RouterConfig{
		Rules:           []Rule{rule},
		RoutingStrategy: StrategyFirstMatch,
		DefaultTarget:   &def,
	})

	binanceEnv := newTestEnvelope("binance", "BTCUSDT", record.DataTypeTicker)
	out, err := r.Process(context.Background(), binanceEnv)
	if err != nil {
		t.Fatal(err)
	}
	if out.Metadata.RoutingKeys[0] != "t-binance-ticker" {
		t.Fatalf("got %v, want t-binance-ticker", out.Metadata.RoutingKeys)
	}

	okxEnv := newTestEnvelope("okx", "BTCUSDT", record.DataTypeTicker)
	out2, err := r.Process(context.Background(), okxEnv)
	if err != nil {
		t.Fatal(err)
	}
	if out2.Metadata.RoutingKeys[0] != "t-market-data-okx" {
		t.Fatalf("got %v, want t-market-data-okx (default)", out2.Metadata.RoutingKeys)
	}
}

func TestRouterPredicatePanicIsNonMatchNotAbort(t *testing.T) {
	r := NewRouter(clock.NewFake(time.Unix(0, 0)), map[string]RegisteredPredicate{
		"panics": func(env *record.Envelope) bool { panic("boom") },
	})
	if err := r.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}
	panicking := Rule{
		ID: "p1", Name: "panicking", Enabled: true, Priority: 100,
		Condition: Condition{Kind: ConditionPredicate, PredicateID: "panics"},
		Target:    Target{Kind: TargetTopic, Destination: []string{"unreachable"}},
	}
	fallbackRule := Rule{
		ID: "p2", Name: "fallback-rule", Enabled: true, Priority: 1,
		Condition: Condition{Kind: ConditionExact, Field: "exchange", Value: "binance"},
		Target:    Target{Kind: TargetTopic, Destination: []string{"t-binance"}},
	}
	r.Compile(RouterConfig{Rules: []Rule{panicking, fallbackRule}, RoutingStrategy: StrategyFirstMatch})

	out, err := r.Process(context.Background(), newTestEnvelope("binance", "BTCUSDT", record.DataTypeTrade))
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || out.Metadata.RoutingKeys[0] != "t-binance" {
		t.Fatalf("expected routing to continue past the panicking rule, got %+v", out)
	}
}

func TestRouterResultCacheHit(t *testing.T) {
	r := newEnabledRouter(t)
	rule := Rule{
		ID: "r1", Name: "binance-rule", Enabled: true, Priority: 10,
		Condition: Condition{Kind: ConditionExact, Field: "exchange", Value: "binance"},
		Target:    Target{Kind: TargetTopic, Destination: []string{"t-binance"}},
	}
	r.Compile(RouterConfig{Rules: []Rule{rule}, RoutingStrategy: StrategyFirstMatch, EnableCaching: true, CacheSize: 10, CacheTTL: time.Minute})

	env := newTestEnvelope("binance", "BTCUSDT", record.DataTypeTrade)
	if _, err := r.Process(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if r.cache.len() != 1 {
		t.Fatalf("expected 1 cache entry, got %d", r.cache.len())
	}
	// Second call for the same (exchange, symbol, data-type) should hit cache.
	env2 := newTestEnvelope("binance", "BTCUSDT", record.DataTypeTrade)
	out, err := r.Process(context.Background(), env2)
	if err != nil {
		t.Fatal(err)
	}
	if out.Metadata.RoutingKeys[0] != "t-binance" {
		t.Fatalf("cache hit produced wrong target: %+v", out.Metadata.RoutingKeys)
	}
}
