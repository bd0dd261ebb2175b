package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

func newBufferTestEnvelope(exchange, symbol string) *record.Envelope {
	return &record.Envelope{
		EnvelopeID: "e1",
		Record:     record.MarketRecord{Exchange: exchange, Symbol: symbol, DataType: record.DataTypeTrade},
	}
}

func TestBufferFlushOnMaxSize(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	var mu sync.Mutex
	var flushed [][]*record.Envelope
	buf := NewBuffer(clk, BufferConfig{MaxSize: 2, MaxAge: time.Hour}, func(key string, items []*record.Envelope) {
		mu.Lock()
		flushed = append(flushed, items)
		mu.Unlock()
	})
	if err := buf.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := buf.Process(ctx, newBufferTestEnvelope("binance", "BTCUSDT")); err != nil {
		t.Fatal(err)
	}
	if _, err := buf.Process(ctx, newBufferTestEnvelope("binance", "BTCUSDT")); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != 2 {
		t.Fatalf("expected one flush of 2 items, got %+v", flushed)
	}
}

func TestBufferFlushOnMaxAge(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	var mu sync.Mutex
	var flushed [][]*record.Envelope
	buf := NewBuffer(clk, BufferConfig{MaxSize: 1000, MaxAge: 5 * time.Second}, func(key string, items []*record.Envelope) {
		mu.Lock()
		flushed = append(flushed, items)
		mu.Unlock()
	})
	if err := buf.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := buf.Process(ctx, newBufferTestEnvelope("binance", "BTCUSDT")); err != nil {
		t.Fatal(err)
	}
	clk.Advance(6 * time.Second)
	if _, err := buf.Process(ctx, newBufferTestEnvelope("binance", "BTCUSDT")); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("expected a max-age-triggered flush, got %+v", flushed)
	}
}

func TestBufferPartitionsByExchangeSymbolDefault(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	buf := NewBuffer(clk, BufferConfig{MaxSize: 1000, MaxAge: time.Hour}, nil)
	if err := buf.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	buf.Process(ctx, newBufferTestEnvelope("binance", "BTCUSDT"))
	buf.Process(ctx, newBufferTestEnvelope("binance", "ETHUSDT"))
	buf.Process(ctx, newBufferTestEnvelope("okx", "BTCUSDT"))

	buf.mu.RLock()
	n := len(buf.partitions)
	buf.mu.RUnlock()
	if n != 3 {
		t.Fatalf("expected 3 distinct exchange:symbol partitions, got %d", n)
	}
}

func TestBufferPressureZeroWhenNoPartitions(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	buf := NewBuffer(clk, BufferConfig{MaxSize: 10}, nil)
	if p := buf.pressure(); p != 0 {
		t.Fatalf("expected 0 pressure with no partitions, got %v", p)
	}
}

func TestBufferDropOldestUnderBackpressure(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	buf := NewBuffer(clk, BufferConfig{
		MaxSize:               1000,
		MaxAge:                time.Hour,
		BackpressureThreshold: 0.0001,
		Strategy:              BackpressureDrop,
	}, nil)
	if err := buf.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	buf.Process(ctx, newBufferTestEnvelope("binance", "BTCUSDT"))
	buf.Process(ctx, newBufferTestEnvelope("binance", "BTCUSDT"))
	buf.Process(ctx, newBufferTestEnvelope("binance", "BTCUSDT"))

	buf.mu.RLock()
	p := buf.partitions["binance:BTCUSDT"]
	buf.mu.RUnlock()
	p.mu.Lock()
	n := len(p.items)
	p.mu.Unlock()
	if n == 0 {
		t.Fatal("expected at least one item retained under DROP policy")
	}
}

func TestBufferSweepFlushesStalePartition(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	var mu sync.Mutex
	var flushed int
	buf := NewBuffer(clk, BufferConfig{MaxSize: 1000, MaxAge: time.Hour, FlushInterval: 2 * time.Second}, func(string, []*record.Envelope) {
		mu.Lock()
		flushed++
		mu.Unlock()
	})
	if err := buf.Init(StageConfig{Enabled: true}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	buf.Process(ctx, newBufferTestEnvelope("binance", "BTCUSDT"))

	buf.mu.RLock()
	p := buf.partitions["binance:BTCUSDT"]
	buf.mu.RUnlock()

	clk.Advance(3 * time.Second)
	buf.sweepAll()

	mu.Lock()
	n := flushed
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected sweep to flush the stale partition once, got %d flushes", n)
	}
	_ = p
}
