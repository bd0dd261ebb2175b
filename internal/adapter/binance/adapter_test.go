package binance

import (
	"testing"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/codec"
	"github.com/coachpo/meltica-ingest/internal/connmanager"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// newTestAdapter builds an Initialize'd adapter with one pre-seeded,
// never-dialed connection so Subscribe/PickConnection never reach the real
// network.
func newTestAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()
	a := New(clock.NewFake(time.Unix(0, 0)))
	if err := a.Initialize(Config{
		WSEndpoint:              "wss://stream.example.test",
		MaxConnections:          2,
		MaxStreamsPerConnection: 10,
		SourceID:                "ingest-test",
	}); err != nil {
		t.Fatal(err)
	}
	conn := connmanager.New("conn-1", a.cfg.WSEndpoint, connmanager.Config{MaxStreamsPerConnection: 10}, a.clk, nil, nil)
	a.connections["conn-1"] = conn
	return a, "conn-1"
}

func TestAdapterSubscribeAssignsPreexistingConnection(t *testing.T) {
	a, connID := newTestAdapter(t)
	result, err := a.Subscribe([]codec.Subscription{{Symbol: "BTCUSDT", DataType: codec.DataTypeTrade}})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Successful) != 1 {
		t.Fatalf("expected 1 successful subscription, got %+v", result)
	}
	if result.Successful[0].ConnectionID != connID {
		t.Fatalf("expected subscription assigned to %s, got %s", connID, result.Successful[0].ConnectionID)
	}
}

func TestAdapterParseTradeFrame(t *testing.T) {
	a, connID := newTestAdapter(t)
	if _, err := a.Subscribe([]codec.Subscription{{Symbol: "BTCUSDT", DataType: codec.DataTypeTrade}}); err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":12345,"p":"50000.12345678","q":"0.001","T":1700000000001,"m":false}`)
	env, err := a.parseFrame(connID, "btcusdt@trade", payload)
	if err != nil {
		t.Fatal(err)
	}
	if env == nil {
		t.Fatal("expected a parsed envelope")
	}
	trade, ok := env.Record.Payload.(record.TradePayload)
	if !ok {
		t.Fatalf("expected TradePayload, got %T", env.Record.Payload)
	}
	if trade.Price.String() != "50000.12345678" {
		t.Fatalf("expected lossless decimal price, got %s", trade.Price.String())
	}
	if trade.Side != record.SideBuy {
		t.Fatalf("expected BUY for isBuyerMaker=false, got %s", trade.Side)
	}
}

func TestAdapterParseUnmatchedStreamReturnsNilNotError(t *testing.T) {
	a, _ := newTestAdapter(t)
	env, err := a.parseFrame("conn-1", "ethusdt@trade", []byte(`{"e":"trade"}`))
	if err != nil {
		t.Fatalf("expected nil error for unmatched stream, got %v", err)
	}
	if env != nil {
		t.Fatal("expected nil envelope for a stream with no matching subscription")
	}
}

func TestAdapterParseDepthFrame(t *testing.T) {
	a, connID := newTestAdapter(t)
	if _, err := a.Subscribe([]codec.Subscription{{Symbol: "BTCUSDT", DataType: codec.DataTypeDepth}}); err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","u":99,"b":[["50000.00","1.5"]],"a":[["50010.00","2.0"]]}`)
	env, err := a.parseFrame(connID, "btcusdt@depth", payload)
	if err != nil {
		t.Fatal(err)
	}
	depth, ok := env.Record.Payload.(record.DepthPayload)
	if !ok {
		t.Fatalf("expected DepthPayload, got %T", env.Record.Payload)
	}
	if depth.UpdateID != 99 || len(depth.Bids) != 1 || len(depth.Asks) != 1 {
		t.Fatalf("unexpected depth payload: %+v", depth)
	}
}

func TestAdapterStatusTransitions(t *testing.T) {
	a := New(clock.NewFake(time.Unix(0, 0)))
	if a.Status() != StatusUninitialized {
		t.Fatalf("expected UNINITIALIZED before Initialize, got %s", a.Status())
	}
	if err := a.Initialize(Config{WSEndpoint: "wss://x"}); err != nil {
		t.Fatal(err)
	}
	if a.Status() != StatusInitialized {
		t.Fatalf("expected INITIALIZED after Initialize, got %s", a.Status())
	}
}
