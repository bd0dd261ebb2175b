package fanout

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

func TestShouldSendRequiresSubscriptionMatch(t *testing.T) {
	s := NewSession("c1", clock.NewFake(time.Unix(0, 0)), nil)
	rec := record.MarketRecord{Exchange: "binance", Symbol: "BTCUSDT", DataType: record.DataTypeTrade}

	if s.ShouldSend(rec) {
		t.Fatal("expected no send before subscribing")
	}
	s.Subscribe("BTCUSDT", record.DataTypeTrade)
	if !s.ShouldSend(rec) {
		t.Fatal("expected send after matching subscription")
	}
}

func TestFilterAdmitsOnlyWhitelistedSymbol(t *testing.T) {
	s := NewSession("c1", clock.NewFake(time.Unix(0, 0)), nil)
	s.Subscribe("BTCUSDT", record.DataTypeTrade)
	s.Subscribe("ETHUSDT", record.DataTypeTrade)
	s.SetFilter(Filter{Symbols: map[string]bool{"BTCUSDT": true}})

	btc := record.MarketRecord{Symbol: "BTCUSDT", DataType: record.DataTypeTrade}
	eth := record.MarketRecord{Symbol: "ETHUSDT", DataType: record.DataTypeTrade}

	if !s.ShouldSend(btc) {
		t.Fatal("expected BTCUSDT to pass the symbol whitelist")
	}
	if s.ShouldSend(eth) {
		t.Fatal("expected ETHUSDT to be filtered out")
	}
}

func TestFilterPriceRangeAdmitsMissingScalarPrice(t *testing.T) {
	s := NewSession("c1", clock.NewFake(time.Unix(0, 0)), nil)
	s.Subscribe("BTCUSDT", record.DataTypeDepth)
	s.SetFilter(Filter{PriceRange: &PriceRange{Min: decimal.NewFromInt(10), Max: decimal.NewFromInt(20)}})

	rec := record.MarketRecord{Symbol: "BTCUSDT", DataType: record.DataTypeDepth, Payload: record.DepthPayload{}}
	if !s.ShouldSend(rec) {
		t.Fatal("expected a record with no scalar price to be admitted by the price-range dimension")
	}
}

func TestFilterPriceRangeRejectsOutOfBoundsPrice(t *testing.T) {
	s := NewSession("c1", clock.NewFake(time.Unix(0, 0)), nil)
	s.Subscribe("BTCUSDT", record.DataTypeTrade)
	s.SetFilter(Filter{PriceRange: &PriceRange{Min: decimal.NewFromInt(100), Max: decimal.NewFromInt(200)}})

	rec := record.MarketRecord{
		Symbol: "BTCUSDT", DataType: record.DataTypeTrade,
		Payload: record.TradePayload{Price: decimal.NewFromInt(50)},
	}
	if s.ShouldSend(rec) {
		t.Fatal("expected a below-range price to be rejected")
	}
}

func TestTokenBucketAdmitsThenDrops(t *testing.T) {
	s := NewSession("c1", clock.NewFake(time.Unix(0, 0)), rate.NewLimiter(0, 1))
	s.Subscribe("BTCUSDT", record.DataTypeTrade)
	rec := record.MarketRecord{Symbol: "BTCUSDT", DataType: record.DataTypeTrade}

	if !s.ShouldSend(rec) {
		t.Fatal("expected the first message within burst to be admitted")
	}
	if s.ShouldSend(rec) {
		t.Fatal("expected the second message to be dropped once the bucket is exhausted")
	}
}

func TestSubscriptionUpdateAtomicWithDispatch(t *testing.T) {
	s := NewSession("c1", clock.NewFake(time.Unix(0, 0)), nil)
	rec := record.MarketRecord{Symbol: "BTCUSDT", DataType: record.DataTypeTrade}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Subscribe("BTCUSDT", record.DataTypeTrade)
			s.Unsubscribe("BTCUSDT", record.DataTypeTrade)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		s.ShouldSend(rec)
	}
	<-done
}
