package fanout

import (
	"testing"

	"github.com/coachpo/meltica-ingest/internal/record"
	"github.com/shopspring/decimal"
)

func TestBuildFilterParsesAllDimensions(t *testing.T) {
	f := buildFilter(FilterRequest{
		Symbols:   []string{"BTCUSDT"},
		DataTypes: []record.DataType{record.DataTypeTrade},
		Exchanges: []string{"binance"},
		PriceMin:  "10",
		PriceMax:  "20",
	})
	if !f.Symbols["BTCUSDT"] || !f.DataTypes[record.DataTypeTrade] || !f.Exchanges["binance"] {
		t.Fatalf("expected all whitelist dimensions populated, got %+v", f)
	}
	if f.PriceRange == nil || !f.PriceRange.Min.Equal(decimal.NewFromInt(10)) || !f.PriceRange.Max.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected a parsed price range, got %+v", f.PriceRange)
	}
}

func TestBuildFilterDropsInvalidPriceBounds(t *testing.T) {
	f := buildFilter(FilterRequest{PriceMin: "not-a-number", PriceMax: "20"})
	if f.PriceRange != nil {
		t.Fatal("expected an invalid price bound to leave the price dimension unset")
	}
}

func TestEncodeMarketDataFrameRoundTrips(t *testing.T) {
	b, err := encodeMarketDataFrame(record.MarketRecord{Exchange: "binance", Symbol: "BTCUSDT", DataType: record.DataTypeTrade})
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty encoded frame")
	}
}
