package codec

import (
	"strings"
	"testing"
)

func TestBuildParseRoundTrip(t *testing.T) {
	cases := []Subscription{
		{Symbol: "BTCUSDT", DataType: DataTypeTrade},
		{Symbol: "ETHUSDT", DataType: DataTypeTicker},
		{Symbol: "BNBUSDT", DataType: DataTypeKline, Params: Params{Interval: "1m"}},
		{Symbol: "BTCUSDT", DataType: DataTypeDepth},
		{Symbol: "BTCUSDT", DataType: DataTypeDepth, Params: Params{Levels: 5}},
	}
	for _, sub := range cases {
		name, err := Build(sub)
		if err != nil {
			t.Fatalf("Build(%+v): %v", sub, err)
		}
		parsed, ok, err := Parse(name)
		if err != nil || !ok {
			t.Fatalf("Parse(%q): ok=%v err=%v", name, ok, err)
		}
		if parsed.Symbol != sub.Symbol || parsed.DataType != sub.DataType {
			t.Errorf("round trip mismatch: got %+v, want %+v", parsed, sub)
		}
		if !Validate(name) {
			t.Errorf("Validate(%q) = false, want true", name)
		}
	}
}

func TestBuildTradeStream(t *testing.T) {
	name, err := Build(Subscription{Symbol: "BTCUSDT", DataType: DataTypeTrade})
	if err != nil {
		t.Fatal(err)
	}
	if name != "btcusdt@trade" {
		t.Fatalf("got %q, want btcusdt@trade", name)
	}
}

func TestParseUnknownFormatIsNoMatchNotError(t *testing.T) {
	_, ok, err := Parse("not-a-real-stream-name")
	if err != nil {
		t.Fatalf("expected no error for unknown format, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for unknown format")
	}
}

func TestBuildInvalidSymbol(t *testing.T) {
	_, err := Build(Subscription{Symbol: "BTC-USDT", DataType: DataTypeTrade})
	if err == nil {
		t.Fatal("expected error for invalid symbol")
	}
}

func TestBuildInvalidInterval(t *testing.T) {
	_, err := Build(Subscription{Symbol: "BTCUSDT", DataType: DataTypeKline, Params: Params{Interval: "7m"}})
	if err == nil {
		t.Fatal("expected error for invalid interval")
	}
}

func TestBuildCombinedURL(t *testing.T) {
	names := []string{"btcusdt@trade", "btcusdt@trade", "ethusdt@trade", "bnbusdt@kline_1m"}
	url, err := BuildCombined(names, "wss://stream.example:9443", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := "wss://stream.example:9443/stream?streams=btcusdt@trade/ethusdt@trade/bnbusdt@kline_1m"
	if url != want {
		t.Fatalf("got %q, want %q", url, want)
	}
}

func TestBuildCombinedEmptyFails(t *testing.T) {
	_, err := BuildCombined(nil, "wss://x", 0)
	if err == nil {
		t.Fatal("expected error for empty stream list")
	}
}

func TestBuildCombinedTooManyStreams(t *testing.T) {
	names := make([]string, 2000)
	for i := range names {
		names[i] = "s" + itoa(i) + "@trade"
	}
	_, err := BuildCombined(names, "wss://x", 1024)
	if err == nil {
		t.Fatal("expected TooManyStreams error")
	}
	if !strings.Contains(err.Error(), "too_many_streams") {
		t.Fatalf("expected too_many_streams code, got %v", err)
	}
}

func TestChunkStreams(t *testing.T) {
	names := make([]string, 250)
	for i := range names {
		names[i] = "s" + itoa(i)
	}
	chunks := ChunkStreams(names, 100)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[2]) != 50 {
		t.Fatalf("unexpected chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
