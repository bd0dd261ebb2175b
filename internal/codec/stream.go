// Package codec provides the bidirectional mapping between normalized
// (symbol, data-type, params) subscription tuples and exchange-specific wire
// stream names, grounded on the stream-name conventions embedded in
// internal/infra/adapters/binance/provider.go and websocket_manager.go of
// the reference gateway (there inlined per call site; here compiled into a
// single reusable codec).
package codec

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/coachpo/meltica-ingest/internal/errs"
)

// DataType enumerates the supported market record kinds.
type DataType string

const (
	DataTypeTrade DataType = "TRADE"
	DataTypeTicker DataType = "TICKER"
	DataTypeKline DataType = "KLINE"
	DataTypeDepth DataType = "DEPTH"
)

var validIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// symbolPattern is the canonical wire-agnostic symbol form.
var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// MaxStreamsPerConnection is the default per-connection combined-stream cap.
const MaxStreamsPerConnection = 1024

// Params carries the data-type-specific parameters that participate in
// stream-name construction (kline interval, depth levels/speed).
type Params struct {
	Interval string // KLINE only, e.g. "1m"
	Levels   int    // DEPTH only, e.g. 5, 10, 20; 0 means "diff stream" (no level suffix)
	Speed    string // DEPTH only, e.g. "100ms"; empty means exchange default
}

// Subscription is the normalized (symbol, data-type, params) tuple this
// codec builds stream names from and parses them back into.
type Subscription struct {
	Symbol   string // canonical: uppercase internally
	DataType DataType
	Params   Params
}

// Build renders sub into its Binance-flavor wire stream name. Symbols are
// lowercased on the wire per the reference exchange convention; the
// canonical internal representation stays uppercase.
func Build(sub Subscription) (string, error) {
	symbol := strings.TrimSpace(sub.Symbol)
	if symbol == "" || !symbolPattern.MatchString(symbol) {
		return "", errs.New("codec", errs.KindParsing, errs.CodeInvalidSymbol,
			errs.WithMessage(fmt.Sprintf("invalid symbol %q", sub.Symbol)))
	}
	lower := strings.ToLower(symbol)

	switch sub.DataType {
	case DataTypeTrade:
		return lower + "@trade", nil
	case DataTypeTicker:
		return lower + "@ticker", nil
	case DataTypeKline:
		interval := sub.Params.Interval
		if !validIntervals[interval] {
			return "", errs.New("codec", errs.KindParsing, errs.CodeInvalidInterval,
				errs.WithMessage(fmt.Sprintf("invalid interval %q", interval)))
		}
		return lower + "@kline_" + interval, nil
	case DataTypeDepth:
		name := lower + "@depth"
		if sub.Params.Levels > 0 {
			name += fmt.Sprintf("%d", sub.Params.Levels)
		}
		if sub.Params.Speed != "" {
			name += "@" + sub.Params.Speed
		}
		return name, nil
	default:
		return "", errs.New("codec", errs.KindParsing, errs.CodeUnsupportedDataType,
			errs.WithMessage(fmt.Sprintf("unsupported data type %q", sub.DataType)))
	}
}

var (
	depthPattern = regexp.MustCompile(`^([a-z0-9]+)@depth(\d*)(?:@(\d+ms))?$`)
	klinePattern = regexp.MustCompile(`^([a-z0-9]+)@kline_(.+)$`)
)

// Parse is the left inverse of Build modulo symbol casing. Unknown formats
// return (Subscription{}, false, nil) rather than an error — an
// unrecognized name is not a parse failure, it is "no match".
func Parse(name string) (Subscription, bool, error) {
	name = strings.TrimSpace(name)
	switch {
	case strings.HasSuffix(name, "@trade"):
		symbol := strings.TrimSuffix(name, "@trade")
		if symbol == "" {
			return Subscription{}, false, nil
		}
		return Subscription{Symbol: strings.ToUpper(symbol), DataType: DataTypeTrade}, true, nil
	case strings.HasSuffix(name, "@ticker"):
		symbol := strings.TrimSuffix(name, "@ticker")
		if symbol == "" {
			return Subscription{}, false, nil
		}
		return Subscription{Symbol: strings.ToUpper(symbol), DataType: DataTypeTicker}, true, nil
	}

	if m := klinePattern.FindStringSubmatch(name); m != nil {
		interval := m[2]
		if !validIntervals[interval] {
			return Subscription{}, false, nil
		}
		return Subscription{
			Symbol:   strings.ToUpper(m[1]),
			DataType: DataTypeKline,
			Params:   Params{Interval: interval},
		}, true, nil
	}

	if m := depthPattern.FindStringSubmatch(name); m != nil {
		sub := Subscription{Symbol: strings.ToUpper(m[1]), DataType: DataTypeDepth}
		if m[2] != "" {
			fmt.Sscanf(m[2], "%d", &sub.Params.Levels)
		}
		sub.Params.Speed = m[3]
		return sub, true, nil
	}

	return Subscription{}, false, nil
}

// Validate reports whether name is a well-formed, round-trippable stream
// name for this codec flavor.
func Validate(name string) bool {
	sub, ok, err := Parse(name)
	if err != nil || !ok {
		return false
	}
	built, err := Build(sub)
	return err == nil && built == name
}

// BuildCombined renders the Binance combined-stream URL for the given stream
// names: de-duplicated, order preserved, capped at maxStreams (0 uses
// MaxStreamsPerConnection).
func BuildCombined(names []string, base string, maxStreams int) (string, error) {
	if maxStreams <= 0 {
		maxStreams = MaxStreamsPerConnection
	}
	deduped := dedupe(names)
	if len(deduped) == 0 {
		return "", errs.New("codec", errs.KindParsing, errs.CodeInvalidStreamName,
			errs.WithMessage("stream list is empty"))
	}
	if len(deduped) > maxStreams {
		return "", errs.New("codec", errs.KindSubscription, errs.CodeTooManyStreams,
			errs.WithMessage(fmt.Sprintf("%d streams exceeds max %d", len(deduped), maxStreams)))
	}
	base = strings.TrimRight(base, "/")
	return base + "/stream?streams=" + strings.Join(deduped, "/"), nil
}

// ChunkStreams splits streams into batches of at most size, grounded on
// websocket_manager.go's chunkStreams helper (used there to stay under
// Binance's per-control-frame stream count limit).
func ChunkStreams(streams []string, size int) [][]string {
	if size <= 0 {
		size = binanceMaxStreamsPerRequest
	}
	var chunks [][]string
	for i := 0; i < len(streams); i += size {
		end := i + size
		if end > len(streams) {
			end = len(streams)
		}
		chunks = append(chunks, streams[i:end])
	}
	return chunks
}

const binanceMaxStreamsPerRequest = 100

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// SortedKeys is a small helper used by callers that need deterministic
// iteration over a stream-name set (e.g. for debounced rebuild logging).
func SortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
