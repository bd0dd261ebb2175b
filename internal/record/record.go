// Package record defines the normalized market record and pipeline envelope
// types, grounded on the canonical event/payload shapes in
// internal/schema/event.go of the reference gateway (there typed as a
// single MelticaEvent/Event with an `any` payload and string-typed decimal
// fields; here split into an explicit per-data-type payload union using
// decimal.Decimal so numeric precision is enforced by the type system
// rather than by convention).
package record

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataType mirrors codec.DataType; duplicated here (as its own string type) so
// record does not import codec, keeping the dependency direction leaf-ward.
type DataType string

const (
	DataTypeTrade  DataType = "TRADE"
	DataTypeTicker DataType = "TICKER"
	DataTypeKline  DataType = "KLINE"
	DataTypeDepth  DataType = "DEPTH"
)

// Side captures trade aggressor direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradePayload is the normalized TRADE payload.
type TradePayload struct {
	Price     decimal.Decimal
	Qty       decimal.Decimal
	TradeID   string
	Side      Side
	TradeTime time.Time
}

// TickerPayload is the normalized TICKER payload.
type TickerPayload struct {
	Last        decimal.Decimal
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	Volume      decimal.Decimal
	Change      decimal.Decimal
	ChangePct   decimal.Decimal
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	WindowOpen  time.Time
	WindowClose time.Time
}

// KlinePayload is the normalized KLINE(interval) payload.
type KlinePayload struct {
	Interval string
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Trades   int64
	Closed   bool
}

// DepthLevel is a single order-book price level.
type DepthLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthPayload is the normalized DEPTH payload; UpdateID carries the
// exchange's sequence number for gap detection.
type DepthPayload struct {
	Bids     []DepthLevel
	Asks     []DepthLevel
	UpdateID uint64
	Snapshot bool
}

// MarketRecord is the immutable, exchange-agnostic record emitted once D
// (the exchange adapter) parses an inbound frame. Payload holds one of the
// *Payload types above depending on DataType.
type MarketRecord struct {
	Exchange     string
	Symbol       string
	DataType     DataType
	EventTime    time.Time
	ReceivedTime time.Time
	Payload      any
}

// ScalarPrice extracts a single representative price from the record's
// payload, used by the fan-out price-range filter (§4.9). ok is false when
// the payload has no scalar price field (e.g. DEPTH), in which case the
// price-range dimension must admit the record by default.
func (r MarketRecord) ScalarPrice() (decimal.Decimal, bool) {
	switch p := r.Payload.(type) {
	case TradePayload:
		return p.Price, true
	case TickerPayload:
		return p.Last, true
	case KlinePayload:
		return p.Close, true
	default:
		return decimal.Zero, false
	}
}

// SubscriptionStatus enumerates the subscription record lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "PENDING"
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionPaused    SubscriptionStatus = "PAUSED"
	SubscriptionFailed    SubscriptionStatus = "FAILED"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// Metadata is the mutable part of an Envelope carried alongside the
// immutable market record as it moves through the pipeline.
type Metadata struct {
	Exchange     string
	Symbol       string
	DataType     DataType
	Priority     uint8 // 0..255
	RetryCount   int
	RoutingKeys  []string
	BufferPolicy string
}

// Envelope wraps a MarketRecord with pipeline context. Envelopes are
// single-consumer: exactly one stage owns an envelope at a time.
type Envelope struct {
	EnvelopeID    string
	SourceAdapter string
	QueuedAt      time.Time
	ProcessedAt   time.Time
	Record        MarketRecord
	Attributes    map[string]string
	Metadata      Metadata
}

// Clone returns a deep-enough copy for router duplication mode (§4.6): a new
// envelope ID and an independent Attributes/RoutingKeys backing array, but
// the same immutable MarketRecord value (market records are never mutated
// after creation, so sharing the struct value, which itself holds no
// pointers into mutable state, is safe).
func (e Envelope) Clone(newID string) Envelope {
	out := e
	out.EnvelopeID = newID
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	if e.Metadata.RoutingKeys != nil {
		out.Metadata.RoutingKeys = append([]string(nil), e.Metadata.RoutingKeys...)
	}
	return out
}
