package fanout

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-ingest/internal/record"
)

// FrameType enumerates the fan-out server's wire frame discriminators (§6).
type FrameType string

const (
	FrameMarketData      FrameType = "market_data"
	FrameSubscriptionAck FrameType = "subscription_ack"
	FrameError           FrameType = "error"
	FramePong            FrameType = "pong"
)

// Frame is the fan-out server's wire envelope: {type, payload}.
type Frame struct {
	Type    FrameType `json:"type"`
	Payload any       `json:"payload"`
}

// inboundFrame mirrors Frame for client-to-server messages, deferring
// payload decoding until Type is known.
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubscribeRequest is a client's subscribe/unsubscribe frame payload.
type SubscribeRequest struct {
	Symbol string          `json:"symbol"`
	Type   record.DataType `json:"type"`
}

// FilterRequest is a client's filter-update frame payload; nil/empty fields
// leave that filter dimension unset (admit-all).
type FilterRequest struct {
	Symbols   []string          `json:"symbols,omitempty"`
	DataTypes []record.DataType `json:"dataTypes,omitempty"`
	Exchanges []string          `json:"exchanges,omitempty"`
	PriceMin  string            `json:"priceMin,omitempty"`
	PriceMax  string            `json:"priceMax,omitempty"`
}

type marketDataFramePayload struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Type      record.DataType `json:"type"`
	EventTime time.Time       `json:"eventTime"`
	Payload   any             `json:"payload"`
}

func encodeMarketDataFrame(rec record.MarketRecord) ([]byte, error) {
	return json.Marshal(Frame{
		Type: FrameMarketData,
		Payload: marketDataFramePayload{
			Exchange:  rec.Exchange,
			Symbol:    rec.Symbol,
			Type:      rec.DataType,
			EventTime: rec.EventTime,
			Payload:   rec.Payload,
		},
	})
}

func encodeAckFrame(symbol string, dt record.DataType, subscribed bool) []byte {
	action := "subscribed"
	if !subscribed {
		action = "unsubscribed"
	}
	b, _ := json.Marshal(Frame{Type: FrameSubscriptionAck, Payload: map[string]any{
		"symbol": symbol, "type": dt, "action": action,
	}})
	return b
}

func encodeErrorFrame(message string) []byte {
	b, _ := json.Marshal(Frame{Type: FrameError, Payload: map[string]string{"message": message}})
	return b
}

// buildFilter converts a client's wire FilterRequest into a Filter. Invalid
// price bounds are dropped (leaving the price dimension unset) rather than
// rejecting the whole filter update.
func buildFilter(req FilterRequest) Filter {
	f := Filter{}
	if len(req.Symbols) > 0 {
		f.Symbols = make(map[string]bool, len(req.Symbols))
		for _, s := range req.Symbols {
			f.Symbols[s] = true
		}
	}
	if len(req.DataTypes) > 0 {
		f.DataTypes = make(map[record.DataType]bool, len(req.DataTypes))
		for _, dt := range req.DataTypes {
			f.DataTypes[dt] = true
		}
	}
	if len(req.Exchanges) > 0 {
		f.Exchanges = make(map[string]bool, len(req.Exchanges))
		for _, e := range req.Exchanges {
			f.Exchanges[e] = true
		}
	}
	if req.PriceMin != "" && req.PriceMax != "" {
		min, errMin := decimal.NewFromString(req.PriceMin)
		max, errMax := decimal.NewFromString(req.PriceMax)
		if errMin == nil && errMax == nil {
			f.PriceRange = &PriceRange{Min: min, Max: max}
		}
	}
	return f
}
