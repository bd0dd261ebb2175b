// Package binance implements the reference exchange adapter (§4.4),
// composing the stream-name codec (A), connection manager (B), and
// subscription registry (C) behind a uniform adapter contract, and parsing
// Binance combined-stream wire frames into normalized market records.
// Grounded on internal/infra/adapters/binance/provider.go's Provider in the
// reference gateway: same connect/Start/Stop lifecycle shape and
// per-event-type wire struct dispatch (tradeMessage/tickerMessage/
// depthDiffMessage), generalized from the teacher's single fixed connection
// and schema.Event/dispatcher.Route plumbing to the spec's pooled
// multi-connection, lifecycle-event-emitting, decimal-preserving contract.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/codec"
	"github.com/coachpo/meltica-ingest/internal/connmanager"
	"github.com/coachpo/meltica-ingest/internal/errs"
	"github.com/coachpo/meltica-ingest/internal/record"
	"github.com/coachpo/meltica-ingest/internal/subscription"
)

// Status is the adapter lifecycle state exposed to the supervisor.
type Status string

const (
	StatusUninitialized Status = "UNINITIALIZED"
	StatusInitialized   Status = "INITIALIZED"
	StatusRunning       Status = "RUNNING"
	StatusStopped       Status = "STOPPED"
	StatusError         Status = "ERROR"
)

// EventType enumerates the lifecycle events the adapter emits (§4.4).
type EventType string

const (
	EventStatusChanged EventType = "STATUS_CHANGED"
	EventConnected     EventType = "CONNECTED"
	EventDisconnected  EventType = "DISCONNECTED"
	EventData          EventType = "DATA"
	EventError         EventType = "ERROR"
	EventSubscribed    EventType = "SUBSCRIBED"
	EventUnsubscribed  EventType = "UNSUBSCRIBED"
)

// LifecycleEvent is emitted on the adapter's Events channel.
type LifecycleEvent struct {
	Type         EventType
	Timestamp    time.Time
	ConnectionID string
	Record       *record.Envelope
	Err          error
	Message      string
}

// Stats summarizes the adapter's running state (§4.4 Stats()).
type Stats struct {
	ConnectionCount int
	Subscriptions   subscription.Stats
	MessagesParsed  uint64
	ParseErrors     uint64
}

// Config bounds adapter behavior (§6's enumerated Adapter/Retry/Subscription
// validation configuration surface).
type Config struct {
	WSEndpoint              string
	MaxConnections          int
	MaxStreamsPerConnection int
	HeartbeatInterval       time.Duration
	PingTimeout             time.Duration
	ConnectionTimeout       time.Duration
	Retry                   connmanager.RetryConfig
	StrictValidation        bool
	MaxSubscriptions        int
	DisabledDataTypes       map[codec.DataType]bool
	SourceID                string
}

// Adapter is the Binance exchange adapter: a pool of connection managers
// fed by one subscription registry, parsing inbound frames into
// record.MarketRecord and emitting lifecycle events.
type Adapter struct {
	clk    clock.Clock
	cfg    Config
	events chan LifecycleEvent

	mu          sync.Mutex
	status      Status
	connections map[string]*connmanager.Manager
	connSeq     int
	registry    *subscription.Registry

	// parsed/pErrors are written from per-connection read-loop goroutines
	// and read from Stats(), so they're accessed atomically rather than
	// under mu.
	parsed  uint64
	pErrors uint64
}

// New constructs the adapter with not-yet-Initialize'd state.
func New(clk clock.Clock) *Adapter {
	if clk == nil {
		clk = clock.New()
	}
	return &Adapter{
		clk:         clk,
		status:      StatusUninitialized,
		connections: make(map[string]*connmanager.Manager),
		events:      make(chan LifecycleEvent, 256),
	}
}

// Events returns the adapter's lifecycle event stream.
func (a *Adapter) Events() <-chan LifecycleEvent { return a.events }

// Initialize validates cfg and constructs the subscription registry. Must
// be called before Start.
func (a *Adapter) Initialize(cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.MaxStreamsPerConnection <= 0 {
		cfg.MaxStreamsPerConnection = codec.MaxStreamsPerConnection
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	a.cfg = cfg
	a.registry = subscription.New(subscription.Config{
		MaxSubscriptions: cfg.MaxSubscriptions,
		DisabledTypes:    cfg.DisabledDataTypes,
	}, a.clk, a)
	a.status = StatusInitialized
	a.emit(LifecycleEvent{Type: EventStatusChanged, Message: string(StatusInitialized)})
	return nil
}

// Start opens the primary connection.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status != StatusInitialized && a.status != StatusStopped {
		a.mu.Unlock()
		return errs.New("binance-adapter", errs.KindConnection, errs.CodeConnectionNotAvail,
			errs.WithMessage("adapter must be Initialize'd before Start"))
	}
	_, err := a.newConnectionLocked(ctx)
	if err != nil {
		a.status = StatusError
		a.mu.Unlock()
		return err
	}
	a.status = StatusRunning
	a.mu.Unlock()
	a.emit(LifecycleEvent{Type: EventStatusChanged, Message: string(StatusRunning)})
	return nil
}

// Stop closes every connection and cancels ingress without tearing down the
// subscription registry (Destroy does that).
func (a *Adapter) Stop() error {
	a.mu.Lock()
	conns := make([]*connmanager.Manager, 0, len(a.connections))
	for _, c := range a.connections {
		conns = append(conns, c)
	}
	a.status = StatusStopped
	a.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	a.emit(LifecycleEvent{Type: EventStatusChanged, Message: string(StatusStopped)})
	return nil
}

// Destroy releases the subscription registry and closes the event channel.
// Safe to call only after Stop.
func (a *Adapter) Destroy() error {
	a.mu.Lock()
	if a.registry != nil {
		a.registry.Clear()
	}
	a.mu.Unlock()
	close(a.events)
	return nil
}

// Status reports the adapter's current lifecycle state.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Stats reports aggregate adapter counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	n := len(a.connections)
	reg := a.registry
	a.mu.Unlock()
	var regStats subscription.Stats
	if reg != nil {
		regStats = reg.Stats()
	}
	return Stats{
		ConnectionCount: n,
		Subscriptions:   regStats,
		MessagesParsed:  atomic.LoadUint64(&a.parsed),
		ParseErrors:     atomic.LoadUint64(&a.pErrors),
	}
}

// Subscribe adds subs to the registry, assigning each to a (possibly new)
// connection and registering its stream on that connection.
func (a *Adapter) Subscribe(subs []codec.Subscription) (subscription.SubscribeResult, error) {
	a.mu.Lock()
	reg := a.registry
	a.mu.Unlock()
	if reg == nil {
		return subscription.SubscribeResult{}, errs.New("binance-adapter", errs.KindSubscription, errs.CodeConnectionNotAvail,
			errs.WithMessage("adapter not initialized"))
	}
	result, err := reg.Subscribe(subs)
	if err != nil {
		return result, err
	}
	for _, rec := range result.Successful {
		a.mu.Lock()
		conn := a.connections[rec.ConnectionID]
		a.mu.Unlock()
		if conn != nil {
			conn.AddStream(rec.LogicalStreamName)
		}
		a.emit(LifecycleEvent{Type: EventSubscribed, ConnectionID: rec.ConnectionID, Message: rec.LogicalStreamName})
	}
	return result, nil
}

// Unsubscribe removes subs from the registry and their connections.
func (a *Adapter) Unsubscribe(subs []codec.Subscription) subscription.UnsubscribeResult {
	a.mu.Lock()
	reg := a.registry
	a.mu.Unlock()
	if reg == nil {
		return subscription.UnsubscribeResult{}
	}
	// Capture connection assignment before removal for stream cleanup.
	byKey := make(map[subscription.Key]subscription.Record, len(subs))
	for _, rec := range reg.Active() {
		byKey[rec.Key] = rec
	}
	result := reg.Unsubscribe(subs)
	for _, key := range result.Removed {
		rec, ok := byKey[key]
		if !ok {
			continue
		}
		a.mu.Lock()
		conn := a.connections[rec.ConnectionID]
		a.mu.Unlock()
		if conn != nil {
			conn.RemoveStream(rec.LogicalStreamName)
		}
		a.emit(LifecycleEvent{Type: EventUnsubscribed, ConnectionID: rec.ConnectionID, Message: rec.LogicalStreamName})
	}
	return result
}

// PickConnection implements subscription.ConnectionPicker: returns the
// least-loaded existing connection under MaxStreamsPerConnection, or opens
// a new pooled connection when every existing one is at capacity and
// MaxConnections allows another.
func (a *Adapter) PickConnection(streamName string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var best *connmanager.Manager
	bestCount := -1
	for _, c := range a.connections {
		n := c.StreamCount()
		if n < a.cfg.MaxStreamsPerConnection && (best == nil || n < bestCount) {
			best = c
			bestCount = n
		}
	}
	if best != nil {
		return best.ID(), nil
	}
	if len(a.connections) >= a.cfg.MaxConnections {
		return "", errs.New("binance-adapter", errs.KindSubscription, errs.CodeMaxStreamsExceeded,
			errs.WithRetryable(false), errs.WithMessage("connection pool at MaxConnections capacity"))
	}
	conn, err := a.newConnectionLocked(context.Background())
	if err != nil {
		return "", err
	}
	return conn.ID(), nil
}

// newConnectionLocked opens a new pooled connection manager. Caller must
// hold a.mu.
func (a *Adapter) newConnectionLocked(ctx context.Context) (*connmanager.Manager, error) {
	a.connSeq++
	id := fmt.Sprintf("binance-conn-%d", a.connSeq)
	conn := connmanager.New(id, a.cfg.WSEndpoint, connmanager.Config{
		MaxStreamsPerConnection: a.cfg.MaxStreamsPerConnection,
		HeartbeatInterval:       a.cfg.HeartbeatInterval,
		PingTimeout:             a.cfg.PingTimeout,
		ConnectionTimeout:       a.cfg.ConnectionTimeout,
		Retry:                   a.cfg.Retry,
		AutoManage:              true,
	}, a.clk, a.onFrame(id), a.onError(id))
	a.connections[id] = conn
	if err := conn.Open(ctx); err != nil {
		delete(a.connections, id)
		return nil, err
	}
	a.emitAsync(LifecycleEvent{Type: EventConnected, ConnectionID: id})
	return conn, nil
}

func (a *Adapter) onFrame(connID string) connmanager.FrameHandler {
	return func(streamName string, payload []byte) {
		env, err := a.parseFrame(connID, streamName, payload)
		if err != nil {
			atomic.AddUint64(&a.pErrors, 1)
			a.emit(LifecycleEvent{Type: EventError, ConnectionID: connID, Err: err})
			return
		}
		if env == nil {
			return // unmatched stream name (HandleStreamData ok=false); dropped without logging
		}
		atomic.AddUint64(&a.parsed, 1)
		a.emit(LifecycleEvent{Type: EventData, ConnectionID: connID, Record: env})
	}
}

func (a *Adapter) onError(connID string) connmanager.ErrorHandler {
	return func(err error) {
		a.emit(LifecycleEvent{Type: EventDisconnected, ConnectionID: connID, Err: err})
	}
}

func (a *Adapter) emit(evt LifecycleEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = a.clk.Now()
	}
	select {
	case a.events <- evt:
	default:
		// Event channel is a bounded observability stream; a full channel
		// drops this new event (events already queued are kept) rather
		// than blocking the read loop that produced it.
	}
}

func (a *Adapter) emitAsync(evt LifecycleEvent) {
	go a.emit(evt)
}

// binanceMessageHeader is used to sniff the `e` discriminator before
// unmarshaling into the full per-event-type struct, grounded on
// provider.go's userDataEvent header-peek idiom.
type binanceMessageHeader struct {
	EventType string `json:"e"`
}

// binanceTimestamp parses Binance's millisecond-epoch numeric-or-string
// timestamp fields, grounded on provider.go's binanceTimestamp.
type binanceTimestamp int64

func (ts *binanceTimestamp) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	trimmed = strings.Trim(trimmed, `"`)
	if trimmed == "" || trimmed == "null" {
		*ts = 0
		return nil
	}
	ms, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: invalid timestamp %q", string(data))
	}
	*ts = binanceTimestamp(ms)
	return nil
}

func (ts binanceTimestamp) Time() time.Time {
	return time.UnixMilli(int64(ts))
}

type tradeMessage struct {
	EventType    string           `json:"e"`
	EventTime    binanceTimestamp `json:"E"`
	Symbol       string           `json:"s"`
	TradeID      int64            `json:"t"`
	Price        string           `json:"p"`
	Quantity     string           `json:"q"`
	TradeTime    binanceTimestamp `json:"T"`
	IsBuyerMaker bool             `json:"m"`
}

type tickerMessage struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
	Symbol    string           `json:"s"`
	LastPrice string           `json:"c"`
	BidPrice  string           `json:"b"`
	AskPrice  string           `json:"a"`
	Volume    string           `json:"v"`
	OpenPrice string           `json:"o"`
	HighPrice string           `json:"h"`
	LowPrice  string           `json:"l"`
}

type klineData struct {
	OpenTime  binanceTimestamp `json:"t"`
	CloseTime binanceTimestamp `json:"T"`
	Interval  string           `json:"i"`
	Open      string           `json:"o"`
	High      string           `json:"h"`
	Low       string           `json:"l"`
	Close     string           `json:"c"`
	Volume    string           `json:"v"`
	Trades    int64            `json:"n"`
	Closed    bool             `json:"x"`
}

type klineMessage struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
	Symbol    string           `json:"s"`
	Kline     klineData        `json:"k"`
}

type depthMessage struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
	Symbol    string           `json:"s"`
	UpdateID  uint64           `json:"u"`
	Bids      [][]string       `json:"b"`
	Asks      [][]string       `json:"a"`
}

// parseFrame dispatches by the `e` discriminator (§4.4) and normalizes the
// wire payload into a record.Envelope, preserving numeric strings as
// decimal.Decimal losslessly. A nil, nil return means the stream name did
// not match any known subscription (race with in-flight unsubscribe, not a
// parse error).
func (a *Adapter) parseFrame(connID, streamName string, payload []byte) (*record.Envelope, error) {
	a.mu.Lock()
	reg := a.registry
	a.mu.Unlock()
	if reg == nil {
		return nil, nil
	}
	subRec, matched := reg.HandleStreamData(streamName, connID)
	if !matched {
		return nil, nil
	}

	var header binanceMessageHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, errs.New("binance-adapter", errs.KindParsing, errs.CodeUnknownError,
			errs.WithMessage("malformed frame on stream "+streamName), errs.WithCause(err))
	}

	now := a.clk.Now()
	base := record.MarketRecord{
		Exchange:     "binance",
		Symbol:       subRec.Sub.Symbol,
		ReceivedTime: now,
	}

	switch strings.ToLower(header.EventType) {
	case "trade":
		var msg tradeMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, wrapParseErr(streamName, err)
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return nil, wrapParseErr(streamName, err)
		}
		qty, err := decimal.NewFromString(msg.Quantity)
		if err != nil {
			return nil, wrapParseErr(streamName, err)
		}
		side := record.SideBuy
		if msg.IsBuyerMaker {
			side = record.SideSell
		}
		base.DataType = record.DataTypeTrade
		base.EventTime = msg.EventTime.Time()
		base.Payload = record.TradePayload{
			Price: price, Qty: qty, TradeID: fmt.Sprint(msg.TradeID), Side: side, TradeTime: msg.TradeTime.Time(),
		}
	case "24hrticker":
		var msg tickerMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, wrapParseErr(streamName, err)
		}
		base.DataType = record.DataTypeTicker
		base.EventTime = msg.EventTime.Time()
		base.Payload = record.TickerPayload{
			Last:   mustDecimal(msg.LastPrice),
			Bid:    mustDecimal(msg.BidPrice),
			Ask:    mustDecimal(msg.AskPrice),
			Volume: mustDecimal(msg.Volume),
			Open:   mustDecimal(msg.OpenPrice),
			High:   mustDecimal(msg.HighPrice),
			Low:    mustDecimal(msg.LowPrice),
		}
	case "kline":
		var msg klineMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, wrapParseErr(streamName, err)
		}
		base.DataType = record.DataTypeKline
		base.EventTime = msg.EventTime.Time()
		base.Payload = record.KlinePayload{
			Interval: msg.Kline.Interval,
			Open:     mustDecimal(msg.Kline.Open),
			High:     mustDecimal(msg.Kline.High),
			Low:      mustDecimal(msg.Kline.Low),
			Close:    mustDecimal(msg.Kline.Close),
			Volume:   mustDecimal(msg.Kline.Volume),
			Trades:   msg.Kline.Trades,
			Closed:   msg.Kline.Closed,
		}
	case "depthupdate":
		var msg depthMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, wrapParseErr(streamName, err)
		}
		base.DataType = record.DataTypeDepth
		base.EventTime = msg.EventTime.Time()
		base.Payload = record.DepthPayload{
			Bids:     levelsToDepth(msg.Bids),
			Asks:     levelsToDepth(msg.Asks),
			UpdateID: msg.UpdateID,
		}
	default:
		return nil, errs.New("binance-adapter", errs.KindParsing, errs.CodeUnknownError,
			errs.WithMessage("unknown event discriminator "+header.EventType))
	}

	return &record.Envelope{
		SourceAdapter: a.cfg.SourceID,
		QueuedAt:      now,
		Record:        base,
		Attributes:    map[string]string{"connectionId": connID},
		Metadata: record.Metadata{
			Exchange: base.Exchange,
			Symbol:   base.Symbol,
			DataType: base.DataType,
		},
	}, nil
}

func wrapParseErr(streamName string, cause error) error {
	return errs.New("binance-adapter", errs.KindParsing, errs.CodeUnknownError,
		errs.WithMessage("failed to decode payload on stream "+streamName), errs.WithCause(cause))
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func levelsToDepth(levels [][]string) []record.DepthLevel {
	if len(levels) == 0 {
		return nil
	}
	out := make([]record.DepthLevel, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, record.DepthLevel{Price: mustDecimal(lvl[0]), Qty: mustDecimal(lvl[1])})
	}
	return out
}
