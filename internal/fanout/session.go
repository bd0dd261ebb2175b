// Package fanout implements the fan-out subscription engine (§4.9): a
// WebSocket server that dispatches normalized market records to the subset
// of connected clients whose subscription set, filter, and token bucket
// admit them. Grounded on adred-codev-ws_poc/go-server's
// pkg/websocket/hub.go and client.go, generalized from broadcast-to-all
// deduplication to per-client subscription/filter/rate-limit admission.
package fanout

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// SubKey identifies one (symbol, data-type) subscription.
type SubKey struct {
	Symbol   string
	DataType record.DataType
}

// PriceRange bounds a filter's optional price dimension (§4.9).
type PriceRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Filter is a per-client, multi-dimensional whitelist: every present
// dimension must admit the record; an absent (empty/nil) dimension admits
// everything. PriceRange applies only when the record carries a scalar
// price; a record with no scalar price is admitted by this dimension
// regardless of range.
type Filter struct {
	Symbols    map[string]bool
	DataTypes  map[record.DataType]bool
	Exchanges  map[string]bool
	PriceRange *PriceRange
}

// Admit reports whether rec passes every present filter dimension.
func (f Filter) Admit(rec record.MarketRecord) bool {
	if len(f.Symbols) > 0 && !f.Symbols[rec.Symbol] {
		return false
	}
	if len(f.DataTypes) > 0 && !f.DataTypes[rec.DataType] {
		return false
	}
	if len(f.Exchanges) > 0 && !f.Exchanges[rec.Exchange] {
		return false
	}
	if f.PriceRange != nil {
		if price, ok := rec.ScalarPrice(); ok {
			if price.LessThan(f.PriceRange.Min) || price.GreaterThan(f.PriceRange.Max) {
				return false
			}
		}
	}
	return true
}

// Session is one client's dispatch state: subscription set, filter, and
// rate-limit bucket behind a single mutex, so subscription/filter updates
// are atomic with respect to ShouldSend (no torn reads, per §4.9).
type Session struct {
	ClientID string

	mu           sync.RWMutex
	subs         map[SubKey]bool
	filter       Filter
	bucket       *rate.Limiter
	lastActivity time.Time

	clk clock.Clock
}

// NewSession constructs an empty session. bucket may be nil to disable
// per-client rate limiting.
func NewSession(clientID string, clk clock.Clock, bucket *rate.Limiter) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		ClientID:     clientID,
		subs:         make(map[SubKey]bool),
		bucket:       bucket,
		clk:          clk,
		lastActivity: clk.Now(),
	}
}

func (s *Session) Subscribe(symbol string, dt record.DataType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[SubKey{Symbol: symbol, DataType: dt}] = true
}

func (s *Session) Unsubscribe(symbol string, dt record.DataType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, SubKey{Symbol: symbol, DataType: dt})
}

// SetFilter atomically replaces the whole filter. Callers always build a new
// Filter value rather than mutating an existing one in place, so a reader
// that copied s.filter under RLock never observes a partially-updated map.
func (s *Session) SetFilter(f Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// ShouldSend applies the §4.9 dispatch steps in order: subscription match,
// filter admit, then token-bucket admit.
func (s *Session) ShouldSend(rec record.MarketRecord) bool {
	s.mu.RLock()
	subscribed := s.subs[SubKey{Symbol: rec.Symbol, DataType: rec.DataType}]
	filter := s.filter
	s.mu.RUnlock()
	if !subscribed {
		return false
	}
	if !filter.Admit(rec) {
		return false
	}
	if s.bucket != nil && !s.bucket.Allow() {
		return false
	}
	return true
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.clk.Now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}
