// Package subscription implements the per-adapter subscription registry
// (§4.3): the authoritative set of active logical subscriptions, keyed by
// (symbol, data-type, params-digest), grounded on the locking and
// delta-diff idiom of
// internal/infra/adapters/shared/subscription_manager.go in the reference
// gateway (there coordinating dispatcher.Route activation against a single
// RouteSubscriber; here generalized to the full PENDING/ACTIVE/PAUSED/
// FAILED/CANCELLED lifecycle and bounded-growth/validation contracts of
// the ingest spec).
package subscription

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/codec"
	"github.com/coachpo/meltica-ingest/internal/errs"
)

// Key uniquely identifies a subscription within an adapter.
type Key string

// MakeKey builds the registry key per §4.3: symbol + ':' + data-type + ':' + canonical(params).
func MakeKey(sub codec.Subscription) Key {
	digest := canonicalParams(sub.Params)
	return Key(fmt.Sprintf("%s:%s:%s", sub.Symbol, sub.DataType, digest))
}

func canonicalParams(p codec.Params) string {
	return fmt.Sprintf("interval=%s,levels=%d,speed=%s", p.Interval, p.Levels, p.Speed)
}

// Status mirrors record.SubscriptionStatus; duplicated to keep this package
// leaf-ward of record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Record is one entry in the registry.
type Record struct {
	Key              Key
	Sub              codec.Subscription
	LogicalStreamName string
	ConnectionID     string
	Status           Status
	SubscribedAt     time.Time
	LastActiveAt     time.Time
	MsgCount         uint64
	ErrCount         uint64
	LastError        error
}

// ConnectionPicker delegates connection selection for a new subscription to
// the connection manager layer (§4.4 picks or creates a connection); the
// registry itself only records the assigned id.
type ConnectionPicker interface {
	PickConnection(streamName string) (connectionID string, err error)
}

// Config bounds and validates registry contents.
type Config struct {
	MaxSubscriptions int
	SymbolPattern    *regexp.Regexp
	DisabledTypes    map[codec.DataType]bool
}

// SubscribeResult partitions a batch add into successful/existing/failed.
type SubscribeResult struct {
	Successful []Record
	Existing   []Record
	Failed     []FailedSubscription
}

// FailedSubscription pairs a rejected subscription with its error.
type FailedSubscription struct {
	Sub codec.Subscription
	Err error
}

// Registry is the authoritative subscription set for one adapter.
type Registry struct {
	mu     sync.RWMutex
	cfg    Config
	clk    clock.Clock
	picker ConnectionPicker
	byKey  map[Key]*Record
	byConn map[string]map[Key]struct{}
}

// New constructs a Registry.
func New(cfg Config, clk clock.Clock, picker ConnectionPicker) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		cfg:    cfg,
		clk:    clk,
		picker: picker,
		byKey:  make(map[Key]*Record),
		byConn: make(map[string]map[Key]struct{}),
	}
}

// Has reports whether sub is already present regardless of status.
func (r *Registry) Has(sub codec.Subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKey[MakeKey(sub)]
	return ok
}

// Subscribe adds a batch of subscriptions. Idempotent per-key: an existing
// key is reported under Existing, not Successful, with no side effects.
// Bounded growth: a batch that would push the registry over
// cfg.MaxSubscriptions is refused as a whole (no partial commit).
func (r *Registry) Subscribe(subs []codec.Subscription) (SubscribeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result SubscribeResult
	newCount := 0
	for _, sub := range subs {
		if _, ok := r.byKey[MakeKey(sub)]; !ok {
			newCount++
		}
	}
	if r.cfg.MaxSubscriptions > 0 && len(r.byKey)+newCount > r.cfg.MaxSubscriptions {
		return SubscribeResult{}, errs.New("subscription-registry", errs.KindSubscription, errs.CodeMaxStreamsExceeded,
			errs.WithRetryable(false),
			errs.WithMessage(fmt.Sprintf("batch would exceed maxSubscriptions=%d", r.cfg.MaxSubscriptions)))
	}

	for _, sub := range subs {
		key := MakeKey(sub)
		if existing, ok := r.byKey[key]; ok {
			result.Existing = append(result.Existing, *existing)
			continue
		}
		if err := r.validate(sub); err != nil {
			result.Failed = append(result.Failed, FailedSubscription{Sub: sub, Err: err})
			continue
		}
		streamName, err := codec.Build(sub)
		if err != nil {
			result.Failed = append(result.Failed, FailedSubscription{Sub: sub, Err: err})
			continue
		}
		connID := ""
		if r.picker != nil {
			connID, err = r.picker.PickConnection(streamName)
			if err != nil {
				result.Failed = append(result.Failed, FailedSubscription{Sub: sub, Err: errs.New(
					"subscription-registry", errs.KindSubscription, errs.CodeConnectionNotAvail,
					errs.WithRetryable(true), errs.WithCause(err))})
				continue
			}
		}
		rec := &Record{
			Key:               key,
			Sub:               sub,
			LogicalStreamName: streamName,
			ConnectionID:      connID,
			Status:            StatusPending,
			SubscribedAt:      r.clk.Now(),
		}
		r.byKey[key] = rec
		if r.byConn[connID] == nil {
			r.byConn[connID] = make(map[Key]struct{})
		}
		r.byConn[connID][key] = struct{}{}
		result.Successful = append(result.Successful, *rec)
	}
	return result, nil
}

func (r *Registry) validate(sub codec.Subscription) error {
	if r.cfg.DisabledTypes[sub.DataType] {
		return errs.New("subscription-registry", errs.KindSubscription, errs.CodeUnsupportedDataType,
			errs.WithRetryable(false),
			errs.WithMessage(fmt.Sprintf("data type %s is disabled", sub.DataType)))
	}
	if r.cfg.SymbolPattern != nil && !r.cfg.SymbolPattern.MatchString(sub.Symbol) {
		return errs.New("subscription-registry", errs.KindSubscription, errs.CodeInvalidSymbol,
			errs.WithRetryable(false),
			errs.WithMessage(fmt.Sprintf("symbol %q rejected by policy pattern", sub.Symbol)))
	}
	return nil
}

// UnsubscribeResult reports which keys were removed vs not found.
type UnsubscribeResult struct {
	Removed  []Key
	NotFound []Key
}

// Unsubscribe removes a batch of subscriptions, marking them CANCELLED and
// dropping them from the indices.
func (r *Registry) Unsubscribe(subs []codec.Subscription) UnsubscribeResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out UnsubscribeResult
	for _, sub := range subs {
		key := MakeKey(sub)
		rec, ok := r.byKey[key]
		if !ok {
			out.NotFound = append(out.NotFound, key)
			continue
		}
		rec.Status = StatusCancelled
		delete(r.byKey, key)
		if conn, ok := r.byConn[rec.ConnectionID]; ok {
			delete(conn, key)
			if len(conn) == 0 {
				delete(r.byConn, rec.ConnectionID)
			}
		}
		out.Removed = append(out.Removed, key)
	}
	return out
}

// Active returns a snapshot of every non-cancelled subscription. Readers
// outside the registry only ever see snapshots, never the live map.
func (r *Registry) Active() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.byKey))
	for _, rec := range r.byKey {
		out = append(out, *rec)
	}
	return out
}

// ByConnection returns a snapshot of subscriptions assigned to cid.
func (r *Registry) ByConnection(cid string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.byConn[cid]
	out := make([]Record, 0, len(keys))
	for k := range keys {
		if rec, ok := r.byKey[k]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Migrate transactionally moves every subscription on from to to. On any
// error the operation rolls back to the pre-migration state.
func (r *Registry) Migrate(from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.byConn[from]
	if !ok || len(keys) == 0 {
		return nil
	}

	moved := make([]Key, 0, len(keys))
	for k := range keys {
		rec, ok := r.byKey[k]
		if !ok {
			r.rollbackMigration(moved, from)
			return errs.New("subscription-registry", errs.KindSubscription, errs.CodeUnknownError,
				errs.WithRetryable(false),
				errs.WithMessage(fmt.Sprintf("dangling index entry for key %s during migrate", k)))
		}
		rec.ConnectionID = to
		moved = append(moved, k)
	}

	if r.byConn[to] == nil {
		r.byConn[to] = make(map[Key]struct{})
	}
	for _, k := range moved {
		r.byConn[to][k] = struct{}{}
	}
	delete(r.byConn, from)
	return nil
}

func (r *Registry) rollbackMigration(moved []Key, from string) {
	for _, k := range moved {
		if rec, ok := r.byKey[k]; ok {
			rec.ConnectionID = from
		}
	}
}

// Stats summarizes registry contents.
type Stats struct {
	Total    int
	ByStatus map[Status]int
}

// Stats returns aggregate counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Total: len(r.byKey), ByStatus: make(map[Status]int)}
	for _, rec := range r.byKey {
		st.ByStatus[rec.Status]++
	}
	return st
}

// Clear removes every subscription, used on adapter shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[Key]*Record)
	r.byConn = make(map[string]map[Key]struct{})
}

// HandleStreamData maps a wire stream name to its subscription, increments
// counters, and returns the matched record. A name with no matching
// subscription is not an error — it can race with an in-flight unsubscribe
// — so ok is simply false.
func (r *Registry) HandleStreamData(name string, cid string) (Record, bool) {
	sub, matched, err := codec.Parse(name)
	if err != nil || !matched {
		return Record{}, false
	}
	key := MakeKey(sub)

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byKey[key]
	if !ok {
		return Record{}, false
	}
	rec.MsgCount++
	rec.LastActiveAt = r.clk.Now()
	if rec.Status == StatusPending {
		rec.Status = StatusActive
	}
	return *rec, true
}

// HandleError records a remote error against the subscription matching
// name, marking it FAILED with the given retryable flag.
func (r *Registry) HandleError(name string, cid string, cause error, retryable bool) {
	sub, matched, err := codec.Parse(name)
	if err != nil || !matched {
		return
	}
	key := MakeKey(sub)

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byKey[key]
	if !ok {
		return
	}
	rec.ErrCount++
	rec.Status = StatusFailed
	rec.LastError = errs.New("subscription-registry", errs.KindSubscription, errs.CodeNetworkError,
		errs.WithRetryable(retryable), errs.WithCause(cause))
}
