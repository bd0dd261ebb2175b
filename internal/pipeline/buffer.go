// Buffer stage (§4.7): per-partition bounded queues with size/age/periodic
// flush triggers and a back-pressure policy. The partitioned-queue idiom
// has no direct teacher analogue (the reference gateway batches via a
// fixed event-bus fan-out, not a partitioned buffer); this is grounded on
// the pack's shared concurrency idioms instead — per-partition locking
// mirrors SubscriptionManager's per-component mutex discipline
// (internal/infra/adapters/shared/subscription_manager.go), and the
// drop-oldest-on-full-queue semantics mirror
// internal/infra/bus/eventbus/memory.go's deliverWithRecycle.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// BackpressureStrategy enumerates the buffer's overflow policy.
type BackpressureStrategy string

const (
	BackpressureBlock BackpressureStrategy = "BLOCK"
	BackpressureDrop  BackpressureStrategy = "DROP"
	BackpressureSpill BackpressureStrategy = "SPILL"
)

// PartitionFunc derives a partition key from an envelope.
type PartitionFunc func(env *record.Envelope) string

// PartitionByExchange, PartitionByExchangeSymbol, and
// PartitionByExchangeDataType are the built-in partition functions named in
// §4.7; PartitionByExchangeSymbol is the default.
func PartitionByExchange(env *record.Envelope) string { return env.Record.Exchange }

func PartitionByExchangeSymbol(env *record.Envelope) string {
	return env.Record.Exchange + ":" + env.Record.Symbol
}

func PartitionByExchangeDataType(env *record.Envelope) string {
	return env.Record.Exchange + ":" + string(env.Record.DataType)
}

// SpillSink receives items evicted under the SPILL policy.
type SpillSink func(items []*record.Envelope)

// FlushSink receives a partition's drained queue on flush.
type FlushSink func(partitionKey string, items []*record.Envelope)

// BufferConfig configures the buffer stage (§6).
type BufferConfig struct {
	MaxSize               int
	MaxAge                time.Duration
	FlushInterval         time.Duration
	BackpressureThreshold float64 // ∈ [0,1]
	PartitionBy           PartitionFunc
	Strategy              BackpressureStrategy
	Spill                 SpillSink
}

type partition struct {
	mu         sync.Mutex
	items      []*record.Envelope
	queuedAt   []time.Time
	lastFlush  time.Time
	flushing   bool
}

// Buffer implements the partitioned buffer stage.
type Buffer struct {
	*Base

	clk  clock.Clock
	cfg  BufferConfig
	sink FlushSink

	mu         sync.RWMutex
	partitions map[string]*partition

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBuffer constructs the buffer stage. sink is invoked on every flush,
// once per partition, with that partition's drained queue.
func NewBuffer(clk clock.Clock, cfg BufferConfig, sink FlushSink) *Buffer {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.PartitionBy == nil {
		cfg.PartitionBy = PartitionByExchangeSymbol
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	b := &Buffer{
		clk:        clk,
		cfg:        cfg,
		sink:       sink,
		partitions: make(map[string]*partition),
	}
	b.Base = NewBase("buffer", clk, b.doProcess)
	return b
}

// Start launches the periodic sweep goroutine; interval = min(flushInterval, 1s).
func (b *Buffer) Start(ctx context.Context) {
	sweep := b.cfg.FlushInterval
	if sweep > time.Second {
		sweep = time.Second
	}
	ticker := b.clk.NewTicker(sweep)
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C():
				b.sweepAll()
			}
		}
	}()
}

// Stop halts the sweep goroutine.
func (b *Buffer) Stop() {
	if b.stopCh != nil {
		close(b.stopCh)
	}
	b.wg.Wait()
}

// doProcess enqueues the envelope into its partition, applying back-pressure
// and flush-trigger checks. The buffer stage always returns nil from
// Process because delivery happens asynchronously on flush, never on the
// producing call.
func (b *Buffer) doProcess(ctx context.Context, env *record.Envelope) (*record.Envelope, error) {
	key := b.cfg.PartitionBy(env)
	p := b.getOrCreatePartition(key)

	if strat := b.cfg.Strategy; strat != "" {
		for b.pressure() >= b.cfg.BackpressureThreshold && b.cfg.BackpressureThreshold > 0 {
			switch strat {
			case BackpressureBlock:
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-b.clk.After(5 * time.Millisecond):
				}
				continue
			case BackpressureDrop:
				b.dropOldest(p)
			case BackpressureSpill:
				b.spillOldest(p)
			}
			break
		}
	}

	p.mu.Lock()
	p.items = append(p.items, env)
	p.queuedAt = append(p.queuedAt, b.clk.Now())
	shouldFlush := len(p.items) >= b.cfg.MaxSize ||
		(b.cfg.MaxAge > 0 && len(p.queuedAt) > 0 && b.clk.Now().Sub(p.queuedAt[0]) >= b.cfg.MaxAge)
	p.mu.Unlock()

	if shouldFlush {
		b.flush(key, p)
	}
	return nil, nil
}

func (b *Buffer) getOrCreatePartition(key string) *partition {
	b.mu.RLock()
	p, ok := b.partitions[key]
	b.mu.RUnlock()
	if ok {
		return p
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.partitions[key]; ok {
		return p
	}
	p = &partition{lastFlush: b.clk.Now()}
	b.partitions[key] = p
	return p
}

// pressure implements §4.7's formula, resolved per §9's Open Question:
// totalSize / (maxSize * partitionCount), defined as 0 when partitionCount
// is 0 (no partitions exist yet, so there can be no pressure).
func (b *Buffer) pressure() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.partitions)
	if count == 0 || b.cfg.MaxSize == 0 {
		return 0
	}
	total := 0
	for _, p := range b.partitions {
		p.mu.Lock()
		total += len(p.items)
		p.mu.Unlock()
	}
	return float64(total) / float64(b.cfg.MaxSize*count)
}

// dropOldest implements DROP's "drop-oldest semantics on queue overflow":
// the oldest item is ejected to make room for the incoming one.
func (b *Buffer) dropOldest(p *partition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return
	}
	p.items = p.items[1:]
	p.queuedAt = p.queuedAt[1:]
}

func (b *Buffer) spillOldest(p *partition) {
	p.mu.Lock()
	if len(p.items) == 0 {
		p.mu.Unlock()
		return
	}
	spilled := p.items[:1]
	p.items = p.items[1:]
	p.queuedAt = p.queuedAt[1:]
	p.mu.Unlock()
	if b.cfg.Spill != nil {
		b.cfg.Spill(spilled)
	}
}

// flush drains p via an atomic swap with a fresh queue and hands the
// drained slice to the sink. At most one flush per partition is in flight.
func (b *Buffer) flush(key string, p *partition) {
	p.mu.Lock()
	if p.flushing || len(p.items) == 0 {
		p.mu.Unlock()
		return
	}
	p.flushing = true
	drained := p.items
	p.items = nil
	p.queuedAt = nil
	p.lastFlush = b.clk.Now()
	p.mu.Unlock()

	if b.sink != nil {
		b.sink(key, drained)
	}

	p.mu.Lock()
	p.flushing = false
	p.mu.Unlock()
}

// sweepAll runs the periodic flush-interval trigger across every partition.
func (b *Buffer) sweepAll() {
	b.mu.RLock()
	snapshot := make(map[string]*partition, len(b.partitions))
	for k, p := range b.partitions {
		snapshot[k] = p
	}
	b.mu.RUnlock()

	now := b.clk.Now()
	for key, p := range snapshot {
		p.mu.Lock()
		due := now.Sub(p.lastFlush) >= b.cfg.FlushInterval && len(p.items) > 0
		p.mu.Unlock()
		if due {
			b.flush(key, p)
		}
	}
}
