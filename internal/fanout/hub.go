package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/pipeline"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// Hub maintains the set of connected clients and fans out market records to
// the subset whose session admits them, grounded on
// pkg/websocket/hub.go's register/unregister/broadcast select loop,
// generalized from broadcast-to-all to per-client subscription/filter/
// rate-limit admission (§4.9).
type Hub struct {
	clk clock.Clock

	register   chan *Client
	unregister chan *Client
	dispatch   chan record.MarketRecord

	mu      sync.RWMutex
	clients map[string]*Client

	dropped uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub constructs a hub with no clients registered. Run must be called to
// start the broadcaster goroutine.
func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clk:        clk,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		dispatch:   make(chan record.MarketRecord, 1024),
		clients:    make(map[string]*Client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run is the hub's select loop: register/unregister clients and fan out
// dispatched records until Shutdown is called.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.Session.ClientID] = c
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.Session.ClientID]; ok {
				delete(h.clients, c.Session.ClientID)
				close(c.send)
			}
			h.mu.Unlock()
		case rec := <-h.dispatch:
			h.fanOut(rec)
		}
	}
}

// fanOut applies each registered client's Session.ShouldSend and writes the
// encoded market-data frame onto that client's send buffer. A full client
// buffer drops the record for that client only; it never blocks the shared
// broadcaster goroutine.
func (h *Hub) fanOut(rec record.MarketRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var frame []byte
	for _, c := range h.clients {
		if !c.Session.ShouldSend(rec) {
			continue
		}
		if frame == nil {
			encoded, err := encodeMarketDataFrame(rec)
			if err != nil {
				return
			}
			frame = encoded
		}
		select {
		case c.send <- frame:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Register enqueues c for addition to the client set.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
	}
}

// Unregister enqueues c for removal from the client set.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Dispatch enqueues rec for fan-out. A full dispatch queue drops the record
// and increments the drop counter rather than blocking the producer.
func (h *Hub) Dispatch(rec record.MarketRecord) {
	select {
	case h.dispatch <- rec:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
}

// AsFlushSink adapts the hub into a pipeline.FlushSink, so a partitioned
// buffer stage can deliver flushed envelopes straight to connected clients
// as the fan-out server's "shared broadcaster goroutine reading from the
// pipeline's output" (§5).
func (h *Hub) AsFlushSink() pipeline.FlushSink {
	return func(_ string, items []*record.Envelope) {
		for _, env := range items {
			if env == nil {
				continue
			}
			h.Dispatch(env.Record)
		}
	}
}

// DroppedCount reports the cumulative number of records dropped either
// because the shared dispatch queue or a client's send buffer was full.
func (h *Hub) DroppedCount() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// ClientCount reports the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops the broadcaster goroutine and closes every client
// connection, waiting for Run to return.
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.Lock()
	for _, c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
