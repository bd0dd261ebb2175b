package fanout

import (
	"testing"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// newTestClient builds a Client with no real websocket.Conn, sufficient for
// exercising Hub.fanOut's send-to-session logic directly (fanOut only reads
// c.Session and writes to c.send).
func newTestClient(clientID string) *Client {
	return &Client{
		send:    make(chan []byte, 8),
		Session: NewSession(clientID, clock.NewFake(time.Unix(0, 0)), nil),
	}
}

func TestHubFanOutDeliversOnlyToMatchingClients(t *testing.T) {
	h := NewHub(clock.NewFake(time.Unix(0, 0)))
	subscribed := newTestClient("sub")
	subscribed.Session.Subscribe("BTCUSDT", record.DataTypeTrade)
	unrelated := newTestClient("unrelated")

	h.mu.Lock()
	h.clients[subscribed.Session.ClientID] = subscribed
	h.clients[unrelated.Session.ClientID] = unrelated
	h.mu.Unlock()

	h.fanOut(record.MarketRecord{Symbol: "BTCUSDT", DataType: record.DataTypeTrade})

	select {
	case <-subscribed.send:
	default:
		t.Fatal("expected the subscribed client to receive a frame")
	}
	select {
	case <-unrelated.send:
		t.Fatal("expected the unrelated client to receive nothing")
	default:
	}
}

func TestHubAsFlushSinkDispatchesEachEnvelopeRecord(t *testing.T) {
	h := NewHub(clock.NewFake(time.Unix(0, 0)))
	sink := h.AsFlushSink()
	sink("partition-1", []*record.Envelope{
		{Record: record.MarketRecord{Symbol: "BTCUSDT", DataType: record.DataTypeTrade}},
		nil,
		{Record: record.MarketRecord{Symbol: "ETHUSDT", DataType: record.DataTypeTrade}},
	})

	if len(h.dispatch) != 2 {
		t.Fatalf("expected 2 records enqueued for dispatch, got %d", len(h.dispatch))
	}
}

func TestHubDispatchDropsWhenQueueFull(t *testing.T) {
	h := &Hub{
		clk:      clock.NewFake(time.Unix(0, 0)),
		dispatch: make(chan record.MarketRecord, 1),
		clients:  make(map[string]*Client),
	}
	h.dispatch <- record.MarketRecord{}
	h.Dispatch(record.MarketRecord{Symbol: "OVERFLOW"})
	if h.DroppedCount() != 1 {
		t.Fatalf("expected 1 dropped record, got %d", h.DroppedCount())
	}
}
