package subscription

import (
	"testing"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/codec"
)

type staticPicker struct{ id string }

func (p staticPicker) PickConnection(string) (string, error) { return p.id, nil }

func newTestRegistry(max int) *Registry {
	return New(Config{MaxSubscriptions: max}, clock.NewFake(time.Unix(0, 0)), staticPicker{id: "conn-1"})
}

func TestSubscribeIdempotentOnExistingKey(t *testing.T) {
	r := newTestRegistry(0)
	sub := codec.Subscription{Symbol: "BTCUSDT", DataType: codec.DataTypeTrade}

	res1, err := r.Subscribe([]codec.Subscription{sub})
	if err != nil || len(res1.Successful) != 1 {
		t.Fatalf("first subscribe: res=%+v err=%v", res1, err)
	}

	res2, err := r.Subscribe([]codec.Subscription{sub})
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if len(res2.Successful) != 0 || len(res2.Existing) != 1 {
		t.Fatalf("expected idempotent existing result, got %+v", res2)
	}
	if got := r.Stats().Total; got != 1 {
		t.Fatalf("active count changed: got %d, want 1", got)
	}
}

func TestSubscribeBatchOverflowRefusedWhole(t *testing.T) {
	r := newTestRegistry(2)
	subs := []codec.Subscription{
		{Symbol: "BTCUSDT", DataType: codec.DataTypeTrade},
		{Symbol: "ETHUSDT", DataType: codec.DataTypeTrade},
		{Symbol: "BNBUSDT", DataType: codec.DataTypeTrade},
	}
	_, err := r.Subscribe(subs)
	if err == nil {
		t.Fatal("expected overflow error")
	}
	if got := r.Stats().Total; got != 0 {
		t.Fatalf("active count should be unchanged on overflow, got %d", got)
	}
}

func TestUnsubscribeRemovesFromIndices(t *testing.T) {
	r := newTestRegistry(0)
	sub := codec.Subscription{Symbol: "BTCUSDT", DataType: codec.DataTypeTrade}
	if _, err := r.Subscribe([]codec.Subscription{sub}); err != nil {
		t.Fatal(err)
	}
	res := r.Unsubscribe([]codec.Subscription{sub})
	if len(res.Removed) != 1 {
		t.Fatalf("expected 1 removed, got %+v", res)
	}
	if r.Has(sub) {
		t.Fatal("expected subscription to be gone")
	}
}

func TestMigrateMovesConnectionIndex(t *testing.T) {
	r := newTestRegistry(0)
	sub := codec.Subscription{Symbol: "BTCUSDT", DataType: codec.DataTypeTrade}
	if _, err := r.Subscribe([]codec.Subscription{sub}); err != nil {
		t.Fatal(err)
	}
	if err := r.Migrate("conn-1", "conn-2"); err != nil {
		t.Fatal(err)
	}
	recs := r.ByConnection("conn-2")
	if len(recs) != 1 {
		t.Fatalf("expected subscription on conn-2, got %+v", recs)
	}
	if len(r.ByConnection("conn-1")) != 0 {
		t.Fatal("expected conn-1 index to be empty after migrate")
	}
}

func TestHandleStreamDataUnmatchedIsSilentlyDropped(t *testing.T) {
	r := newTestRegistry(0)
	rec, ok := r.HandleStreamData("ethusdt@trade", "conn-1")
	if ok {
		t.Fatalf("expected no match for unsubscribed stream, got %+v", rec)
	}
}

func TestHandleStreamDataTransitionsPendingToActive(t *testing.T) {
	r := newTestRegistry(0)
	sub := codec.Subscription{Symbol: "BTCUSDT", DataType: codec.DataTypeTrade}
	if _, err := r.Subscribe([]codec.Subscription{sub}); err != nil {
		t.Fatal(err)
	}
	rec, ok := r.HandleStreamData("btcusdt@trade", "conn-1")
	if !ok {
		t.Fatal("expected match")
	}
	if rec.Status != StatusActive || rec.MsgCount != 1 {
		t.Fatalf("unexpected record state: %+v", rec)
	}
}
