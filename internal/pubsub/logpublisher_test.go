package pubsub

import (
	"context"
	"log"
	"testing"
)

func TestLogPublisherPublishReturnsAck(t *testing.T) {
	p := NewLogPublisher(log.Default())
	ack, err := p.Publish(context.Background(), "ingest-market-data-binance", []byte("{}"), PublishOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if ack.MessageID == "" {
		t.Fatal("expected a non-empty message id")
	}
}

func TestLogPublisherPublishBatchCountsAllItemsAsSuccess(t *testing.T) {
	p := NewLogPublisher(log.Default())
	items := []BatchItem{{ID: "1", Payload: []byte("a")}, {ID: "2", Payload: []byte("b")}}
	result, err := p.PublishBatch(context.Background(), "ingest-market-data-binance", items)
	if err != nil {
		t.Fatal(err)
	}
	if result.SuccessCount != len(items) {
		t.Fatalf("expected %d successes, got %d", len(items), result.SuccessCount)
	}
}
