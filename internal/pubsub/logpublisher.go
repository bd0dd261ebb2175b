package pubsub

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// LogPublisher is a minimal Publisher that logs every publish instead of
// delivering it anywhere. The spec leaves the concrete downstream client out
// of scope; this exists only so cmd/ingestd has something to inject when no
// external client is configured, not as a production publisher.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher constructs a LogPublisher writing through logger.
func NewLogPublisher(logger *log.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, payload []byte, opts PublishOptions) (Ack, error) {
	p.logger.Printf("publish topic=%s bytes=%d attrs=%v", topic, len(payload), opts.Attributes)
	return Ack{MessageID: uuid.NewString()}, nil
}

func (p *LogPublisher) PublishBatch(_ context.Context, topic string, items []BatchItem) (BatchResult, error) {
	for _, item := range items {
		p.logger.Printf("publish batch topic=%s id=%s bytes=%d", topic, item.ID, len(item.Payload))
	}
	return BatchResult{SuccessCount: len(items)}, nil
}
