// Output stage: the terminal pipeline stage, publishing each envelope (or a
// partitioned batch handed off from the buffer stage's FlushSink) through an
// injected pubsub.Publisher. Grounded on internal/conductor/forwarder.go's
// publish-with-retry idiom in the reference gateway, adapted from its
// single in-process bus Publish call to the spec's external two-method
// (single + batch) downstream contract.
package pipeline

import (
	"context"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/errs"
	"github.com/coachpo/meltica-ingest/internal/pubsub"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// TopicFunc derives the publish topic for an envelope; defaults to §6's
// {prefix}-market-data-{exchange} convention via pubsub.DefaultTopic.
type TopicFunc func(env *record.Envelope) string

// Encoder serializes an envelope's record payload to wire bytes.
type Encoder func(env *record.Envelope) ([]byte, error)

// OutputConfig configures the Output stage.
type OutputConfig struct {
	SourceID string
	Topic    TopicFunc
	Encode   Encoder
}

// NewOutputStage builds the terminal Output stage: encodes the envelope,
// derives its topic and required attributes, and calls publisher.Publish.
// A nil envelope (already dropped upstream) never reaches doProcess because
// the orchestrator skips stages on a nil hand-off.
func NewOutputStage(clk clock.Clock, publisher pubsub.Publisher, cfg OutputConfig) *Base {
	if clk == nil {
		clk = clock.New()
	}
	topicFn := cfg.Topic
	if topicFn == nil {
		topicFn = func(env *record.Envelope) string { return pubsub.DefaultTopic("ingest", env.Record.Exchange) }
	}
	return NewBase("output", clk, func(ctx context.Context, env *record.Envelope) (*record.Envelope, error) {
		payload, err := cfg.Encode(env)
		if err != nil {
			return nil, errs.New("output", errs.KindPublish, errs.CodePublishFailed,
				errs.WithMessage("failed to encode envelope for publish"), errs.WithCause(err))
		}

		opts := pubsub.PublishOptions{
			Attributes: pubsub.RequiredAttributes(
				env.Record.Exchange, env.Record.Symbol, string(env.Record.DataType),
				cfg.SourceID, env.Record.EventTime, clk.Now(),
			),
		}

		keys := env.Metadata.RoutingKeys
		if len(keys) == 0 {
			keys = []string{topicFn(env)}
		}

		var lastAck pubsub.Ack
		for _, topic := range keys {
			ack, err := publisher.Publish(ctx, topic, payload, opts)
			if err != nil {
				return nil, errs.New("output", errs.KindPublish, errs.CodePublishFailed,
					errs.WithMessage("publish to "+topic+" failed"), errs.WithCause(err), errs.WithRetryable(true))
			}
			lastAck = ack
		}
		env.ProcessedAt = clk.Now()
		env.Attributes = withAttribute(env.Attributes, "publishedMessageID", lastAck.MessageID)
		return env, nil
	})
}

// NewBatchPublishSink builds a buffer FlushSink (§4.7) that hands a
// partition's drained envelopes to publisher.PublishBatch as a single call,
// grounded on the same §6 downstream contract as NewOutputStage.
func NewBatchPublishSink(clk clock.Clock, publisher pubsub.Publisher, cfg OutputConfig, onResult func(partitionKey string, result pubsub.BatchResult, err error)) FlushSink {
	if clk == nil {
		clk = clock.New()
	}
	topicFn := cfg.Topic
	if topicFn == nil {
		topicFn = func(env *record.Envelope) string { return pubsub.DefaultTopic("ingest", env.Record.Exchange) }
	}
	return func(partitionKey string, items []*record.Envelope) {
		if len(items) == 0 {
			return
		}
		topic := topicFn(items[0])
		batch := make([]pubsub.BatchItem, 0, len(items))
		for _, env := range items {
			payload, err := cfg.Encode(env)
			if err != nil {
				if onResult != nil {
					onResult(partitionKey, pubsub.BatchResult{}, err)
				}
				return
			}
			batch = append(batch, pubsub.BatchItem{
				ID:      env.EnvelopeID,
				Payload: payload,
				Options: pubsub.PublishOptions{
					Attributes: pubsub.RequiredAttributes(
						env.Record.Exchange, env.Record.Symbol, string(env.Record.DataType),
						cfg.SourceID, env.Record.EventTime, clk.Now(),
					),
				},
			})
		}
		start := clk.Now()
		result, err := publisher.PublishBatch(context.Background(), topic, batch)
		result.PublishTime = clk.Now().Sub(start)
		if onResult != nil {
			onResult(partitionKey, result, err)
		}
	}
}

func withAttribute(attrs map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[key] = value
	return out
}
