// Package pubsub specifies the external publish contract (§6) the pipeline's
// output stage delegates to. The concrete client implementation is, per
// §1's Non-goals, an external collaborator; only the interface lives here,
// grounded on the Bus/Publish idiom of internal/bus/databus/bus.go in the
// reference gateway (there a single-event Publish over an in-process
// channel bus; here generalized to an injected external client with both a
// single-message and a batch form, per the spec's downstream contract).
package pubsub

import (
	"context"
	"strconv"
	"time"
)

// PublishOptions carries per-message attributes required by §6: exchange,
// symbol, type, timestamp (ms string), source, processedAt (ms string).
type PublishOptions struct {
	Attributes map[string]string
}

// Ack is returned by a successful single Publish.
type Ack struct {
	MessageID string
	PublishedAt time.Time
}

// BatchItem is one message in a PublishBatch call.
type BatchItem struct {
	ID      string
	Payload []byte
	Options PublishOptions
}

// BatchResult reports the outcome of a batch publish, which may partially
// succeed (§7: Publish errors are retryable per the injected publisher's
// own semantics; batch publish may partially succeed).
type BatchResult struct {
	SuccessCount int
	FailureCount int
	FailedIDs    []string
	PublishTime  time.Duration
}

// Publisher is the injected downstream pub/sub client contract (§6). Topic
// names are opaque to the core; the default naming convention is
// {prefix}-market-data-{exchange}, applied by the caller, not by Publisher
// itself.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) (Ack, error)
	PublishBatch(ctx context.Context, topic string, items []BatchItem) (BatchResult, error)
}

// DefaultTopic returns the default topic naming convention from §6.
func DefaultTopic(prefix, exchange string) string {
	return prefix + "-market-data-" + exchange
}

// RequiredAttributes builds the per-message attribute set §6 mandates:
// exchange, symbol, type, timestamp (ms string), source, processedAt (ms
// string).
func RequiredAttributes(exchange, symbol, dataType, source string, eventTime, processedAt time.Time) map[string]string {
	return map[string]string{
		"exchange":    exchange,
		"symbol":      symbol,
		"type":        dataType,
		"timestamp":   msString(eventTime),
		"source":      source,
		"processedAt": msString(processedAt),
	}
}

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
