package pipeline

import (
	"context"
	"strings"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// PayloadNormalizer performs type-safe, exchange-specific payload
// normalization; injected so the Transform stage stays exchange-agnostic.
type PayloadNormalizer func(env *record.Envelope) error

// NewTransformStage builds the Transform stage: normalizes exchange to
// lowercase, symbol to uppercase, stamps receivedAt, and delegates any
// further payload normalization to the injected fn (may be nil).
func NewTransformStage(clk clock.Clock, normalize PayloadNormalizer) *Base {
	if clk == nil {
		clk = clock.New()
	}
	return NewBase("transform", clk, func(_ context.Context, env *record.Envelope) (*record.Envelope, error) {
		env.Record.Exchange = strings.ToLower(env.Record.Exchange)
		env.Record.Symbol = strings.ToUpper(env.Record.Symbol)
		env.Record.ReceivedTime = clk.Now()
		env.Metadata.Exchange = env.Record.Exchange
		env.Metadata.Symbol = env.Record.Symbol
		env.Metadata.DataType = env.Record.DataType

		if normalize != nil {
			if err := normalize(env); err != nil {
				return nil, err
			}
		}
		return env, nil
	})
}
