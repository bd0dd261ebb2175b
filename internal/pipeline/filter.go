package pipeline

import (
	"context"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// Predicate is a pure, side-effect-free envelope predicate.
type Predicate func(env *record.Envelope) bool

// NewFilterStage builds a Filter stage: a pure predicate that returns the
// envelope unchanged when it admits it, or nil (drop) otherwise.
func NewFilterStage(name string, clk clock.Clock, pred Predicate) *Base {
	if clk == nil {
		clk = clock.New()
	}
	return NewBase(name, clk, func(_ context.Context, env *record.Envelope) (*record.Envelope, error) {
		if pred(env) {
			return env, nil
		}
		return nil, nil
	})
}
