package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/errs"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// MaxFutureSkew and MaxPastSkew bound acceptable event-time clock skew
// (§4.5, §8 boundaries): accepts at exactly the bound, rejects one
// millisecond past it.
const (
	MaxFutureSkew = 60 * time.Second
	MaxPastSkew   = 300 * time.Second
)

// NewValidateStage builds the Validate stage: fails with ValidationError if
// required fields are absent or eventTime falls outside
// [now-MaxPastSkew, now+MaxFutureSkew].
func NewValidateStage(clk clock.Clock) *Base {
	if clk == nil {
		clk = clock.New()
	}
	return NewBase("validate", clk, func(_ context.Context, env *record.Envelope) (*record.Envelope, error) {
		if env.Record.Exchange == "" || env.Record.Symbol == "" || env.Record.DataType == "" {
			return nil, errs.New("validate", errs.KindValidation, errs.CodeValidationFailed,
				errs.WithMessage("required field missing from market record"))
		}
		now := clk.Now()
		skew := env.Record.EventTime.Sub(now)
		if skew > MaxFutureSkew {
			return nil, errs.New("validate", errs.KindValidation, errs.CodeValidationFailed,
				errs.WithMessage(fmt.Sprintf("eventTime %s is %s ahead of now, exceeds %s", env.Record.EventTime, skew, MaxFutureSkew)))
		}
		if skew < -MaxPastSkew {
			return nil, errs.New("validate", errs.KindValidation, errs.CodeValidationFailed,
				errs.WithMessage(fmt.Sprintf("eventTime %s is %s behind now, exceeds %s", env.Record.EventTime, -skew, MaxPastSkew)))
		}
		return env, nil
	})
}
