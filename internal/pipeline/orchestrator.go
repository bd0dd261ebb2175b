// Pipeline orchestrator (§4.8): runs an ordered stage chain over each
// envelope, applying the configured error-handling strategy and tracking
// per-run stage latencies. No teacher analogue holds an ordered, dynamic
// stage chain (the reference gateway dispatches via a fixed type-keyed
// table, internal/dispatcher/table.go); the run loop here is grounded on
// that dispatcher's metrics/health bookkeeping style, generalized from a
// single dispatch step to a chain with per-stage retry and CONTINUE/
// FAIL_FAST/RETRY branching per the spec's own contract.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// ErrorStrategy selects the orchestrator's stage-failure handling.
type ErrorStrategy string

const (
	StrategyFailFast ErrorStrategy = "FAIL_FAST"
	StrategyContinue ErrorStrategy = "CONTINUE"
	StrategyRetry    ErrorStrategy = "RETRY"
)

// DeadLetterSink receives the input envelope of every stage call that ends
// in an error (under RETRY, after the retries are used up), whatever the
// error strategy, for out-of-band inspection.
type DeadLetterSink func(env *record.Envelope, stageName string, err error)

// OrchestratorConfig configures the stage chain's error handling (§6).
type OrchestratorConfig struct {
	ErrorHandling    ErrorStrategy
	MaxRetries       int
	RetryInterval    time.Duration
	OnRetryExhausted ErrorStrategy // secondary setting: FAIL_FAST or CONTINUE after RETRY is exhausted
	DeadLetterSink   DeadLetterSink
}

// RunResult captures one envelope's trip through the stage chain.
type RunResult struct {
	CorrelationID string
	Envelope      *record.Envelope // nil if dropped cleanly partway through
	StageLatencies map[string]time.Duration
	Errors        []error
	Warnings      []string
	Aborted       bool
}

// Orchestrator holds the ordered stage chain and runs envelopes through it.
type Orchestrator struct {
	clk    clock.Clock
	cfg    OrchestratorConfig
	stages []Stage

	// mu guards lastActivity/running: Run is called concurrently across
	// envelopes while IsHealthy/Stop may be read/written from a supervisor
	// goroutine at the same time.
	mu           sync.Mutex
	lastActivity time.Time
	running      bool
}

// NewOrchestrator constructs an orchestrator over the given ordered stage
// chain.
func NewOrchestrator(clk clock.Clock, stages []Stage, cfg OrchestratorConfig) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{clk: clk, cfg: cfg, stages: stages, running: true}
}

// Run executes every stage in order against env, applying the configured
// error strategy on stage failure. A stage returning (nil, nil) stops the
// chain cleanly (the envelope was dropped, not failed).
func (o *Orchestrator) Run(ctx context.Context, env *record.Envelope) RunResult {
	env.EnvelopeID = uuid.NewString()
	result := RunResult{
		CorrelationID:  uuid.NewString(),
		StageLatencies: make(map[string]time.Duration, len(o.stages)),
	}

	current := env
	for _, stage := range o.stages {
		if current == nil {
			break
		}
		start := o.clk.Now()
		out, err := o.runStageWithRetry(ctx, stage, current, &result)
		result.StageLatencies[stage.Name()] = o.clk.Now().Sub(start)

		if err != nil {
			result.Errors = append(result.Errors, err)
			if o.cfg.DeadLetterSink != nil {
				o.cfg.DeadLetterSink(current, stage.Name(), err)
			}
			if o.terminalStrategyIsFailFast() {
				result.Aborted = true
				break
			}
			// CONTINUE (or RETRY that fell back to CONTINUE): forward the
			// input envelope unmodified to the next stage.
			continue
		}
		current = out
	}

	result.Envelope = current
	o.mu.Lock()
	o.lastActivity = o.clk.Now()
	o.mu.Unlock()
	return result
}

// runStageWithRetry executes stage.Process, retrying up to cfg.MaxRetries
// times when ErrorHandling is RETRY, per §4.8 step 2.
func (o *Orchestrator) runStageWithRetry(ctx context.Context, stage Stage, env *record.Envelope, result *RunResult) (*record.Envelope, error) {
	out, err := stage.Process(ctx, env)
	if err == nil || o.cfg.ErrorHandling != StrategyRetry {
		return out, err
	}

	attempts := o.cfg.MaxRetries
	for i := 0; i < attempts; i++ {
		result.Warnings = append(result.Warnings, "retrying stage "+stage.Name())
		if o.cfg.RetryInterval > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-o.clk.After(o.cfg.RetryInterval):
			}
		}
		out, err = stage.Process(ctx, env)
		if err == nil {
			return out, nil
		}
	}
	return out, err
}

// terminalStrategyIsFailFast resolves whether a failed stage should abort
// the whole run, accounting for RETRY's secondary OnRetryExhausted setting.
func (o *Orchestrator) terminalStrategyIsFailFast() bool {
	switch o.cfg.ErrorHandling {
	case StrategyFailFast:
		return true
	case StrategyRetry:
		return o.cfg.OnRetryExhausted == StrategyFailFast
	default: // CONTINUE
		return false
	}
}

// pipelineStalenessWindow is the "recent activity" bound from §4.8: 1
// minute of quiet marks the pipeline unhealthy.
const pipelineStalenessWindow = time.Minute

// IsHealthy reports true iff the orchestrator is running, every stage
// reports healthy, and the pipeline has seen activity within the last
// minute.
func (o *Orchestrator) IsHealthy() bool {
	o.mu.Lock()
	running := o.running
	lastActivity := o.lastActivity
	o.mu.Unlock()

	if !running {
		return false
	}
	for _, stage := range o.stages {
		if !stage.IsHealthy() {
			return false
		}
	}
	if lastActivity.IsZero() {
		return true // nothing run yet; not unhealthy on start
	}
	return o.clk.Now().Sub(lastActivity) < pipelineStalenessWindow
}

// Stop marks the orchestrator as no longer running and destroys every
// stage in the chain.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	var firstErr error
	for _, stage := range o.stages {
		if err := stage.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
