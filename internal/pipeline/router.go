// Router stage (§4.6): compiles rules into a priority-descending list,
// evaluates them under a strategy, and caches the resolved target set.
// Condition/rule shape is grounded on internal/dispatcher/table.go's
// FilterRule/resolvePath/operator idiom in the reference gateway (there a
// flat eq/neq/in/prefix rule list gating a single canonical type route;
// here generalized into the spec's tagged EXACT/PATTERN/PREDICATE/COMPOSITE
// condition variants and FIRST_MATCH/ALL_MATCHES/PRIORITY_BASED
// strategies). The rule list itself is swapped atomically, grounded on
// table.go's atomic.Int64 version counter.
package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/errs"
	"github.com/coachpo/meltica-ingest/internal/record"
)

// ConditionKind tags the closed set of router condition variants. Only
// registered predicate ids (never arbitrary scripts) are accepted for
// PREDICATE, per §9's redesign of the source's dynamic-typed conditions.
type ConditionKind string

const (
	ConditionExact     ConditionKind = "EXACT"
	ConditionPattern   ConditionKind = "PATTERN"
	ConditionPredicate ConditionKind = "PREDICATE"
	ConditionComposite ConditionKind = "COMPOSITE"
)

// CompositeOp is the boolean combinator for COMPOSITE conditions.
type CompositeOp string

const (
	CompositeAnd CompositeOp = "AND"
	CompositeOr  CompositeOp = "OR"
)

// RegisteredPredicate is a named, pre-compiled predicate function. Router
// rules reference predicates by id; the id->func table is built once at
// startup and is the only way to introduce PREDICATE logic.
type RegisteredPredicate func(env *record.Envelope) bool

// Condition is a tagged variant; exactly one of the kind-specific fields is
// populated depending on Kind.
type Condition struct {
	Kind ConditionKind

	// EXACT
	Field string
	Value any   // single value
	Set   []any // or a set (value ∈ Set)

	// PATTERN
	Regex *regexp.Regexp // compiled once at rule-install time

	// PREDICATE
	PredicateID string

	// COMPOSITE
	Op         CompositeOp
	Conditions []Condition
}

// TargetKind enumerates routing destinations.
type TargetKind string

const (
	TargetTopic    TargetKind = "TOPIC"
	TargetChannel  TargetKind = "CHANNEL"
	TargetPipeline TargetKind = "PIPELINE"
	TargetFn       TargetKind = "FN"
)

// Target is a routing destination, optionally transformed.
type Target struct {
	Kind        TargetKind
	Destination []string // single-element for a non-fanout target
	Transform   func(env *record.Envelope) *record.Envelope
}

// Rule is a (condition, target, priority) triple (§3).
type Rule struct {
	ID        string
	Name      string
	Enabled   bool
	Priority  int
	Condition Condition
	Target    Target
	Metadata  map[string]string
}

// Strategy selects how many matches are collected.
type Strategy string

const (
	StrategyFirstMatch    Strategy = "FIRST_MATCH"
	StrategyAllMatches    Strategy = "ALL_MATCHES"
	StrategyPriorityBased Strategy = "PRIORITY_BASED"
)

// RouterConfig configures the router stage (§6).
type RouterConfig struct {
	Rules             []Rule
	DefaultTarget     *Target
	EnableFallback    bool
	FallbackTarget    *Target
	RoutingStrategy   Strategy
	EnableCaching     bool
	CacheSize         int
	CacheTTL          time.Duration
	EnableDuplication bool
}

// routeResult is what the cache stores: the resolved targets plus the
// names of rules that matched, for observability.
type routeResult struct {
	Targets      []Target
	AppliedRules []string
}

// Router evaluates prioritized routing rules and produces a destination set
// per record.
type Router struct {
	*Base

	clk        clock.Clock
	predicates map[string]RegisteredPredicate
	cache      *lruCache

	rules atomic.Pointer[[]Rule]
	cfg   atomic.Pointer[RouterConfig]
}

// NewRouter constructs the router stage with the given registered predicate
// table (id -> func, the only way PREDICATE conditions are evaluated).
func NewRouter(clk clock.Clock, predicates map[string]RegisteredPredicate) *Router {
	if clk == nil {
		clk = clock.New()
	}
	r := &Router{clk: clk, predicates: predicates}
	r.Base = NewBase("router", clk, r.doProcess)
	empty := []Rule{}
	r.rules.Store(&empty)
	r.cfg.Store(&RouterConfig{})
	return r
}

// Compile installs cfg, sorting Rules into priority-descending order and
// swapping the whole list atomically so concurrent Route calls never see a
// partially-updated rule set.
func (r *Router) Compile(cfg RouterConfig) {
	sorted := append([]Rule(nil), cfg.Rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	r.rules.Store(&sorted)
	r.cfg.Store(&cfg)

	if cfg.EnableCaching {
		r.cache = newLRUCache(cfg.CacheSize, cfg.CacheTTL, r.clk)
	} else {
		r.cache = nil
	}
}

func (r *Router) doProcess(_ context.Context, env *record.Envelope) (*record.Envelope, error) {
	cfg := r.cfg.Load()
	key := fmt.Sprintf("%s|%s|%s", env.Record.Exchange, env.Record.Symbol, env.Record.DataType)

	if r.cache != nil {
		if cached, ok := r.cache.get(key); ok {
			return r.applyTargets(env, cached.Targets)
		}
	}

	result := r.route(env, cfg)

	if r.cache != nil {
		r.cache.put(key, result)
	}
	return r.applyTargets(env, result.Targets)
}

// route evaluates the compiled rule list under the configured strategy,
// falling back to DefaultTarget/FallbackTarget when nothing matches.
func (r *Router) route(env *record.Envelope, cfg *RouterConfig) routeResult {
	rules := *r.rules.Load()
	var result routeResult

	switch cfg.RoutingStrategy {
	case StrategyAllMatches:
		for _, rule := range rules {
			if !rule.Enabled {
				continue
			}
			if r.matches(rule.Condition, env) {
				result.Targets = append(result.Targets, rule.Target)
				result.AppliedRules = append(result.AppliedRules, rule.Name)
			}
		}
	case StrategyPriorityBased:
		highest := -1
		for _, rule := range rules {
			if !rule.Enabled || !r.matches(rule.Condition, env) {
				continue
			}
			if highest == -1 {
				highest = rule.Priority
			}
			if rule.Priority < highest {
				break // rules are priority-descending; nothing lower ties the top level
			}
			result.Targets = append(result.Targets, rule.Target)
			result.AppliedRules = append(result.AppliedRules, rule.Name)
		}
	default: // StrategyFirstMatch
		for _, rule := range rules {
			if !rule.Enabled {
				continue
			}
			if r.matches(rule.Condition, env) {
				result.Targets = []Target{rule.Target}
				result.AppliedRules = []string{rule.Name}
				break
			}
		}
	}

	if len(result.Targets) == 0 {
		if cfg.DefaultTarget != nil {
			result.Targets = []Target{*cfg.DefaultTarget}
		} else if cfg.EnableFallback && cfg.FallbackTarget != nil {
			result.Targets = []Target{*cfg.FallbackTarget}
		}
	}
	return result
}

// matches evaluates a condition tree. Condition evaluation is required to
// be side-effect-free; a PREDICATE referencing an unregistered id, or a
// panic recovered from a predicate, counts as a non-match rather than
// aborting evaluation of the remaining rules. Such failures are neither
// logged nor counted.
func (r *Router) matches(c Condition, env *record.Envelope) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			matched = false
		}
	}()

	switch c.Kind {
	case ConditionExact:
		value := fieldValue(c.Field, env)
		if c.Set != nil {
			for _, v := range c.Set {
				if fmt.Sprint(value) == fmt.Sprint(v) {
					return true
				}
			}
			return false
		}
		return fmt.Sprint(value) == fmt.Sprint(c.Value)
	case ConditionPattern:
		if c.Regex == nil {
			return false
		}
		value := fmt.Sprint(fieldValue(c.Field, env))
		return c.Regex.MatchString(value)
	case ConditionPredicate:
		fn, ok := r.predicates[c.PredicateID]
		if !ok {
			return false
		}
		return fn(env)
	case ConditionComposite:
		if c.Op == CompositeOr {
			for _, sub := range c.Conditions {
				if r.matches(sub, env) {
					return true
				}
			}
			return false
		}
		for _, sub := range c.Conditions {
			if !r.matches(sub, env) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// fieldValue resolves a field name against the envelope's record
// (exchange, symbol, data type) and, for any other name, its Attributes
// map, grounded on table.go's resolvePath but closed over the envelope's
// known field set instead of an arbitrary map. Dotted paths are not split.
func fieldValue(field string, env *record.Envelope) any {
	switch strings.ToLower(field) {
	case "exchange":
		return env.Record.Exchange
	case "symbol":
		return env.Record.Symbol
	case "type", "data-type", "datatype":
		return string(env.Record.DataType)
	default:
		if v, ok := env.Attributes[field]; ok {
			return v
		}
		return nil
	}
}

// applyTargets fans out per EnableDuplication: when on, it returns one
// clone of the envelope (with its own Attributes and RoutingKeys storage)
// whose RoutingKeys list every target's destinations; no separate copy is
// made per target. Otherwise the input envelope itself carries
// routing-keys[] for the next stage to fan out on.
func (r *Router) applyTargets(env *record.Envelope, targets []Target) (*record.Envelope, error) {
	cfg := r.cfg.Load()
	if len(targets) == 0 {
		return nil, nil
	}
	if !cfg.EnableDuplication {
		keys := make([]string, 0, len(targets))
		for _, t := range targets {
			keys = append(keys, t.Destination...)
		}
		env.Metadata.RoutingKeys = keys
		return env, nil
	}
	// Duplication mode: Process returns a single envelope, so the router
	// returns one clone carrying every destination in RoutingKeys; the
	// output stage publishes that clone once per key.
	keys := make([]string, 0, len(targets))
	for _, t := range targets {
		keys = append(keys, t.Destination...)
	}
	clone := env.Clone(env.EnvelopeID)
	clone.Metadata.RoutingKeys = keys
	return &clone, nil
}

// NewValidRegexCondition compiles a PATTERN condition once at rule-install
// time, per §4.6's "PATTERN regex is compiled once" contract, and wraps a
// malformed pattern as an error so the caller (rule admin surface) rejects
// it up front instead of failing silently at evaluation time.
func NewValidRegexCondition(field, pattern string) (Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Condition{}, errs.New("router", errs.KindValidation, errs.CodeValidationFailed,
			errs.WithMessage(fmt.Sprintf("invalid PATTERN regex %q: %v", pattern, err)), errs.WithCause(err))
	}
	return Condition{Kind: ConditionPattern, Field: field, Regex: re}, nil
}
