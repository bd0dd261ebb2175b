// Package errs provides structured error types and helpers for the ingest
// service.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the broad error taxonomy a failure belongs to.
type Kind string

const (
	// KindConnection covers transport-level failures (dial, read, write, ping timeout).
	KindConnection Kind = "connection"
	// KindParsing covers malformed or unrecognized wire frames.
	KindParsing Kind = "parsing"
	// KindValidation covers envelopes that fail the pipeline's validate stage.
	KindValidation Kind = "validation"
	// KindSubscription covers subscription registry rejects and remote errors.
	KindSubscription Kind = "subscription"
	// KindStage covers failures raised inside a pipeline stage's doProcess.
	KindStage Kind = "stage"
	// KindPublish covers downstream publish-sink failures.
	KindPublish Kind = "publish"
)

// Code identifies a specific error condition within a Kind.
type Code string

const (
	CodeConnectError         Code = "connect_error"
	CodePingTimeout          Code = "ping_timeout"
	CodeInvalidSymbol        Code = "invalid_symbol"
	CodeUnsupportedDataType  Code = "unsupported_data_type"
	CodeInvalidInterval      Code = "invalid_interval"
	CodeTooManyStreams       Code = "too_many_streams"
	CodeInvalidStreamName    Code = "invalid_stream_name"
	CodeSymbolNotFound       Code = "symbol_not_found"
	CodeConnectionNotAvail   Code = "connection_not_available"
	CodeMaxStreamsExceeded   Code = "max_streams_exceeded"
	CodeSubscriptionTimeout  Code = "subscription_timeout"
	CodeNetworkError         Code = "network_error"
	CodeUnknownError         Code = "unknown_error"
	CodeValidationFailed     Code = "validation_failed"
	CodeCircuitOpen          Code = "circuit_open"
	CodeRateLimitExceeded    Code = "rate_limit_exceeded"
	CodePublishFailed        Code = "publish_failed"
)

// defaultRetryable maps each Code to its default retryability. New applies
// this table to every error; a call site that passes WithRetryable replaces
// the table's answer for that one instance.
var defaultRetryable = map[Code]bool{
	CodeConnectError:        true,
	CodePingTimeout:         true,
	CodeInvalidSymbol:       false,
	CodeUnsupportedDataType: false,
	CodeInvalidInterval:     false,
	CodeTooManyStreams:      false,
	CodeInvalidStreamName:   false,
	CodeSymbolNotFound:      false,
	CodeConnectionNotAvail:  true,
	CodeMaxStreamsExceeded:  false,
	CodeSubscriptionTimeout: true,
	CodeNetworkError:        true,
	CodeUnknownError:        false,
	CodeValidationFailed:    false,
	CodeCircuitOpen:         true,
	CodeRateLimitExceeded:   true,
	CodePublishFailed:       true,
}

func retryableForCode(code Code) bool {
	if r, ok := defaultRetryable[code]; ok {
		return r
	}
	return false
}

// E captures structured error information produced anywhere in the ingest
// pipeline.
type E struct {
	Source    string
	Kind      Kind
	Code      Code
	HTTP      int
	Message   string
	Context   map[string]string
	Retryable bool

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given kind and code. Retryable is
// set from the Code default table and can be overridden with
// WithRetryable.
func New(source string, kind Kind, code Code, opts ...Option) *E {
	e := &E{
		Source:    strings.TrimSpace(source),
		Kind:      kind,
		Code:      code,
		Retryable: retryableForCode(code),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithHTTP records an associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithRetryable explicitly overrides the default retryability for this
// instance. The subscription registry passes it on every error it builds;
// the Binance adapter and the output stage pass it as well.
func WithRetryable(retryable bool) Option {
	return func(e *E) { e.Retryable = retryable }
}

// WithContext merges key/value pairs into the error's context bag.
func WithContext(ctx map[string]string) Option {
	return func(e *E) {
		if len(ctx) == 0 {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, len(ctx))
		}
		for k, v := range ctx {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Context[key] = v
		}
	}
}

// WithField appends a single context key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, 1)
		}
		e.Context[trimmed] = value
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)
	parts = append(parts, "kind="+string(e.Kind))
	parts = append(parts, "code="+string(e.Code))
	parts = append(parts, "retryable="+strconv.FormatBool(e.Retryable))

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Context[k]))
		}
		parts = append(parts, "context="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err is an *E with the given code, supporting
// errors.Is-style matching via unwrapping.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*E); ok && e.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
