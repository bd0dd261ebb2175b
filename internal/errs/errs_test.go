package errs

import "strings"

import "testing"

func TestNewDefaultRetryable(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeConnectError, true},
		{CodeInvalidSymbol, false},
		{CodeTooManyStreams, false},
		{CodeSubscriptionTimeout, true},
		{CodeValidationFailed, false},
	}
	for _, tc := range cases {
		e := New("binance", KindConnection, tc.code)
		if e.Retryable != tc.want {
			t.Errorf("code %s: retryable = %v, want %v", tc.code, e.Retryable, tc.want)
		}
	}
}

func TestWithRetryableOverride(t *testing.T) {
	e := New("binance", KindSubscription, CodeInvalidStreamName, WithRetryable(true))
	if !e.Retryable {
		t.Fatalf("expected override to force retryable=true")
	}
}

func TestErrorStringIncludesFields(t *testing.T) {
	e := New("binance", KindConnection, CodeConnectError,
		WithMessage("dial failed"),
		WithHTTP(503),
		WithField("url", "wss://stream.binance.com"),
	)
	s := e.Error()
	for _, want := range []string{"source=binance", "kind=connection", "code=connect_error", "retryable=true", "http=503", "dial failed"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, missing %q", s, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := New("x", KindConnection, CodeNetworkError)
	e := New("binance", KindPublish, CodePublishFailed, WithCause(cause))
	if e.Unwrap() != cause {
		t.Fatalf("Unwrap() did not return cause")
	}
}

func TestIs(t *testing.T) {
	e := New("binance", KindSubscription, CodeMaxStreamsExceeded)
	if !Is(e, CodeMaxStreamsExceeded) {
		t.Fatalf("Is() should match the error's own code")
	}
	if Is(e, CodeSymbolNotFound) {
		t.Fatalf("Is() should not match an unrelated code")
	}
}
