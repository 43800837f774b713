package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"connection", &ConnectionError{Op: "read"}, true},
		{"timeout", &TimeoutError{Op: "request", Elapsed: time.Second}, true},
		{"rate limit", &RateLimitError{RetryAfter: 5 * time.Second}, true},
		{"execution retryable", &ExecutionError{Retryable: true}, true},
		{"execution fatal", &ExecutionError{Retryable: false}, false},
		{"auth", &AuthenticationError{Reason: "bad token"}, false},
		{"validation", &ValidationError{Message: "bad field"}, false},
		{"permission", &PermissionError{Message: "no"}, false},
		{"plain", errors.New("whatever"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryableWrapped(t *testing.T) {
	err := &ConnectionError{Op: "dial", Err: errors.New("refused")}
	wrapped := errors.Join(errors.New("outer"), err)
	if !Retryable(wrapped) {
		t.Fatal("wrapped connection error should be retryable")
	}
}

func TestErrorFromFrame(t *testing.T) {
	makeFrame := func(typ Type, p ErrorPayload) Envelope {
		env, err := NewEnvelope(typ, p)
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		return env
	}

	err := ErrorFromFrame(makeFrame(TypeErrorValidation, ErrorPayload{
		Message: "missing prompt",
		Fields:  map[string]string{"prompt": "required"},
	}))
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Fields["prompt"] != "required" {
		t.Fatalf("validation frame mapped to %T: %v", err, err)
	}

	err = ErrorFromFrame(makeFrame(TypeErrorRateLimited, ErrorPayload{
		Message:           "slow down",
		RetryAfterSeconds: 7,
	}))
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("rate limit frame mapped to %T", err)
	}
	if rlErr.RetryAfter != 7*time.Second {
		t.Fatalf("retry after = %s, want 7s", rlErr.RetryAfter)
	}

	err = ErrorFromFrame(makeFrame(TypeErrorPermissionDenied, ErrorPayload{Message: "nope"}))
	var pErr *PermissionError
	if !errors.As(err, &pErr) {
		t.Fatalf("permission frame mapped to %T", err)
	}

	env := makeFrame(TypeErrorSessionExpired, ErrorPayload{})
	env.SessionID = "sess-9"
	err = ErrorFromFrame(env)
	var sErr *SessionExpiredError
	if !errors.As(err, &sErr) || sErr.SessionID != "sess-9" {
		t.Fatalf("session expired frame mapped to %T: %v", err, err)
	}
}
