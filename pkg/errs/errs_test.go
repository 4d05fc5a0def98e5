package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		kind     Kind
		status   int
	}{
		{Validation("start", "empty text"), ErrValidation, KindValidation, http.StatusBadRequest},
		{Configuration("llm", "no api key"), ErrConfiguration, KindConfiguration, http.StatusInternalServerError},
		{State("run_step", "step 2 not complete"), ErrState, KindState, http.StatusPreconditionFailed},
		{API("call", errors.New("503")), ErrAPI, KindAPI, http.StatusBadGateway},
		{NotFound("get", "project 7"), ErrNotFound, KindNotFound, http.StatusNotFound},
		{MissingVariable("render", "content"), ErrMissingTemplateVariable, KindMissingVariable, http.StatusBadRequest},
	}

	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Errorf("%v: expected errors.Is(%v)", tc.err, tc.sentinel)
		}
		if got := KindOf(wrapped); got != tc.kind {
			t.Errorf("%v: kind = %s, want %s", tc.err, got, tc.kind)
		}
		if got := HTTPStatus(wrapped); got != tc.status {
			t.Errorf("%v: status = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestOnlyAPIErrorsAreRetryable(t *testing.T) {
	if !IsRetryable(API("call", errors.New("timeout"))) {
		t.Fatal("api errors must be retryable")
	}
	if IsRetryable(Validation("call", "bad prompt")) {
		t.Fatal("validation errors must not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("unkinded errors must not be retryable")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("unkinded errors report unknown")
	}
}

func TestAPIErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := API("call", cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause should be reachable")
	}
	if err.Error() != "call: connection reset" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
