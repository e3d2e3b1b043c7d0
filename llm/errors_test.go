package llm

import "testing"

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{413, false},
		{422, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{599, true}, // unknown defaults to retryable
	}
	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "boom", "openai", nil)
		if err == nil {
			t.Fatalf("status %d: expected an error", tt.status)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: IsRetryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestErrorFromStatusCodeTypes(t *testing.T) {
	if _, ok := ErrorFromStatusCode(401, "x", "p", nil).(*AuthenticationError); !ok {
		t.Error("401 should map to AuthenticationError")
	}
	if _, ok := ErrorFromStatusCode(429, "x", "p", nil).(*RateLimitError); !ok {
		t.Error("429 should map to RateLimitError")
	}
	if _, ok := ErrorFromStatusCode(413, "x", "p", nil).(*ContextLengthError); !ok {
		t.Error("413 should map to ContextLengthError")
	}
	if _, ok := ErrorFromStatusCode(503, "x", "p", nil).(*ServerError); !ok {
		t.Error("503 should map to ServerError")
	}
}

func TestIsRetryableNil(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error must not be retryable")
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	cause := &NetworkError{TransportError: TransportError{Message: "conn reset"}}
	err := &TransportError{Message: "call failed", Cause: cause}
	if err.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}
	if err.Error() != "call failed: conn reset" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
