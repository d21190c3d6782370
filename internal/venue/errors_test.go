package venue

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuthFailure},
		{403, KindAuthFailure},
		{429, KindThrottled},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindVenueReject},
		{404, KindVenueReject},
		{418, KindVenueReject},
		{302, KindUnknown},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindAuthFailure, false},
		{KindThrottled, true},
		{KindTransient, true},
		{KindVenueReject, false},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		e := &Error{Kind: tt.kind}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Error{%s}.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestIsRetryableThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := &Error{Kind: KindTransient, Code: 503}
	wrapped := fmt.Errorf("close positions: %w", inner)

	if !IsRetryable(wrapped) {
		t.Error("IsRetryable should see through fmt.Errorf wrapping")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestIsAuthFailure(t *testing.T) {
	t.Parallel()

	auth := fmt.Errorf("get balance: %w", &Error{Kind: KindAuthFailure, Code: 401})
	if !IsAuthFailure(auth) {
		t.Error("expected auth failure to be detected through wrapping")
	}
	if IsAuthFailure(&Error{Kind: KindThrottled}) {
		t.Error("throttled is not an auth failure")
	}
}
