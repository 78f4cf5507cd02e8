package types

import (
	"context"
	"testing"
)

// TestRequestIDRoundTrip verifies request ID storage and retrieval.
func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID = %q, want req-123", got)
	}
}

// TestRequestIDMissing verifies the zero value on an empty context.
func TestRequestIDMissing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty context = %q, want empty", got)
	}
}

// TestUserIDRoundTrip verifies user identity storage and retrieval.
func TestUserIDRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), "user-9")
	id, ok := GetUserID(ctx)
	if !ok || id != "user-9" {
		t.Errorf("GetUserID = (%q, %v), want (user-9, true)", id, ok)
	}
}

// TestUserIDEmptyTreatedAsAbsent verifies an empty stored ID reads as absent.
func TestUserIDEmptyTreatedAsAbsent(t *testing.T) {
	ctx := WithUserID(context.Background(), "")
	if _, ok := GetUserID(ctx); ok {
		t.Error("empty user ID should read as absent")
	}

	if _, ok := GetUserID(context.Background()); ok {
		t.Error("missing user ID should read as absent")
	}
}
