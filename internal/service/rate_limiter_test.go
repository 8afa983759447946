package service

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_CheckSubmissionRate_WithinLimit(t *testing.T) {
	rl := NewRateLimiter(5, 10)

	err := rl.CheckSubmissionRate(context.Background(), "owner-1")
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRateLimiter_CheckSubmissionRate_ExceedsLimit(t *testing.T) {
	rl := NewRateLimiter(5, 2) // Max 2 per minute

	// Submit 2 jobs - should succeed
	for i := 0; i < 2; i++ {
		err := rl.CheckSubmissionRate(context.Background(), "owner-1")
		if err != nil {
			t.Errorf("expected no error for submission %d, got %v", i+1, err)
		}
	}

	// Third submission should fail
	err := rl.CheckSubmissionRate(context.Background(), "owner-1")
	if err != ErrLimitExceeded {
		t.Errorf("expected limit error, got %v", err)
	}
}

func TestRateLimiter_CheckSubmissionRate_WindowExpiry(t *testing.T) {
	rl := NewRateLimiter(5, 2)

	// Exhaust limit
	rl.CheckSubmissionRate(context.Background(), "owner-1")
	rl.CheckSubmissionRate(context.Background(), "owner-1")

	// Should be rate limited
	err := rl.CheckSubmissionRate(context.Background(), "owner-1")
	if err != ErrLimitExceeded {
		t.Errorf("expected limit error, got %v", err)
	}

	// Manually expire window
	rl.mu.Lock()
	if window, exists := rl.submissionWindows["owner-1"]; exists {
		window.windowEnd = time.Now().Add(-1 * time.Minute)
	}
	rl.mu.Unlock()

	// Should succeed after window expiry
	err = rl.CheckSubmissionRate(context.Background(), "owner-1")
	if err != nil {
		t.Errorf("expected no error after window expiry, got %v", err)
	}
}

func TestRateLimiter_CheckSubmissionRate_PerOwnerWindows(t *testing.T) {
	rl := NewRateLimiter(5, 1)

	if err := rl.CheckSubmissionRate(context.Background(), "owner-1"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := rl.CheckSubmissionRate(context.Background(), "owner-1"); err != ErrLimitExceeded {
		t.Errorf("expected limit error, got %v", err)
	}

	// A different owner has its own window
	if err := rl.CheckSubmissionRate(context.Background(), "owner-2"); err != nil {
		t.Errorf("expected no error for other owner, got %v", err)
	}
}

func TestRateLimiter_CheckActiveLimit_WithinLimit(t *testing.T) {
	rl := NewRateLimiter(5, 10)

	err := rl.CheckActiveLimit(context.Background(), "owner-1", 3)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRateLimiter_CheckActiveLimit_AtLimit(t *testing.T) {
	rl := NewRateLimiter(5, 10)

	err := rl.CheckActiveLimit(context.Background(), "owner-1", 5)
	if err != ErrLimitExceeded {
		t.Errorf("expected limit error, got %v", err)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)

	if err := rl.CheckActiveLimit(context.Background(), "owner-1", 1000); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := rl.CheckSubmissionRate(context.Background(), "owner-1"); err != nil {
			t.Fatalf("expected no error when disabled, got %v", err)
		}
	}
}
