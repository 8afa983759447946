package service

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLimitExceeded is returned when an owner is over a submission limit.
var ErrLimitExceeded = errors.New("submission limit exceeded")

// RateLimiter implements per-owner admission limits: a cap on active
// (queued or processing) jobs and a submissions-per-minute window.
type RateLimiter struct {
	mu sync.Mutex

	maxActiveJobs           int
	maxSubmissionsPerMinute int
	submissionWindows       map[string]*submissionWindow
}

type submissionWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxActiveJobs, maxSubmissionsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxActiveJobs:           maxActiveJobs,
		maxSubmissionsPerMinute: maxSubmissionsPerMinute,
		submissionWindows:       make(map[string]*submissionWindow),
	}
}

// CheckActiveLimit checks whether an owner may hold another active job
func (rl *RateLimiter) CheckActiveLimit(ctx context.Context, ownerID string, currentActive int) error {
	if rl.maxActiveJobs > 0 && currentActive >= rl.maxActiveJobs {
		return ErrLimitExceeded
	}
	return nil
}

// CheckSubmissionRate checks whether an owner may submit another job
func (rl *RateLimiter) CheckSubmissionRate(ctx context.Context, ownerID string) error {
	if rl.maxSubmissionsPerMinute <= 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	window, exists := rl.submissionWindows[ownerID]

	if !exists || now.After(window.windowEnd) {
		rl.submissionWindows[ownerID] = &submissionWindow{
			count:     1,
			windowEnd: now.Add(1 * time.Minute),
		}
		return nil
	}

	if window.count >= rl.maxSubmissionsPerMinute {
		return ErrLimitExceeded
	}

	window.count++
	return nil
}
