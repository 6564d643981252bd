package internal

import (
	"context"
	"math"
	"time"
)

// StartOffset is when the server at index starts deploying, relative to the
// start of the round.
func StartOffset(index int, interval time.Duration) time.Duration {
	return time.Duration(index) * interval
}

// Slots returns how many more deployments a server may take this round.
// A limit of 0 means unlimited.
func Slots(limit, admitted int) int {
	if limit <= 0 {
		return math.MaxInt
	}
	return max(limit-admitted, 0)
}

// Sleep pauses for d. It returns false when ctx is done first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
