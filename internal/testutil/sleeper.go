package testutil

import (
	"context"
	"sync"
	"time"
)

// RecordingSleeper stands in for retry.Sleep. It records every requested
// delay and returns immediately, so backoff tests run without waiting.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

// NewRecordingSleeper creates a sleeper with no recorded delays.
func NewRecordingSleeper() *RecordingSleeper {
	return &RecordingSleeper{}
}

// Sleep records d. It still honors cancellation: a done ctx returns
// ctx.Err() without recording.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

// Delays returns a copy of the recorded delays in call order.
func (s *RecordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// Reset forgets every recorded delay.
func (s *RecordingSleeper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = nil
}
