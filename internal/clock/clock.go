// Package clock anchors message timestamps against a trusted remote time
// source. Every timestamp-producing call site in the core takes a *Service
// handle instead of reading the local clock directly, so a skewed device
// clock cannot reorder conversations.
package clock

import (
	"sync"
	"time"

	"github.com/lfmarques/susurro/internal/bus"
	"go.uber.org/zap"
)

// DefaultDriftWarnThreshold is the absolute offset beyond which a drift
// diagnostic is surfaced.
const DefaultDriftWarnThreshold = 5 * time.Second

// Drift is the payload for clock.drift events.
type Drift struct {
	Offset time.Duration
}

// Service holds the single offset between local and trusted remote time.
// The zero offset means the local clock is trusted as-is.
type Service struct {
	mu        sync.RWMutex
	offset    time.Duration
	threshold time.Duration
	bus       *bus.Bus
	logger    *zap.Logger
}

// New creates a clock service with offset 0.
func New(threshold time.Duration, b *bus.Bus, logger *zap.Logger) *Service {
	if threshold <= 0 {
		threshold = DefaultDriftWarnThreshold
	}
	return &Service{
		threshold: threshold,
		bus:       b,
		logger:    logger,
	}
}

// UpdateOffset records offset = trusted − localNow. A single authoritative
// sample replaces the prior offset; there is no averaging or smoothing.
// Exceeding the drift threshold is a diagnostic, never an error.
func (s *Service) UpdateOffset(trusted time.Time) {
	offset := time.Until(trusted)

	s.mu.Lock()
	s.offset = offset
	s.mu.Unlock()

	if abs := offset.Abs(); abs > s.threshold {
		if s.logger != nil {
			s.logger.Warn("local clock drift exceeds threshold",
				zap.Duration("offset", offset),
				zap.Duration("threshold", s.threshold))
		}
		if s.bus != nil {
			s.bus.Publish(bus.NewEvent("clock.drift", Drift{Offset: offset}))
		}
	}
}

// Offset returns the current offset.
func (s *Service) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Now returns the local time corrected by the current offset.
func (s *Service) Now() time.Time {
	return time.Now().Add(s.Offset())
}

// NowUnixMilli returns the corrected time as Unix milliseconds, the unit
// all durable timestamps use.
func (s *Service) NowUnixMilli() int64 {
	return s.Now().UnixMilli()
}
