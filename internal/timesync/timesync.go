package timesync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Source yields the estimated venue-aligned wall clock in milliseconds.
type Source interface {
	CurrentTimeMillis() int64
}

// ServerClock reports the venue's current time.
type ServerClock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

const defaultSamples = 5

// Synchronizer keeps the median of the most recent offsets between venue and local time.
type Synchronizer struct {
	mu      sync.Mutex
	now     func() time.Time
	offsets []time.Duration
	max     int
}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{now: time.Now, max: defaultSamples}
}

// NewSynchronizerWithClock is used by tests to pin local time.
func NewSynchronizerWithClock(now func() time.Time) *Synchronizer {
	s := NewSynchronizer()
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Synchronizer) CurrentTimeMillis() int64 {
	s.mu.Lock()
	offset := s.medianLocked()
	now := s.now
	s.mu.Unlock()
	return now().Add(offset).UnixMilli()
}

// AddSample records venue time observed at local time local.
func (s *Synchronizer) AddSample(venue, local time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = append(s.offsets, venue.Sub(local))
	if len(s.offsets) > s.max {
		s.offsets = s.offsets[len(s.offsets)-s.max:]
	}
}

// Recalibrate queries the venue clock and records the offset against the local
// midpoint of the round trip.
func (s *Synchronizer) Recalibrate(ctx context.Context, clock ServerClock) error {
	before := s.now()
	venue, err := clock.ServerTime(ctx)
	if err != nil {
		return err
	}
	after := s.now()
	mid := before.Add(after.Sub(before) / 2)
	s.AddSample(venue, mid)
	return nil
}

func (s *Synchronizer) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.medianLocked()
}

func (s *Synchronizer) medianLocked() time.Duration {
	if len(s.offsets) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.offsets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
