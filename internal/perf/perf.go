package perf

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultAlpha is the smoothing factor applied to new observations.
	DefaultAlpha = 0.3

	// DefaultSmallRequestBytes is the largest observation that also feeds
	// the latency estimate.
	DefaultSmallRequestBytes = 64 << 10

	// DefaultThroughput and DefaultLatency seed backends that were not
	// calibrated. They are deliberately pessimistic but non-zero so that an
	// uncalibrated backend still gets selected and learns real numbers.
	DefaultThroughput = 16 << 20 // bytes per second
	DefaultLatency    = 5 * time.Millisecond
)

// Estimate is a point-in-time view of a backend's performance.
type Estimate struct {
	Throughput float64       `json:"throughput_bytes_per_second"`
	Latency    time.Duration `json:"latency"`
	Updated    time.Time     `json:"updated"`
	Samples    uint64        `json:"samples"`
}

// DefaultEstimate returns the conservative seed used when calibration is
// skipped or fails.
func DefaultEstimate() Estimate {
	return Estimate{
		Throughput: DefaultThroughput,
		Latency:    DefaultLatency,
		Updated:    time.Now().UTC(),
	}
}

// Stats holds one backend's estimate. Reads are lock-free snapshots; writers
// serialize on mu so that read-modify-write updates are never lost.
type Stats struct {
	mu  sync.Mutex
	cur atomic.Pointer[Estimate]
}

// NewStats creates statistics seeded with e. Non-positive fields fall back
// to the defaults.
func NewStats(e Estimate) *Stats {
	if e.Throughput <= 0 || math.IsNaN(e.Throughput) || math.IsInf(e.Throughput, 0) {
		e.Throughput = DefaultThroughput
	}
	if e.Latency < 0 {
		e.Latency = DefaultLatency
	}
	if e.Updated.IsZero() {
		e.Updated = time.Now().UTC()
	}
	s := &Stats{}
	s.cur.Store(&e)
	return s
}

// Snapshot returns the current estimate. It may be momentarily stale with
// respect to a concurrent update.
func (s *Stats) Snapshot() Estimate {
	return *s.cur.Load()
}

// Reset replaces the estimate, e.g. after a fresh calibration.
func (s *Stats) Reset(e Estimate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := NewStats(e).Snapshot()
	s.cur.Store(&fresh)
}

// Model converts estimates into predicted costs and applies feedback.
type Model struct {
	alpha float64
	small int64
	now   func() time.Time
}

// Option configures a Model.
type Option func(*Model)

// WithAlpha sets the smoothing factor; values outside (0, 1] are ignored.
func WithAlpha(alpha float64) Option {
	return func(m *Model) {
		if alpha > 0 && alpha <= 1 {
			m.alpha = alpha
		}
	}
}

// WithSmallRequestBytes sets the latency observation threshold.
func WithSmallRequestBytes(n int64) Option {
	return func(m *Model) {
		if n >= 0 {
			m.small = n
		}
	}
}

// WithClock overrides the time source used to stamp updates.
func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		m.now = now
	}
}

// NewModel creates a performance model.
func NewModel(opts ...Option) *Model {
	m := &Model{
		alpha: DefaultAlpha,
		small: DefaultSmallRequestBytes,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Alpha returns the smoothing factor in use.
func (m *Model) Alpha() float64 {
	return m.alpha
}

// Estimate predicts the cost of moving n bytes through the backend owning s:
// a fixed latency plus the transfer time at the estimated throughput. It is
// monotonically non-decreasing in n.
func (m *Model) Estimate(s *Stats, n int64) time.Duration {
	e := s.cur.Load()
	if n < 0 {
		n = 0
	}
	transfer := float64(n) / e.Throughput * float64(time.Second)
	return e.Latency + time.Duration(transfer)
}

// Update folds one observed sub-request into the estimate. Throughput only
// learns from observations that moved bytes; latency only learns from small
// observations, where fixed overhead dominates.
func (m *Model) Update(s *Stats, n int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	next.Samples++
	next.Updated = m.now().UTC()

	if n > 0 && d > 0 {
		observed := float64(n) / d.Seconds()
		next.Throughput = m.alpha*observed + (1-m.alpha)*next.Throughput
	}
	if n <= m.small && d > 0 {
		next.Latency = time.Duration(m.alpha*float64(d) + (1-m.alpha)*float64(next.Latency))
	}

	s.cur.Store(&next)
}
