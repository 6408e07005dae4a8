// Package detection produces candidate sightings for the recognition loop.
package detection

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/rollcall/internal/domain/model"
)

// Default simulator configuration constants.
const (
	defaultProbability   = 0.7
	defaultMinLatency    = 1 * time.Second
	defaultMaxLatency    = 3 * time.Second
	defaultConfidenceMin = 85.0
	defaultConfidenceMax = 95.0
)

// Source is an opaque producer of detections. found is false when nothing
// was seen this attempt. A real camera pipeline is a drop-in replacement.
type Source interface {
	Next(ctx context.Context) (d model.Detection, found bool, err error)
}

// Option applies a configuration option to the Simulator.
type Option func(*Simulator)

// WithProbability sets the chance that an attempt finds a face.
func WithProbability(p float64) Option {
	return func(s *Simulator) {
		if p >= 0 && p <= 1 {
			s.probability = p
		}
	}
}

// WithLatencyRange sets the simulated capture latency. Zero is allowed.
func WithLatencyRange(minLatency, maxLatency time.Duration) Option {
	return func(s *Simulator) {
		if minLatency >= 0 && maxLatency >= minLatency {
			s.minLatency = minLatency
			s.maxLatency = maxLatency
		}
	}
}

// WithConfidenceRange sets the reported confidence bounds (0..100).
func WithConfidenceRange(lo, hi float64) Option {
	return func(s *Simulator) {
		if lo >= 0 && hi <= 100 && hi >= lo {
			s.confMin = lo
			s.confMax = hi
		}
	}
}

// WithSeed makes the simulator deterministic.
func WithSeed(seed int64) Option {
	return func(s *Simulator) {
		s.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // simulation only
	}
}

// WithClock injects the time source used for latency and ObservedAt.
func WithClock(c clockwork.Clock) Option {
	return func(s *Simulator) {
		if c != nil {
			s.clock = c
		}
	}
}

// Simulator picks a random roster member with a configurable probability.
type Simulator struct {
	roster Roster
	clock  clockwork.Clock

	mu          sync.Mutex
	rng         *rand.Rand
	probability float64
	minLatency  time.Duration
	maxLatency  time.Duration
	confMin     float64
	confMax     float64
}

// NewSimulator creates a simulator over roster.
func NewSimulator(roster Roster, opts ...Option) *Simulator {
	s := &Simulator{
		roster:      roster,
		clock:       clockwork.NewRealClock(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // simulation only
		probability: defaultProbability,
		minLatency:  defaultMinLatency,
		maxLatency:  defaultMaxLatency,
		confMin:     defaultConfidenceMin,
		confMax:     defaultConfidenceMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tune applies options to a running simulator.
func (s *Simulator) Tune(opts ...Option) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, opt := range opts {
		opt(s)
	}
}

// Next waits the simulated latency, then maybe reports a roster member.
func (s *Simulator) Next(ctx context.Context) (model.Detection, bool, error) {
	s.mu.Lock()
	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		latency += time.Duration(s.rng.Int63n(int64(span)))
	}
	s.mu.Unlock()

	if latency > 0 {
		timer := s.clock.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.Detection{}, false, fmt.Errorf("%w: %w", ErrDetection, ctx.Err())
		case <-timer.Chan():
		}
	}

	users, err := s.roster.Roster(ctx)
	if err != nil {
		return model.Detection{}, false, fmt.Errorf("%w: %w", ErrDetection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(users) == 0 || s.rng.Float64() >= s.probability {
		return model.Detection{}, false, nil
	}
	u := users[s.rng.Intn(len(users))]
	confidence := s.confMin + s.rng.Float64()*(s.confMax-s.confMin)

	return model.Detection{
		Identity:   u.ID,
		Name:       u.Name,
		Confidence: confidence,
		ObservedAt: s.clock.Now(),
	}, true, nil
}
