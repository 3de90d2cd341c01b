package metrics

import (
	"math"
	"sync"
)

// SamplingObserver forwards one in every round(1/rate) events for each
// sampled name and passes other events through. With no names given every
// event is sampled. Counters are kept per event name, so a busy stream does
// not starve a quiet one.
type SamplingObserver struct {
	inner Observer
	every uint64
	names map[string]bool

	mu     sync.Mutex
	counts map[string]uint64
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	var every uint64
	switch {
	case rate <= 0:
		every = 0
	case rate >= 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	s := &SamplingObserver{inner: OrNoop(inner), every: every, counts: make(map[string]uint64)}
	if len(names) > 0 {
		s.names = make(map[string]bool, len(names))
		for _, n := range names {
			s.names[n] = true
		}
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.names != nil && !s.names[ev.Name] {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	if s.every > 1 {
		s.mu.Lock()
		s.counts[ev.Name]++
		n := s.counts[ev.Name]
		s.mu.Unlock()
		if n%s.every != 0 {
			return
		}
	}
	s.inner.RecordEvent(ev)
}
