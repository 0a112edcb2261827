package beam

import (
	"sync"
	"time"
)

// Reading is the latest beam state, angles in degrees
type Reading struct {
	BeamDegrees      float64   `json:"beam_degrees"`
	SourceDegrees    float64   `json:"source_degrees"`
	SourceConfidence float64   `json:"source_confidence"`
	Timestamp        time.Time `json:"timestamp"`
}

// Store keeps the most recent Reading. Later updates replace earlier ones;
// nothing is averaged across updates.
type Store struct {
	mu      sync.RWMutex
	latest  Reading
	updates int64

	subsMu sync.RWMutex
	subs   map[chan Reading]struct{}
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		subs: make(map[chan Reading]struct{}),
	}
}

// Set replaces the latest reading and notifies subscribers
func (s *Store) Set(r Reading) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.latest = r
	s.updates++
	s.mu.Unlock()

	s.notifySubscribers(r)
}

// Latest returns the most recent reading
func (s *Store) Latest() Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Updates returns how many readings have been stored
func (s *Store) Updates() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates
}

func (s *Store) notifySubscribers(r Reading) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs {
		select {
		case ch <- r:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives every new reading
func (s *Store) Subscribe() chan Reading {
	ch := make(chan Reading, 10)

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (s *Store) Unsubscribe(ch chan Reading) {
	s.subsMu.Lock()
	if _, exists := s.subs[ch]; exists {
		delete(s.subs, ch)
		close(ch)
	}
	s.subsMu.Unlock()
}

// Close closes all subscriber channels
func (s *Store) Close() {
	s.subsMu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subsMu.Unlock()
}
