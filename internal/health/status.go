package health

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one status line
type Entry struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// StatusLog receives status lines from the pipeline, logs them and keeps the
// most recent ones for the API
type StatusLog struct {
	logger *slog.Logger

	mu       sync.RWMutex
	entries  []Entry
	capacity int
	total    uint64

	listenersMu sync.RWMutex
	listeners   []func(Entry)
}

// NewStatusLog keeps up to capacity entries
func NewStatusLog(capacity int, logger *slog.Logger) *StatusLog {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 50
	}

	return &StatusLog{
		logger:   logger,
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// ReportStatus records a status line
func (s *StatusLog) ReportStatus(message string) {
	entry := Entry{Message: message, Time: time.Now()}

	s.logger.Warn("pipeline status", "message", message)

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.capacity {
		// Shift instead of slice to avoid memory leak
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:s.capacity]
	}
	s.total++
	s.mu.Unlock()

	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.listeners {
		fn(entry)
	}
}

// OnStatus registers a callback run for every new entry. Callbacks must not block.
func (s *StatusLog) OnStatus(fn func(Entry)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// Entries returns the retained entries, oldest first
func (s *StatusLog) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// Last returns the newest entry
func (s *StatusLog) Last() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Total returns how many entries have ever been reported
func (s *StatusLog) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
