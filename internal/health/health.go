// Package health tracks component health, the capture state and the pipeline
// status line
package health

import (
	"sync"
	"time"
)

// Component names reported by the daemon
const (
	ComponentSensor   = "sensor"
	ComponentPipeline = "pipeline"
	ComponentSurface  = "surface"
)

// Overall status values
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded" // A non-critical component is unhealthy
	StatusDown     = "down"     // The pipeline itself is not running
)

// critical components take the daemon down when unhealthy
var critical = map[string]bool{
	ComponentPipeline: true,
}

// Status is the health snapshot served on /health
type Status struct {
	Status        string           `json:"status"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Capture       string           `json:"capture,omitempty"` // idle or capturing
	LastStatus    *Entry           `json:"last_status,omitempty"`
	Components    map[string]Check `json:"components"`
}

// Check is the latest report for one component
type Check struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
	Since     time.Time `json:"since"`   // When Healthy last changed
	Outages   uint64    `json:"outages"` // Healthy to unhealthy transitions
}

// Checker aggregates component checks with the capture state and the most
// recent status line
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	capture    string
	status     *StatusLog
}

// NewChecker creates a checker reporting version
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
	}
}

// AttachStatus includes the newest line of s in every snapshot
func (c *Checker) AttachStatus(s *StatusLog) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// SetComponent records a check for name. Since only moves when the health
// flips.
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(name, healthy, message, time.Now())
}

func (c *Checker) setLocked(name string, healthy bool, message string, now time.Time) {
	prev, seen := c.components[name]

	check := Check{
		Healthy:   healthy,
		Message:   message,
		LastCheck: now,
		Since:     prev.Since,
		Outages:   prev.Outages,
	}
	if !seen || prev.Healthy != healthy {
		check.Since = now
		if !healthy {
			check.Outages++
		}
	}

	c.components[name] = check
}

// SetCapture records a capture state transition. The sensor component is
// healthy only while capturing.
func (c *Checker) SetCapture(state string, capturing bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capture = state
	c.setLocked(ComponentSensor, capturing, reason, time.Now())
}

// Component returns the last check recorded for name
func (c *Checker) Component(name string) (Check, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	check, ok := c.components[name]
	return check, ok
}

// GetStatus returns the overall health snapshot
func (c *Checker) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusOK
	components := make(map[string]Check, len(c.components))
	for name, check := range c.components {
		components[name] = check
		if check.Healthy {
			continue
		}
		if critical[name] {
			status = StatusDown
		} else if status == StatusOK {
			status = StatusDegraded
		}
	}

	s := Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Capture:       c.capture,
		Components:    components,
	}
	if c.status != nil {
		if last, ok := c.status.Last(); ok {
			s.LastStatus = &last
		}
	}
	return s
}

// IsHealthy returns true if all components are healthy
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, check := range c.components {
		if !check.Healthy {
			return false
		}
	}
	return true
}
