// Package health grades the render pipeline stage by stage from its
// counters, so the panel can tell whether video is flowing.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/gguoling/mswinrtvid/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a pipeline stage.
type Status string

const (
	Unknown   Status = "unknown"
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case Unknown, Healthy, Degraded, Unhealthy:
		return true
	}
	return false
}

// Stage names a part of the render pipeline.
type Stage string

const (
	StageDisplay Stage = "display"
	StageHandoff Stage = "handoff"
	StageControl Stage = "control"
)

// Check stores the latest result for a stage.
type Check struct {
	Stage     Stage     `json:"stage"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Counters is one snapshot of the pipeline counters.
type Counters struct {
	Frames    uint64
	Lost      uint64
	Dropped   uint64
	Published uint64
}

// Monitor tracks the health of each stage.
type Monitor struct {
	mu     sync.RWMutex
	checks map[Stage]Check
	last   Counters
	seen   bool
}

// NewMonitor creates a monitor with no stages graded.
func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[Stage]Check)}
}

// Update records the status of a stage. An invalid status is recorded as
// Unhealthy. Only transitions are logged.
func (m *Monitor) Update(stage Stage, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}
	m.mu.Lock()
	prev, had := m.checks[stage]
	m.checks[stage] = Check{Stage: stage, Status: status, Message: message, UpdatedAt: time.Now()}
	m.mu.Unlock()

	if had && prev.Status == status {
		return
	}
	if status == Healthy {
		log.Info("stage healthy", "stage", string(stage))
	} else {
		log.Warn("stage health changed", "stage", string(stage), "status", string(status), "message", message)
	}
}

// Observe grades the display and handoff stages from the change since the
// previous snapshot. The first snapshot only sets the baseline.
func (m *Monitor) Observe(c Counters) {
	m.mu.Lock()
	prev, seen := m.last, m.seen
	m.last, m.seen = c, true
	m.mu.Unlock()
	if !seen {
		return
	}

	switch {
	case c.Lost > prev.Lost:
		m.Update(StageDisplay, Degraded, fmt.Sprintf("%d packets lost", c.Lost-prev.Lost))
	case c.Frames == prev.Frames && c.Frames > 0:
		m.Update(StageDisplay, Degraded, "no new frames")
	case c.Frames > prev.Frames:
		m.Update(StageDisplay, Healthy, "")
	}

	switch {
	case c.Dropped > prev.Dropped:
		m.Update(StageHandoff, Degraded, fmt.Sprintf("%d samples dropped", c.Dropped-prev.Dropped))
	case c.Frames > 0 && c.Published == 0:
		m.Update(StageHandoff, Degraded, "no surface published")
	case c.Published > 0:
		m.Update(StageHandoff, Healthy, "")
	}
}

// Get returns the check for a stage.
func (m *Monitor) Get(stage Stage) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[stage]
	return c, ok
}

// Overall returns the worst status across all stages, or Unknown when
// nothing has been graded yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// Summary returns the overall status and the message of the worst stage,
// taken under one lock.
func (m *Monitor) Summary() (Status, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	overall := m.overallLocked()
	for _, c := range m.checks {
		if c.Status == overall && c.Message != "" {
			return overall, fmt.Sprintf("%s: %s", c.Stage, c.Message)
		}
	}
	return overall, ""
}

// worse returns true if a is worse than b.
func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 0
	}
}
