// Package admission enforces per-user and global concurrency ceilings for
// generation jobs. Counters are process-wide shared state: they span request
// lifecycles and reset only on process restart.
package admission

import (
	"sync"

	"comfygate/internal/domain"
)

// Limits configures the concurrency ceilings. PerUser is the maximum running
// jobs per client; Global caps running jobs across all clients, 0 disables
// the global cap.
type Limits struct {
	PerUser int
	Global  int
}

// Snapshot is a point-in-time view of the global counters.
type Snapshot struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Counters tracks queued/running totals and per-user running counts. The
// check-and-increment in TryAdmit is a single critical section so two
// concurrent admissions can never both observe spare capacity and overrun a
// limit. Lock order is always global before per-user.
type Counters struct {
	limits Limits

	mu      sync.Mutex
	queued  int
	running int

	userMu  sync.Mutex
	perUser map[string]int
}

func NewCounters(limits Limits) *Counters {
	if limits.PerUser < 1 {
		limits.PerUser = 1
	}
	if limits.Global < 0 {
		limits.Global = 0
	}
	return &Counters{
		limits:  limits,
		perUser: make(map[string]int),
	}
}

// Limits returns the configured ceilings.
func (c *Counters) Limits() Limits {
	return c.limits
}

// TrackQueued records a newly enqueued job.
func (c *Counters) TrackQueued() {
	c.mu.Lock()
	c.queued++
	c.mu.Unlock()
}

// TryAdmit atomically moves one queued slot to running for the given client
// if both the per-user and the global ceilings allow it.
func (c *Counters) TryAdmit(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limits.Global > 0 && c.running >= c.limits.Global {
		return false
	}

	c.userMu.Lock()
	if c.perUser[clientID] >= c.limits.PerUser {
		c.userMu.Unlock()
		return false
	}
	c.perUser[clientID]++
	c.userMu.Unlock()

	if c.queued > 0 {
		c.queued--
	}
	c.running++
	return true
}

// Release returns the slots held by a job that left the queue in the given
// status: a running job frees a global and a per-user running slot, a queued
// job frees only the global queued slot. Counts floor at zero so a release
// after process restart cannot drive them negative.
func (c *Counters) Release(clientID string, status domain.JobStatus) {
	switch status {
	case domain.JobStatusRunning:
		c.ReleaseRunning(clientID)
	case domain.JobStatusQueued:
		c.mu.Lock()
		if c.queued > 0 {
			c.queued--
		}
		c.mu.Unlock()
	}
}

// ReleaseRunning frees one running slot globally and for the client.
func (c *Counters) ReleaseRunning(clientID string) {
	c.mu.Lock()
	if c.running > 0 {
		c.running--
	}
	c.mu.Unlock()

	c.userMu.Lock()
	if c.perUser[clientID] > 0 {
		c.perUser[clientID]--
	}
	if c.perUser[clientID] == 0 {
		delete(c.perUser, clientID)
	}
	c.userMu.Unlock()
}

// RunningFor reports the client's current running count.
func (c *Counters) RunningFor(clientID string) int {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	return c.perUser[clientID]
}

// Snapshot returns the current global counts.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Queued: c.queued, Running: c.running}
}
