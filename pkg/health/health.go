// Package health tracks process liveness and per-component status for the
// ingestion server, and can watchdog-restart on a detected hang.
package health

import (
	"sync"
	"time"
)

// Check monitors application health.
type Check struct {
	config    *Config
	status    *Status
	lastCheck time.Time
	mu        sync.RWMutex
}

// Config holds health check configuration.
type Config struct {
	Enabled          bool
	CheckInterval    time.Duration
	WatchdogEnabled  bool
	WatchdogTimeout  time.Duration
	RestartOnFailure bool
}

// Status represents the health status of the server.
type Status struct {
	Healthy           bool
	Timestamp         time.Time
	UptimeSeconds     int64
	FramesProcessed   int64
	ConnectionsActive int64
	ErrorCount        int64
	LastError         string
	ComponentStatus   map[string]ComponentStatus
}

// ComponentStatus represents the status of one wired component (storage,
// notify gateway, admin API, ...).
type ComponentStatus struct {
	Name      string
	Healthy   bool
	Message   string
	LastCheck time.Time
}

// New creates a health check instance and starts its background loops.
func New(config *Config) *Check {
	h := &Check{
		config: config,
		status: &Status{
			Healthy:         true,
			Timestamp:       time.Now(),
			ComponentStatus: make(map[string]ComponentStatus),
		},
		lastCheck: time.Now(),
	}

	if config.Enabled {
		go h.checkLoop()
	}
	if config.WatchdogEnabled {
		go h.watchdogLoop()
	}

	return h
}

// GetStatus returns a snapshot of the current health status.
func (h *Check) GetStatus() *Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	statusCopy := *h.status
	statusCopy.ComponentStatus = make(map[string]ComponentStatus, len(h.status.ComponentStatus))
	for k, v := range h.status.ComponentStatus {
		statusCopy.ComponentStatus[k] = v
	}
	return &statusCopy
}

// UpdateComponentStatus records a component's latest health.
func (h *Check) UpdateComponentStatus(name string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.ComponentStatus[name] = ComponentStatus{
		Name:      name,
		Healthy:   healthy,
		Message:   message,
		LastCheck: time.Now(),
	}
	h.updateOverallHealth()
}

// RecordFrame increments the processed-frame counter.
func (h *Check) RecordFrame() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.FramesProcessed++
}

// RecordError increments the error counter and records the last error.
func (h *Check) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.ErrorCount++
	h.status.LastError = err.Error()
}

// UpdateConnectionCount updates the active connection gauge.
func (h *Check) UpdateConnectionCount(count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.ConnectionsActive = count
}

func (h *Check) checkLoop() {
	ticker := time.NewTicker(h.config.CheckInterval)
	defer ticker.Stop()

	startTime := time.Now()
	for range ticker.C {
		h.mu.Lock()
		h.status.Timestamp = time.Now()
		h.status.UptimeSeconds = int64(time.Since(startTime).Seconds())
		h.lastCheck = time.Now()
		h.updateOverallHealth()
		h.mu.Unlock()
	}
}

// watchdogLoop panics if no check has completed within WatchdogTimeout;
// the process supervisor is expected to restart on crash.
func (h *Check) watchdogLoop() {
	ticker := time.NewTicker(h.config.WatchdogTimeout / 2)
	defer ticker.Stop()

	for range ticker.C {
		h.mu.RLock()
		since := time.Since(h.lastCheck)
		h.mu.RUnlock()

		if since > h.config.WatchdogTimeout && h.config.RestartOnFailure {
			panic("watchdog timeout: ingestion server not responding")
		}
	}
}

func (h *Check) updateOverallHealth() {
	h.status.Healthy = true
	for _, c := range h.status.ComponentStatus {
		if !c.Healthy {
			h.status.Healthy = false
			break
		}
	}
}

// IsHealthy reports the last computed overall health.
func (h *Check) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.Healthy
}
