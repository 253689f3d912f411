package chronicle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sensor status values reported on the status feed and the control surface.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// ManagerConfig configures the sensor lifecycle manager.
type ManagerConfig struct {
	// SampleInterval is the cadence of the capture loop. Default: 1s.
	SampleInterval time.Duration `yaml:"sample_interval"`

	// HealthInterval is the cadence of health reconciliation. Default: 30s.
	HealthInterval time.Duration `yaml:"health_interval"`

	// MaxRestarts caps automatic restarts per sensor. Once exhausted the
	// sensor is left stopped and removed from the desired set until an
	// explicit start resets the budget. Zero means unbounded: health
	// checks keep retrying on the backoff cadence forever. Default: 5.
	MaxRestarts *int `yaml:"max_restarts"`

	// RestartBackoff is the minimum gap between restart attempts for the
	// same sensor. Default: 10s.
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

// DefaultManagerConfig returns sensible manager defaults.
func DefaultManagerConfig() ManagerConfig {
	restarts := 5
	return ManagerConfig{
		SampleInterval: time.Second,
		HealthInterval: 30 * time.Second,
		MaxRestarts:    &restarts,
		RestartBackoff: 10 * time.Second,
	}
}

func (c *ManagerConfig) normalize() {
	def := DefaultManagerConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = def.SampleInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.MaxRestarts == nil || *c.MaxRestarts < 0 {
		c.MaxRestarts = def.MaxRestarts
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = def.RestartBackoff
	}
}

// restartState tracks the automatic-restart budget for one sensor.
type restartState struct {
	attempts    int
	lastAttempt time.Time
}

// Manager owns the sensor lifecycle: it starts and stops adapters, keeps a
// desired-running set, reconciles actual state against it on a health
// cadence, and drives the sampling loop that feeds captured envelopes into
// the gate. All mutating operations are safe for concurrent use.
type Manager struct {
	config   ManagerConfig
	registry *Registry
	gate     *Gate
	hub      *StatusHub
	logger   *slog.Logger

	mu       sync.Mutex
	desired  map[string]bool
	restarts map[string]*restartState
	global   map[string]any
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a lifecycle manager over a registry and gate. hub may
// be nil when no subscription boundary is wired.
func NewManager(cfg ManagerConfig, registry *Registry, gate *Gate, hub *StatusHub, opts ...ManagerOption) *Manager {
	cfg.normalize()
	m := &Manager{
		config:   cfg,
		registry: registry,
		gate:     gate,
		hub:      hub,
		logger:   slog.Default(),
		desired:  make(map[string]bool),
		restarts: make(map[string]*restartState),
		global:   make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplyGlobalConfig stores settings merged into every sensor's Initialize
// config (for example device_id). It affects sensors created afterwards.
func (m *Manager) ApplyGlobalConfig(config map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range config {
		m.global[k] = v
	}
}

// CreateSensor instantiates and registers a sensor of the given type with
// the global config merged under the per-sensor config.
func (m *Manager) CreateSensor(sensorType, sensorID string, config map[string]any) (*SensorEntry, error) {
	merged := map[string]any{}
	m.mu.Lock()
	for k, v := range m.global {
		merged[k] = v
	}
	m.mu.Unlock()
	for k, v := range config {
		merged[k] = v
	}
	return m.registry.Create(sensorType, sensorID, merged)
}

// StartSensor starts one sensor and adds it to the desired-running set. The
// restart budget is reset: an explicit start is a fresh operator intent.
func (m *Manager) StartSensor(sensorID string) error {
	entry := m.registry.Get(sensorID)
	if entry == nil {
		return fmt.Errorf("%w: %q", ErrSensorNotFound, sensorID)
	}

	if err := entry.Sensor.Start(); err != nil {
		entry.RecordError(err)
		m.publishStatus(sensorID, StatusError, err.Error())
		return fmt.Errorf("failed to start sensor %q: %w", sensorID, err)
	}
	entry.ClearError()

	m.mu.Lock()
	m.desired[sensorID] = true
	delete(m.restarts, sensorID)
	m.mu.Unlock()

	m.publishStatus(sensorID, StatusRunning, "")
	m.logger.Info("sensor started", "sensor_id", sensorID)
	return nil
}

// StopSensor stops one sensor and removes it from the desired-running set,
// so health checks will not resurrect it.
func (m *Manager) StopSensor(sensorID string, graceful bool) error {
	entry := m.registry.Get(sensorID)
	if entry == nil {
		return fmt.Errorf("%w: %q", ErrSensorNotFound, sensorID)
	}

	m.mu.Lock()
	delete(m.desired, sensorID)
	delete(m.restarts, sensorID)
	m.mu.Unlock()

	if err := entry.Sensor.Stop(graceful); err != nil {
		entry.RecordError(err)
		m.publishStatus(sensorID, StatusError, err.Error())
		return fmt.Errorf("failed to stop sensor %q: %w", sensorID, err)
	}

	m.publishStatus(sensorID, StatusStopped, "")
	m.logger.Info("sensor stopped", "sensor_id", sensorID)
	return nil
}

// StartAll starts every registered sensor. Failures are collected per
// sensor rather than aborting the sweep; the first error is returned.
func (m *Manager) StartAll() error {
	var first error
	for _, entry := range m.registry.List() {
		if err := m.StartSensor(entry.ID); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// StopAll stops every registered sensor and clears the desired set
// unconditionally, even when individual Stop calls fail. A stopped system
// must never restart sensors behind the operator's back.
func (m *Manager) StopAll(graceful bool) error {
	m.mu.Lock()
	m.desired = make(map[string]bool)
	m.restarts = make(map[string]*restartState)
	m.mu.Unlock()

	var first error
	for _, entry := range m.registry.List() {
		if !entry.Sensor.IsRunning() {
			continue
		}
		if err := entry.Sensor.Stop(graceful); err != nil {
			entry.RecordError(err)
			m.publishStatus(entry.ID, StatusError, err.Error())
			if first == nil {
				first = fmt.Errorf("failed to stop sensor %q: %w", entry.ID, err)
			}
			continue
		}
		m.publishStatus(entry.ID, StatusStopped, "")
	}
	return first
}

// CheckHealth reconciles actual sensor state against the desired set once.
// A desired sensor found stopped is restarted, subject to the per-sensor
// restart budget and backoff. Restart failures are recorded and reported,
// never raised: one broken sensor must not take down the loop.
func (m *Manager) CheckHealth() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.desired))
	for id := range m.desired {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		entry := m.registry.Get(id)
		if entry == nil {
			// Unregistered out from under us; forget it.
			m.mu.Lock()
			delete(m.desired, id)
			delete(m.restarts, id)
			m.mu.Unlock()
			continue
		}
		if entry.Sensor.IsRunning() {
			continue
		}

		m.mu.Lock()
		state := m.restarts[id]
		if state == nil {
			state = &restartState{}
			m.restarts[id] = state
		}
		if max := *m.config.MaxRestarts; max > 0 && state.attempts >= max {
			delete(m.desired, id)
			m.mu.Unlock()
			m.logger.Warn("sensor restart budget exhausted, giving up",
				"sensor_id", id, "attempts", state.attempts)
			m.publishStatus(id, StatusError, "restart budget exhausted")
			continue
		}
		if !state.lastAttempt.IsZero() && now.Sub(state.lastAttempt) < m.config.RestartBackoff {
			m.mu.Unlock()
			continue
		}
		state.attempts++
		state.lastAttempt = now
		m.mu.Unlock()

		if err := entry.Sensor.Start(); err != nil {
			entry.RecordError(err)
			sensorRestarts.WithLabelValues(id, "failure").Inc()
			m.logger.Warn("sensor restart failed", "sensor_id", id, "error", err)
			m.publishStatus(id, StatusError, err.Error())
			continue
		}
		sensorRestarts.WithLabelValues(id, "success").Inc()
		m.logger.Info("sensor restarted by health check", "sensor_id", id)
		m.publishStatus(id, StatusRunning, "restarted by health check")
	}
}

// MonitorHealth runs CheckHealth on the given cadence until ctx is
// cancelled. Cancellation is observed within one interval.
func (m *Manager) MonitorHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.config.HealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

// RunSampling drives the capture loop until ctx is cancelled: every
// SampleInterval it polls Capture on each running sensor and appends the
// produced envelopes to the gate. Failures are isolated per sensor per
// tick.
func (m *Manager) RunSampling(ctx context.Context) {
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleOnce()
		}
	}
}

// SampleOnce performs a single capture sweep over all running sensors.
func (m *Manager) SampleOnce() {
	for _, entry := range m.registry.List() {
		if !entry.Sensor.IsRunning() {
			continue
		}
		envs, err := entry.Sensor.Capture()
		if err != nil {
			entry.RecordError(err)
			captureFailures.WithLabelValues(entry.ID).Inc()
			m.logger.Warn("capture failed", "sensor_id", entry.ID, "error", err)
			continue
		}
		if len(envs) == 0 {
			continue
		}
		if err := m.gate.AppendMany(envs); err != nil {
			entry.RecordError(err)
			m.logger.Warn("failed to append captured envelopes",
				"sensor_id", entry.ID, "count", len(envs), "error", err)
		}
	}
}

// SensorStatus is a point-in-time snapshot of one sensor for the control
// surface.
type SensorStatus struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Desired     bool   `json:"desired"`
	LastError   string `json:"last_error,omitempty"`
	ErrorCount  int    `json:"error_count"`
}

// Statuses reports every registered sensor, sorted by id.
func (m *Manager) Statuses() []SensorStatus {
	m.mu.Lock()
	desired := make(map[string]bool, len(m.desired))
	for id := range m.desired {
		desired[id] = true
	}
	m.mu.Unlock()

	entries := m.registry.List()
	out := make([]SensorStatus, 0, len(entries))
	for _, entry := range entries {
		status := StatusStopped
		if entry.Sensor.IsRunning() {
			status = StatusRunning
		} else if entry.LastError() != "" {
			status = StatusError
		}
		out = append(out, SensorStatus{
			ID:          entry.ID,
			Type:        entry.Sensor.Name(),
			Description: entry.Sensor.Description(),
			Status:      status,
			Desired:     desired[entry.ID],
			LastError:   entry.LastError(),
			ErrorCount:  entry.ErrorCount(),
		})
	}
	return out
}

func (m *Manager) publishStatus(sensorID, status, message string) {
	if m.hub == nil {
		return
	}
	m.hub.PublishStatus(StatusEvent{
		SensorID:  sensorID,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	})
}
