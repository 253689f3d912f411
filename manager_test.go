package chronicle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakySensor is a controllable adapter for lifecycle tests.
type flakySensor struct {
	mu          sync.Mutex
	running     bool
	failStart   bool
	captures    [][]Envelope
	captureErr  error
	startCalls  int
	lastConfig  map[string]any
	initialized bool
}

func (s *flakySensor) Name() string        { return "flaky" }
func (s *flakySensor) Description() string { return "test sensor" }

func (s *flakySensor) Initialize(config map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.lastConfig = config
	return nil
}

func (s *flakySensor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.failStart {
		return errors.New("start refused")
	}
	s.running = true
	return nil
}

func (s *flakySensor) Stop(graceful bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *flakySensor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *flakySensor) Capture() ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	if len(s.captures) == 0 {
		return nil, nil
	}
	out := s.captures[0]
	s.captures = s.captures[1:]
	return out, nil
}

func (s *flakySensor) setFailStart(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStart = fail
}

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) (*Manager, *Registry, *Gate) {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.RestartBackoff = time.Millisecond
	cfg.SampleInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	registry := NewRegistry()
	gate := newTestGate(t, nil)
	return NewManager(cfg, registry, gate, nil), registry, gate
}

func TestManagerHealthRestoresDesiredSensor(t *testing.T) {
	m, registry, _ := newTestManager(t, nil)
	sensor := &flakySensor{}
	entry, err := registry.Register(sensor, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.StartSensor(entry.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Stopped out-of-band, still in the desired set.
	_ = sensor.Stop(true)
	if sensor.IsRunning() {
		t.Fatal("sensor should be stopped")
	}

	m.CheckHealth()
	if !sensor.IsRunning() {
		t.Fatal("one health check should restore a desired sensor")
	}
}

func TestManagerStopAllClearsDesired(t *testing.T) {
	m, registry, _ := newTestManager(t, nil)
	sensor := &flakySensor{}
	if _, err := registry.Register(sensor, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if err := m.StopAll(true); err != nil {
		t.Fatalf("stop all: %v", err)
	}

	// No amount of health checking resurrects an operator-stopped sensor.
	m.CheckHealth()
	m.CheckHealth()
	if sensor.IsRunning() {
		t.Fatal("health check restarted a deliberately stopped sensor")
	}
}

func TestManagerExplicitStopNotRestarted(t *testing.T) {
	m, registry, _ := newTestManager(t, nil)
	sensor := &flakySensor{}
	entry, err := registry.Register(sensor, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.StartSensor(entry.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StopSensor(entry.ID, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	m.CheckHealth()
	if sensor.IsRunning() {
		t.Fatal("explicitly stopped sensor was restarted")
	}
}

func TestManagerRestartBudgetExhausted(t *testing.T) {
	m, registry, _ := newTestManager(t, func(cfg *ManagerConfig) {
		limit := 2
		cfg.MaxRestarts = &limit
	})
	sensor := &flakySensor{}
	entry, err := registry.Register(sensor, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.StartSensor(entry.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = sensor.Stop(true)
	sensor.setFailStart(true)

	for i := 0; i < 3; i++ {
		m.CheckHealth()
		time.Sleep(2 * time.Millisecond)
	}

	// Budget spent and the sensor dropped from the desired set: even a
	// now-healthy Start is not attempted again automatically.
	sensor.setFailStart(false)
	m.CheckHealth()
	if sensor.IsRunning() {
		t.Fatal("sensor restarted after its budget was exhausted")
	}
	if entry.LastError() == "" {
		t.Fatal("expected failure recorded on the entry")
	}

	// An explicit operator start resets the budget.
	if err := m.StartSensor(entry.ID); err != nil {
		t.Fatalf("explicit restart: %v", err)
	}
	if !sensor.IsRunning() {
		t.Fatal("explicit start should succeed")
	}
}

func TestManagerUnboundedRestarts(t *testing.T) {
	m, registry, _ := newTestManager(t, func(cfg *ManagerConfig) {
		unbounded := 0
		cfg.MaxRestarts = &unbounded
	})
	sensor := &flakySensor{}
	entry, err := registry.Register(sensor, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.StartSensor(entry.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = sensor.Stop(true)
	sensor.setFailStart(true)

	// Far past the default budget: with MaxRestarts zero the sensor is
	// never dropped from the desired set.
	for i := 0; i < 8; i++ {
		m.CheckHealth()
		time.Sleep(2 * time.Millisecond)
	}

	statuses := m.Statuses()
	if len(statuses) != 1 || !statuses[0].Desired {
		t.Fatalf("sensor left the desired set: %+v", statuses)
	}

	// Once Start recovers, the very next check restores it.
	sensor.setFailStart(false)
	time.Sleep(2 * time.Millisecond)
	m.CheckHealth()
	if !sensor.IsRunning() {
		t.Fatal("expected unbounded health checks to restore the sensor")
	}
}

func TestManagerSamplingIsolatesFailures(t *testing.T) {
	m, registry, gate := newTestManager(t, nil)

	broken := &flakySensor{captureErr: errors.New("probe exploded")}
	if _, err := registry.Register(broken, "broken"); err != nil {
		t.Fatalf("register broken: %v", err)
	}
	healthy := &flakySensor{captures: [][]Envelope{
		{NewEnvelope("window_focus", FormatText, map[string]any{"app_name": "Editor"})},
	}}
	if _, err := registry.Register(healthy, "healthy"); err != nil {
		t.Fatalf("register healthy: %v", err)
	}
	if err := m.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}

	m.SampleOnce()
	gate.Flush()

	records, err := gate.ReadBySource(context.Background(), "window_focus")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the healthy sensor's record, got %d", len(records))
	}
	if entry := registry.Get("broken"); entry.ErrorCount() == 0 {
		t.Fatal("expected capture failure recorded")
	}
}

func TestManagerMonitorHealthCancellation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.MonitorHealth(ctx, 5*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("MonitorHealth did not observe cancellation within one interval")
	}
}

func TestWindowFocusEndToEnd(t *testing.T) {
	m, registry, gate := newTestManager(t, nil)
	m.ApplyGlobalConfig(map[string]any{"device_id": "TestRig"})

	entry, err := m.CreateSensor(SourceWindowFocus, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.StartSensor(entry.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Two sweeps: the second sees the same foreground window and is
	// deduplicated.
	m.SampleOnce()
	m.SampleOnce()
	gate.Flush()

	records, err := gate.ReadBySource(context.Background(), SourceWindowFocus)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one focus record, got %d", len(records))
	}

	rec := records[0]
	if rec.ID == "" || rec.Timestamp <= 0 {
		t.Fatalf("record missing identity: %+v", rec)
	}
	if rec.BlobPath != "" {
		t.Fatalf("focus record must not have a sidecar: %q", rec.BlobPath)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(rec.Content), &payload); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if payload["app_name"] != "StubApp" {
		t.Fatalf("expected stub app name, got %v", payload["app_name"])
	}
	if _, ok := payload["window_title"]; !ok {
		t.Fatal("expected window_title in payload")
	}

	if got := registry.Get(entry.ID); got == nil {
		t.Fatal("sensor missing from registry")
	}

	statuses := m.Statuses()
	if len(statuses) != 1 || statuses[0].Status != StatusRunning {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}
