package chronicle

import (
	"fmt"
	"sync"
)

// SourceWindowFocus is the producer category for foreground-window samples.
const SourceWindowFocus = "window_focus"

// WindowFocusProbe reports the current foreground window. A nil payload
// means nothing is focused. Probes must be bounded: Capture calls them
// inline on the sampling loop.
type WindowFocusProbe func() (map[string]any, error)

// stubWindowProbe stands in on platforms without a native prober and in
// test deployments, mirroring a fixed foreground window.
func stubWindowProbe() (map[string]any, error) {
	return map[string]any{
		"app_name":     "StubApp",
		"window_title": "Stub Window Title",
		"url":          nil,
		"process_id":   1234,
	}, nil
}

// WindowFocusSensor captures foreground window focus changes. The platform
// probe is pluggable; consecutive samples of the same window are
// deduplicated so only focus transitions produce envelopes.
type WindowFocusSensor struct {
	mu       sync.Mutex
	running  bool
	deviceID string
	probe    WindowFocusProbe
	lastKey  string
}

// NewWindowFocusSensor creates the sensor with the given probe. A nil
// probe selects the stub.
func NewWindowFocusSensor(probe WindowFocusProbe) *WindowFocusSensor {
	if probe == nil {
		probe = stubWindowProbe
	}
	return &WindowFocusSensor{probe: probe}
}

func (s *WindowFocusSensor) Name() string { return SourceWindowFocus }

func (s *WindowFocusSensor) Description() string {
	return "Capture foreground window focus metadata"
}

func (s *WindowFocusSensor) Initialize(config map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = ResolveDeviceID(config)
	return nil
}

func (s *WindowFocusSensor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

func (s *WindowFocusSensor) Stop(graceful bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.lastKey = ""
	return nil
}

func (s *WindowFocusSensor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Capture polls the probe once and returns an envelope when focus moved to
// a different window since the previous call.
func (s *WindowFocusSensor) Capture() ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, nil
	}

	payload, err := s.probe()
	if err != nil {
		return nil, fmt.Errorf("window focus probe failed: %w", err)
	}
	if payload == nil {
		return nil, nil
	}

	key := fmt.Sprintf("%v|%v", payload["app_name"], payload["window_title"])
	if key == s.lastKey {
		return nil, nil
	}
	s.lastKey = key

	env := NewEnvelope(SourceWindowFocus, FormatText, payload)
	env.AdditionalInfo = map[string]any{"device_id": s.deviceID}
	return []Envelope{env}, nil
}
