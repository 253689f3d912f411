package chronicle

import (
	"errors"
	"strings"
	"testing"
)

func TestWindowFocusSensorDedup(t *testing.T) {
	calls := 0
	probe := func() (map[string]any, error) {
		calls++
		return map[string]any{"app_name": "Editor", "window_title": "main.go"}, nil
	}
	s := NewWindowFocusSensor(probe)
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	envs, err := s.Capture()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envs))
	}
	if envs[0].Source != SourceWindowFocus {
		t.Fatalf("unexpected source %q", envs[0].Source)
	}

	// Same window again: no envelope.
	envs, err = s.Capture()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(envs) != 0 {
		t.Fatalf("expected dedup, got %d envelopes", len(envs))
	}

	// A restart clears the dedup state.
	if err := s.Stop(true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	envs, _ = s.Capture()
	if len(envs) != 1 {
		t.Fatalf("expected envelope after restart, got %d", len(envs))
	}
	if calls != 3 {
		t.Fatalf("expected 3 probe calls, got %d", calls)
	}
}

func TestWindowFocusSensorStoppedAndErrors(t *testing.T) {
	s := NewWindowFocusSensor(func() (map[string]any, error) {
		return nil, errors.New("no display")
	})
	_ = s.Initialize(nil)

	// Not running: capture is a quiet no-op.
	envs, err := s.Capture()
	if err != nil || len(envs) != 0 {
		t.Fatalf("stopped capture: %v, %d envelopes", err, len(envs))
	}

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Capture(); err == nil {
		t.Fatal("expected probe error surfaced")
	}

	// A nil payload means nothing focused.
	quiet := NewWindowFocusSensor(func() (map[string]any, error) { return nil, nil })
	_ = quiet.Initialize(nil)
	_ = quiet.Start()
	envs, err = quiet.Capture()
	if err != nil || len(envs) != 0 {
		t.Fatalf("nil payload: %v, %d envelopes", err, len(envs))
	}
}

func TestResolveDeviceID(t *testing.T) {
	if got := ResolveDeviceID(map[string]any{"device_id": "Laptop-7"}); got != "Laptop-7" {
		t.Fatalf("config override ignored: %s", got)
	}

	// Without an override the id is MAC-derived or the placeholder;
	// either way it is stable and non-empty.
	a := ResolveDeviceID(nil)
	b := ResolveDeviceID(map[string]any{})
	if a == "" || a != b {
		t.Fatalf("expected stable device id, got %q and %q", a, b)
	}
	if a != fallbackDeviceID && !strings.HasPrefix(a, "Node-") {
		t.Fatalf("unexpected device id form: %q", a)
	}
}
