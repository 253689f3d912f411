package chronicle

import (
	"errors"
	"testing"
)

func TestRegistryCreateUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("telepathy", "", nil); !errors.Is(err, ErrUnknownSensorType) {
		t.Fatalf("expected ErrUnknownSensorType, got %v", err)
	}
	if _, err := r.Create("", "", nil); err == nil {
		t.Fatal("expected error for empty type")
	}
}

func TestRegistryCreateDefaultID(t *testing.T) {
	r := NewRegistry()
	entry, err := r.Create(SourceWindowFocus, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if entry.ID != SourceWindowFocus {
		t.Fatalf("expected default id %q, got %q", SourceWindowFocus, entry.ID)
	}
	if got := r.Get(SourceWindowFocus); got != entry {
		t.Fatal("Get did not return the created entry")
	}
}

func TestRegistryDuplicateID(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create(SourceWindowFocus, "wf", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(SourceWindowFocus, "wf", nil); !errors.Is(err, ErrDuplicateSensorID) {
		t.Fatalf("expected ErrDuplicateSensorID, got %v", err)
	}
	// A different id for the same type is fine.
	if _, err := r.Create(SourceWindowFocus, "wf2", nil); err != nil {
		t.Fatalf("second instance: %v", err)
	}
}

func TestRegistryTypeNormalization(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("  Window_Focus  ", "wf", nil); err != nil {
		t.Fatalf("expected case-insensitive type match: %v", err)
	}
}

func TestRegistryUnregisterStopsSensor(t *testing.T) {
	r := NewRegistry()
	entry, err := r.Create(SourceWindowFocus, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := entry.Sensor.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	removed := r.Unregister(entry.ID)
	if removed == nil {
		t.Fatal("expected removed entry")
	}
	if removed.Sensor.IsRunning() {
		t.Fatal("unregister must stop a running sensor")
	}
	if r.Get(entry.ID) != nil {
		t.Fatal("entry still resolvable after unregister")
	}
	if r.Unregister("ghost") != nil {
		t.Fatal("expected nil for unknown id")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Create(SourceWindowFocus, id, nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	entries := r.List()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].ID != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, entries[i].ID)
		}
	}
}
