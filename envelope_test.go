package chronicle

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestNewEnvelopeAssignsIdentity(t *testing.T) {
	a := NewEnvelope(SourceWindowFocus, FormatText, "hello")
	b := NewEnvelope(SourceWindowFocus, FormatText, "hello")

	if a.ObjectID == "" || b.ObjectID == "" {
		t.Fatal("expected non-empty object ids")
	}
	if a.ObjectID == b.ObjectID {
		t.Fatalf("expected distinct ids, both were %s", a.ObjectID)
	}
	if a.Timestamp <= 0 {
		t.Fatalf("expected positive timestamp, got %f", a.Timestamp)
	}
	if math.Abs(a.Timestamp-timeToSeconds(a.CreateTime)) > 0.001 {
		t.Fatalf("timestamp %f does not match create time %v", a.Timestamp, a.CreateTime)
	}
}

func TestNormalizeSynthesizesMissingFields(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	env := Envelope{Source: "test"}
	env.normalize(now)
	if env.ObjectID == "" {
		t.Fatal("expected id to be synthesized")
	}
	if env.Timestamp != timeToSeconds(now) {
		t.Fatalf("expected timestamp %f, got %f", timeToSeconds(now), env.Timestamp)
	}

	// A create time set upstream wins over the normalization clock.
	created := now.Add(-time.Hour)
	env = Envelope{Source: "test", CreateTime: created}
	env.normalize(now)
	if env.Timestamp != timeToSeconds(created) {
		t.Fatalf("expected timestamp from create time, got %f", env.Timestamp)
	}

	// An explicit timestamp is never overwritten.
	env = Envelope{Source: "test", Timestamp: 42.5}
	env.normalize(now)
	if env.Timestamp != 42.5 {
		t.Fatalf("expected explicit timestamp preserved, got %f", env.Timestamp)
	}
}

func TestSerializeContent(t *testing.T) {
	if s, err := serializeContent(nil); err != nil || s != "" {
		t.Fatalf("nil content: got %q, %v", s, err)
	}
	if s, err := serializeContent("plain"); err != nil || s != "plain" {
		t.Fatalf("string content: got %q, %v", s, err)
	}
	if s, err := serializeContent([]byte("raw")); err != nil || s != "raw" {
		t.Fatalf("byte content: got %q, %v", s, err)
	}

	s, err := serializeContent(map[string]any{"app_name": "Editor"})
	if err != nil {
		t.Fatalf("map content: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		t.Fatalf("decode serialized map: %v", err)
	}
	if decoded["app_name"] != "Editor" {
		t.Fatalf("expected app_name Editor, got %v", decoded["app_name"])
	}
}

func TestTimeSecondsRoundTrip(t *testing.T) {
	orig := time.Date(2026, 8, 23, 9, 30, 15, 500_000_000, time.UTC)
	got := secondsToTime(timeToSeconds(orig))
	if got.Sub(orig).Abs() > time.Millisecond {
		t.Fatalf("round trip drifted: %v vs %v", got, orig)
	}
}
