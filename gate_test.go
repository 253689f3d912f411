package chronicle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestGate(t *testing.T, mutate func(*GateConfig)) *Gate {
	t.Helper()
	cfg := DefaultGateConfig(t.TempDir())
	cfg.FlushInterval = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGate(cfg)
	if err != nil {
		t.Fatalf("open gate: %v", err)
	}
	t.Cleanup(func() { _ = g.Shutdown() })
	return g
}

func TestGateAppendAndReadByID(t *testing.T) {
	g := newTestGate(t, nil)

	env := NewEnvelope("clipboard", FormatText, "copied text")
	if err := g.Append(env); err != nil {
		t.Fatalf("append: %v", err)
	}
	g.Flush()

	rec, err := g.ReadByID(context.Background(), env.ObjectID)
	if err != nil {
		t.Fatalf("read by id: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.Source != "clipboard" || rec.Content != "copied text" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.BlobPath != "" {
		t.Fatalf("expected empty blob path, got %q", rec.BlobPath)
	}

	missing, err := g.ReadByID(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("read missing id: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown id, got %+v", missing)
	}
}

func TestGateBatchDurability(t *testing.T) {
	g := newTestGate(t, nil)

	const n = 120
	envs := make([]Envelope, 0, n)
	for i := 0; i < n; i++ {
		envs = append(envs, NewEnvelope("keyboard", FormatText, fmt.Sprintf("key-%03d", i)))
	}
	if err := g.AppendMany(envs); err != nil {
		t.Fatalf("append many: %v", err)
	}
	g.Flush()

	records, err := g.ReadBySource(context.Background(), "keyboard")
	if err != nil {
		t.Fatalf("read by source: %v", err)
	}
	if len(records) != n {
		t.Fatalf("expected %d records, got %d", n, len(records))
	}

	path := monthPartitionPath(g.config.Root, time.Now())
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected partition file at %s: %v", path, err)
	}
}

func TestGateSplitsOversizedBatches(t *testing.T) {
	g := newTestGate(t, func(cfg *GateConfig) {
		cfg.MaxBatchSize = 200
		cfg.FlushInterval = 2 * time.Second
		cfg.QueueSize = 512
	})

	before := testutil.ToFloat64(batchesCommitted)

	const n = 250
	for i := 0; i < n; i++ {
		if err := g.Append(NewEnvelope("mouse", FormatText, fmt.Sprintf("move-%d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	g.Flush()

	// The size cap bounds each commit: 250 envelopes land as a full batch
	// of 200 plus a remainder of 50, and no envelope is lost or duplicated.
	if delta := testutil.ToFloat64(batchesCommitted) - before; delta != 2 {
		t.Fatalf("expected exactly 2 committed batches, got %v", delta)
	}
	records, err := g.ReadBySource(context.Background(), "mouse")
	if err != nil {
		t.Fatalf("read by source: %v", err)
	}
	if len(records) != n {
		t.Fatalf("expected %d records, got %d", n, len(records))
	}
	seen := make(map[string]bool, n)
	for _, r := range records {
		if seen[r.ID] {
			t.Fatalf("duplicate record id %s", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestGateBlobSidecar(t *testing.T) {
	g := newTestGate(t, nil)

	blob := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}
	env := NewEnvelope("screen", FormatImage, map[string]any{"width": 1920})
	env.BlobBytes = blob
	env.BlobExt = "png"
	if err := g.Append(env); err != nil {
		t.Fatalf("append: %v", err)
	}
	g.Flush()

	rec, err := g.ReadByID(context.Background(), env.ObjectID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record")
	}
	if rec.BlobPath == "" {
		t.Fatal("expected blob path on record")
	}

	data, err := g.Blobs().Read(rec.BlobPath)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != string(blob) {
		t.Fatalf("blob bytes mismatch: %v vs %v", data, blob)
	}
}

func TestGateRangeAcrossMonths(t *testing.T) {
	g := newTestGate(t, nil)

	months := []time.Time{
		time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC),
	}
	var ids []string
	for _, ts := range months {
		for i := 0; i < 3; i++ {
			env := NewEnvelope("window_focus", FormatText, "payload")
			env.Timestamp = timeToSeconds(ts.Add(time.Duration(i) * time.Minute))
			env.CreateTime = ts
			if err := g.Append(env); err != nil {
				t.Fatalf("append: %v", err)
			}
			ids = append(ids, env.ObjectID)
		}
	}
	g.Flush()

	// Full range: every record, globally sorted, no duplicates.
	records, err := g.ReadByTimeRange(context.Background(),
		time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(records) != len(ids) {
		t.Fatalf("expected %d records, got %d", len(ids), len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].Timestamp > records[i].Timestamp {
			t.Fatalf("records not sorted at %d", i)
		}
	}
	seen := make(map[string]bool)
	for _, r := range records {
		if seen[r.ID] {
			t.Fatalf("duplicate id %s", r.ID)
		}
		seen[r.ID] = true
	}

	// A sub-range visits only the intersecting month.
	july, err := g.ReadByTimeRange(context.Background(),
		time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("read july: %v", err)
	}
	if len(july) != 3 {
		t.Fatalf("expected 3 july records, got %d", len(july))
	}
}

func TestGateAppendAfterShutdown(t *testing.T) {
	cfg := DefaultGateConfig(t.TempDir())
	g, err := NewGate(cfg)
	if err != nil {
		t.Fatalf("open gate: %v", err)
	}
	if err := g.Append(NewEnvelope("test", FormatText, "x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := g.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := g.Append(NewEnvelope("test", FormatText, "y")); err != ErrGateClosed {
		t.Fatalf("expected ErrGateClosed, got %v", err)
	}
	// Shutdown is idempotent.
	if err := g.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestGateMetadataEnvelope(t *testing.T) {
	g := newTestGate(t, nil)

	env := NewEnvelope("annotation", FormatText, map[string]any{"note": "day summary"})
	env.Kind = KindMetadata
	if err := g.Append(env); err != nil {
		t.Fatalf("append: %v", err)
	}
	g.Flush()

	// Metadata envelopes bypass the partitions entirely.
	rec, err := g.ReadByID(context.Background(), env.ObjectID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec != nil {
		t.Fatalf("metadata must not land in a partition, got %+v", rec)
	}

	day := env.captureTime().Format("2006-01-02")
	path := fmt.Sprintf("%s/metadata/%s/%s.json", g.config.Root, day, env.ObjectID)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected metadata document: %v", err)
	}
	var stored Record
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode metadata document: %v", err)
	}
	if stored.ID != env.ObjectID || stored.Source != "annotation" {
		t.Fatalf("unexpected metadata record: %+v", stored)
	}
}

func TestGateDeadLettersFailedCommitsAndReplays(t *testing.T) {
	g := newTestGate(t, func(cfg *GateConfig) {
		cfg.Retry = RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	})

	// A regular file where the year directory belongs makes every commit
	// to that partition fail.
	blocker := filepath.Join(g.config.Root, "2026")
	if err := os.WriteFile(blocker, []byte("in the way"), 0o644); err != nil {
		t.Fatalf("block year dir: %v", err)
	}

	ts := time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)
	env := NewEnvelope("clipboard", FormatText, "survives the outage")
	env.Timestamp = timeToSeconds(ts)
	env.CreateTime = ts
	if err := g.Append(env); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Flush must return even though the commit cannot succeed; the batch
	// is journaled, not dropped and not retried forever.
	g.Flush()

	rec, err := g.ReadByID(context.Background(), env.ObjectID)
	if err != nil {
		t.Fatalf("read after failed commit: %v", err)
	}
	if rec != nil {
		t.Fatalf("record landed in a partition despite the blocked commit: %+v", rec)
	}
	info, err := os.Stat(g.config.DeadLetterPath)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected a non-empty dead-letter journal: %v", err)
	}

	// Once the partition is writable again, replay re-commits the batch.
	if err := os.Remove(blocker); err != nil {
		t.Fatalf("unblock year dir: %v", err)
	}
	n, err := g.ReplayDeadLetters(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 replayed record, got %d", n)
	}

	rec, err = g.ReadByID(context.Background(), env.ObjectID)
	if err != nil {
		t.Fatalf("read after replay: %v", err)
	}
	if rec == nil {
		t.Fatal("expected the replayed record in its partition")
	}
	if rec.Content != "survives the outage" || rec.Source != "clipboard" {
		t.Fatalf("replayed record mismatch: %+v", rec)
	}
}

func TestGateReadAfterFlushSeesEverything(t *testing.T) {
	g := newTestGate(t, func(cfg *GateConfig) {
		cfg.FlushInterval = time.Second
	})

	for i := 0; i < 10; i++ {
		if err := g.Append(NewEnvelope("window_focus", FormatText, fmt.Sprintf("w%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Flush unblocks only after the open batch has been committed.
	g.Flush()

	records, err := g.ReadBySource(context.Background(), "window_focus")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("expected 10 records after flush, got %d", len(records))
	}
}
