package chronicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrGateClosed is returned by appends after Shutdown.
var ErrGateClosed = errors.New("chronicle gate is closed")

// GateConfig configures the chronicle gate.
type GateConfig struct {
	// Root is the base directory for partitions, blobs, and the
	// dead-letter journal.
	Root string `yaml:"root"`

	// FlushInterval is the batch accumulation window, measured from the
	// first item of a batch. Default: 2s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxBatchSize caps how many envelopes one commit may carry.
	// Default: 200.
	MaxBatchSize int `yaml:"max_batch_size"`

	// QueueSize is the ingestion queue capacity. Appends block once the
	// queue is full; they never block on disk I/O. Default: 1024.
	QueueSize int `yaml:"queue_size"`

	// SQLite holds the per-partition store pragmas.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// Retry bounds commit retries before a batch is dead-lettered.
	Retry RetryConfig `yaml:"retry"`

	// DeadLetterPath overrides the journal location.
	// Default: <root>/deadletter.log.
	DeadLetterPath string `yaml:"dead_letter_path"`

	// Encryption configures blob sidecar encryption at rest.
	Encryption EncryptionConfig `yaml:"encryption"`
}

// DefaultGateConfig returns a gate configuration rooted at dir.
func DefaultGateConfig(dir string) GateConfig {
	return GateConfig{
		Root:          dir,
		FlushInterval: 2 * time.Second,
		MaxBatchSize:  200,
		QueueSize:     1024,
		SQLite:        DefaultSQLiteConfig(),
		Retry:         DefaultRetryConfig(),
	}
}

func (c *GateConfig) normalize() error {
	if c.Root == "" {
		return errors.New("gate root is required")
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 200
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.DeadLetterPath == "" {
		c.DeadLetterPath = filepath.Join(c.Root, "deadletter.log")
	}
	c.SQLite.normalize()
	c.Retry.normalize()
	return nil
}

// Writer lifecycle states. The background writer is an explicit state
// machine guarded by one-time initialization, so concurrent first appenders
// cannot race two writers into existence.
const (
	writerNotStarted int32 = iota
	writerRunning
	writerStopped
)

// Gate is the storage engine: it accepts envelopes on an internal queue,
// batches them, routes each record to its month partition, and commits each
// partition group as one transaction. The gate exclusively owns record
// lifecycle; partition write handles are cached per path for the gate's
// lifetime, while readers open short-lived independent handles.
type Gate struct {
	config GateConfig
	logger *slog.Logger

	queue   chan Envelope
	pending *pendingTracker

	writerState atomic.Int32
	startOnce   sync.Once
	writerDone  chan struct{}

	// lifecycle is held read-side across every enqueue so Shutdown can
	// close the queue only once no append is mid-send.
	lifecycle sync.RWMutex
	closed    bool

	mu     sync.Mutex
	stores map[string]*partitionStore

	blobs *BlobStore
	dlq   *DeadLetter
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the gate's logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates a chronicle gate. The background writer starts lazily on
// the first append.
func NewGate(cfg GateConfig, opts ...GateOption) (*Gate, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	enc, err := NewEncryptor(cfg.Encryption)
	if err != nil {
		return nil, err
	}

	dlq, err := NewDeadLetter(cfg.DeadLetterPath)
	if err != nil {
		return nil, err
	}

	g := &Gate{
		config:     cfg,
		logger:     slog.Default(),
		queue:      make(chan Envelope, cfg.QueueSize),
		pending:    newPendingTracker(),
		writerDone: make(chan struct{}),
		stores:     make(map[string]*partitionStore),
		blobs:      NewBlobStore(cfg.Root, enc),
		dlq:        dlq,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Blobs returns the gate's blob store.
func (g *Gate) Blobs() *BlobStore {
	return g.blobs
}

// Append enqueues one envelope for asynchronous persistence. It returns
// once the envelope is queued; it blocks only when the queue is full, never
// on disk I/O. A missing id or timestamp is synthesized here so the
// envelope is fully identified before it leaves the caller.
func (g *Gate) Append(env Envelope) error {
	g.lifecycle.RLock()
	defer g.lifecycle.RUnlock()
	if g.closed {
		return ErrGateClosed
	}

	g.ensureWriter()
	env.normalize(time.Now())

	g.pending.add(1)
	g.queue <- env
	gateQueueDepth.Set(float64(len(g.queue)))
	envelopesAppended.WithLabelValues(env.Source).Inc()
	return nil
}

// AppendMany enqueues a batch of envelopes.
func (g *Gate) AppendMany(envs []Envelope) error {
	for _, env := range envs {
		if err := g.Append(env); err != nil {
			return err
		}
	}
	return nil
}

// Flush blocks until every envelope enqueued so far has been committed or
// dead-lettered. Callers needing read-after-write consistency must flush
// before querying.
func (g *Gate) Flush() {
	g.pending.wait()
}

// Shutdown flushes, stops the writer, and releases all cached partition
// handles.
func (g *Gate) Shutdown() error {
	g.lifecycle.Lock()
	if g.closed {
		g.lifecycle.Unlock()
		return nil
	}
	g.closed = true
	g.lifecycle.Unlock()

	g.Flush()

	if g.writerState.Load() == writerRunning {
		close(g.queue)
		<-g.writerDone
	}
	g.writerState.Store(writerStopped)

	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for path, store := range g.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close partition %s: %w", path, err)
		}
		delete(g.stores, path)
	}
	if err := g.dlq.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (g *Gate) ensureWriter() {
	g.startOnce.Do(func() {
		g.writerState.Store(writerRunning)
		go g.writerLoop()
	})
}

// writerLoop is the single background writer: it pulls one envelope, then
// greedily accumulates more until the batch is full or the window (measured
// from the first item) elapses, whichever comes first, and commits the
// batch grouped by partition.
func (g *Gate) writerLoop() {
	defer close(g.writerDone)
	for {
		first, ok := <-g.queue
		if !ok {
			return
		}
		batch := g.accumulate(first)
		gateQueueDepth.Set(float64(len(g.queue)))
		g.commitBatch(batch)
		g.pending.done(len(batch))
	}
}

func (g *Gate) accumulate(first Envelope) []Envelope {
	batch := []Envelope{first}
	timer := time.NewTimer(g.config.FlushInterval)
	defer timer.Stop()

	for len(batch) < g.config.MaxBatchSize {
		select {
		case env, ok := <-g.queue:
			if !ok {
				return batch
			}
			batch = append(batch, env)
		case <-timer.C:
			return batch
		}
	}
	return batch
}

// commitBatch converts envelopes to records, groups them by partition, and
// commits each group independently: a failing partition never corrupts or
// blocks the other groups in the same batch. Exhausted groups are journaled
// to the dead-letter file, never silently dropped.
func (g *Gate) commitBatch(batch []Envelope) {
	groups := make(map[string][]Record)
	order := make([]string, 0, 4)

	for i := range batch {
		env := &batch[i]
		if env.Kind == KindMetadata {
			if err := g.writeMetadata(env); err != nil {
				g.logger.Error("metadata write failed", "object_id", env.ObjectID, "error", err)
			}
			continue
		}
		record := g.buildRecord(env)
		path := monthPartitionPath(g.config.Root, env.captureTime())
		if _, seen := groups[path]; !seen {
			order = append(order, path)
		}
		groups[path] = append(groups[path], record)
	}

	for _, path := range order {
		g.commitGroup(path, groups[path])
	}
}

func (g *Gate) commitGroup(path string, records []Record) {
	ctx := context.Background()
	err := withRetry(ctx, g.config.Retry, func() error {
		store, err := g.store(path)
		if err != nil {
			return err
		}
		return store.insertBatch(ctx, records)
	})
	if err == nil {
		batchesCommitted.Inc()
		return
	}

	batchCommitFailures.Inc()
	g.logger.Error("partition commit failed, journaling batch",
		"partition", path, "records", len(records), "error", err)
	if dlqErr := g.dlq.Append(records); dlqErr != nil {
		g.logger.Error("dead-letter append failed", "partition", path, "error", dlqErr)
		return
	}
	deadLetteredRecords.Add(float64(len(records)))
}

// buildRecord serializes an envelope into its persisted form, extracting
// any binary payload into a sidecar first so binary bytes are never inlined
// into the textual store.
func (g *Gate) buildRecord(env *Envelope) Record {
	var blobPath string
	if len(env.BlobBytes) > 0 {
		rel, err := g.blobs.Write(env.captureTime(), env.ObjectID, env.BlobBytes, env.BlobExt)
		if err != nil {
			g.logger.Error("blob write failed", "object_id", env.ObjectID, "error", err)
		} else {
			blobPath = rel
			blobsWritten.Inc()
		}
	}

	content, err := serializeContent(env.Content)
	if err != nil {
		g.logger.Error("content serialization failed", "object_id", env.ObjectID, "error", err)
		content = fmt.Sprintf("%v", env.Content)
	}

	return Record{
		ID:        env.ObjectID,
		Timestamp: env.Timestamp,
		Source:    env.Source,
		Content:   content,
		BlobPath:  blobPath,
	}
}

// writeMetadata stores a metadata envelope as a standalone document under
// <root>/metadata/<YYYY-MM-DD>/<id>.json. The branch is decided once here,
// at ingestion, by the envelope's Kind tag.
func (g *Gate) writeMetadata(env *Envelope) error {
	record := g.buildRecord(env)
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode metadata record: %w", err)
	}
	dir := filepath.Join(g.config.Root, "metadata", env.captureTime().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, env.ObjectID+".json"), raw, 0o644)
}

// store returns the cached write handle for a partition, opening it on
// first use.
func (g *Gate) store(path string) (*partitionStore, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.stores[path]; ok {
		return s, nil
	}
	s, err := openPartitionStore(path, g.config.SQLite)
	if err != nil {
		return nil, err
	}
	g.stores[path] = s
	return s, nil
}

// ReadByID returns the record with the given id, or (nil, nil) when no
// partition holds it. Partitions are scanned in ascending calendar order,
// each exactly once.
func (g *Gate) ReadByID(ctx context.Context, id string) (*Record, error) {
	paths, err := listPartitionPaths(g.config.Root)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		db, err := openPartitionReader(path)
		if err != nil {
			return nil, err
		}
		record, found, err := queryByID(ctx, db, id)
		_ = db.Close()
		if err != nil {
			return nil, err
		}
		if found {
			return &record, nil
		}
	}
	return nil, nil
}

// ReadByTimeRange returns all records whose capture timestamp falls within
// [start, end], ascending by timestamp. Exactly the partitions whose month
// intersects the range are visited; calendar-ordered visits make the result
// globally sorted without a merge step.
func (g *Gate) ReadByTimeRange(ctx context.Context, start, end time.Time) ([]Record, error) {
	var out []Record
	for _, month := range monthsInRange(start, end) {
		path := monthPartitionPath(g.config.Root, month)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		db, err := openPartitionReader(path)
		if err != nil {
			return nil, err
		}
		records, err := queryRange(ctx, db, timeToSeconds(start), timeToSeconds(end))
		_ = db.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// ReadBySource returns all records for a producer category across every
// partition, ascending by timestamp.
func (g *Gate) ReadBySource(ctx context.Context, source string) ([]Record, error) {
	paths, err := listPartitionPaths(g.config.Root)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, path := range paths {
		db, err := openPartitionReader(path)
		if err != nil {
			return nil, err
		}
		records, err := queryBySource(ctx, db, source)
		_ = db.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// ReplayDeadLetters drains the dead-letter journal and re-commits its
// records to their partitions. Records that still cannot be committed are
// journaled again. Returns the number of records successfully replayed.
func (g *Gate) ReplayDeadLetters(ctx context.Context) (int, error) {
	records, err := g.dlq.Drain()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	groups := make(map[string][]Record)
	for _, r := range records {
		path := monthPartitionPath(g.config.Root, secondsToTime(r.Timestamp))
		groups[path] = append(groups[path], r)
	}

	replayed := 0
	for path, group := range groups {
		err := withRetry(ctx, g.config.Retry, func() error {
			store, err := g.store(path)
			if err != nil {
				return err
			}
			return store.insertBatch(ctx, group)
		})
		if err != nil {
			g.logger.Error("dead-letter replay failed", "partition", path, "error", err)
			if dlqErr := g.dlq.Append(group); dlqErr != nil {
				return replayed, dlqErr
			}
			continue
		}
		replayed += len(group)
	}
	return replayed, nil
}

// pendingTracker counts envelopes between enqueue and commit so Flush can
// wait for the queue to drain. A plain WaitGroup cannot be reused across
// concurrent add/wait cycles, hence the condition variable.
type pendingTracker struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func newPendingTracker() *pendingTracker {
	t := &pendingTracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *pendingTracker) add(n int) {
	t.mu.Lock()
	t.count += n
	t.mu.Unlock()
}

func (t *pendingTracker) done(n int) {
	t.mu.Lock()
	t.count -= n
	if t.count <= 0 {
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

func (t *pendingTracker) wait() {
	t.mu.Lock()
	for t.count > 0 {
		t.cond.Wait()
	}
	t.mu.Unlock()
}
