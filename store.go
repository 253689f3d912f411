package chronicle

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the per-partition SQLite stores.
type SQLiteConfig struct {
	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB).
	CacheSize int `yaml:"cache_size"`
	// JournalMode sets the SQLite journal mode (default: WAL).
	JournalMode string `yaml:"journal_mode"`
	// Synchronous sets the synchronous flag (default: NORMAL).
	Synchronous string `yaml:"synchronous"`
	// BusyTimeout is the lock acquisition timeout in milliseconds.
	BusyTimeout int `yaml:"busy_timeout"`
}

// DefaultSQLiteConfig returns pragmas suited to single-writer,
// multi-reader access.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		CacheSize:   2000,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

func (c *SQLiteConfig) normalize() {
	if c.CacheSize <= 0 {
		c.CacheSize = 2000
	}
	if c.JournalMode == "" {
		c.JournalMode = "WAL"
	}
	if c.Synchronous == "" {
		c.Synchronous = "NORMAL"
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5000
	}
}

const chronicleSchema = `
	CREATE TABLE IF NOT EXISTS chronicle (
		id TEXT PRIMARY KEY,
		timestamp REAL NOT NULL,
		source TEXT,
		content TEXT,
		blob_path TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chronicle_timestamp ON chronicle(timestamp);
	CREATE INDEX IF NOT EXISTS idx_chronicle_source ON chronicle(source);
`

// partitionStore is the write handle for one month partition. The gate's
// writer goroutine is the only writer; readers open their own short-lived
// handles via openPartitionReader.
type partitionStore struct {
	path string
	db   *sql.DB

	insertStmt *sql.Stmt
}

// openPartitionStore opens (creating if needed) a month partition database
// and applies the durability pragmas from cfg.
func openPartitionStore(path string, cfg SQLiteConfig) (*partitionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		path, cfg.CacheSize, cfg.JournalMode, cfg.Synchronous, cfg.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %s: %w", path, err)
	}
	// One connection: the gate guarantees single-writer access per
	// partition, and a second pooled connection would not see the WAL
	// pragmas from the DSN on all driver versions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(chronicleSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema for %s: %w", path, err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO chronicle (id, timestamp, source, content, blob_path)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	return &partitionStore{path: path, db: db, insertStmt: insertStmt}, nil
}

// insertBatch commits a group of records as one transaction.
func (p *partitionStore) insertBatch(ctx context.Context, records []Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.StmtContext(ctx, p.insertStmt)
	for _, r := range records {
		blobPath := sql.NullString{String: r.BlobPath, Valid: r.BlobPath != ""}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Timestamp, r.Source, r.Content, blobPath); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Close releases the write handle.
func (p *partitionStore) Close() error {
	if p.insertStmt != nil {
		_ = p.insertStmt.Close()
	}
	return p.db.Close()
}

// openPartitionReader opens a short-lived read-only handle on a partition.
func openPartitionReader(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=true", path)
	return sql.Open("sqlite", dsn)
}

const recordColumns = `id, timestamp, source, content, blob_path`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var r Record
	var source, content, blobPath sql.NullString
	if err := row.Scan(&r.ID, &r.Timestamp, &source, &content, &blobPath); err != nil {
		return Record{}, err
	}
	r.Source = source.String
	r.Content = content.String
	r.BlobPath = blobPath.String
	return r, nil
}

// queryByID looks a record up in one partition; found=false when absent.
func queryByID(ctx context.Context, db *sql.DB, id string) (Record, bool, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM chronicle WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to query by id: %w", err)
	}
	return r, true, nil
}

// queryRange returns records in [start, end] ordered ascending by
// timestamp within one partition.
func queryRange(ctx context.Context, db *sql.DB, start, end float64) ([]Record, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM chronicle
		 WHERE timestamp BETWEEN ? AND ?
		 ORDER BY timestamp ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// queryBySource returns all records for a producer category within one
// partition, ordered ascending by timestamp.
func queryBySource(ctx context.Context, db *sql.DB, source string) ([]Record, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM chronicle
		 WHERE source = ?
		 ORDER BY timestamp ASC`, source)
	if err != nil {
		return nil, fmt.Errorf("failed to query by source: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
