package chronicle

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
)

// DeadLetter journals record batches whose partition commit failed after
// retries were exhausted. Items land here instead of being dropped; an
// operator (or the gate on request) can replay them once the partition is
// writable again.
//
// On-disk format: a sequence of frames, each a 4-byte big-endian length
// followed by a snappy-compressed JSON array of records.
type DeadLetter struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewDeadLetter opens (creating if needed) the journal at path.
func NewDeadLetter(path string) (*DeadLetter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter journal: %w", err)
	}
	return &DeadLetter{path: path, file: file}, nil
}

// Append journals a failed batch. The frame is synced before returning so
// a crash immediately after a commit failure cannot lose the batch twice.
func (d *DeadLetter) Append(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter batch: %w", err)
	}
	frame := snappy.Encode(nil, raw)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return errors.New("dead-letter journal is closed")
	}
	if _, err := d.file.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write dead-letter frame: %w", err)
	}
	if _, err := d.file.Write(frame); err != nil {
		return fmt.Errorf("failed to write dead-letter frame: %w", err)
	}
	return d.file.Sync()
}

// Drain reads every journaled record and truncates the journal. A torn
// trailing frame (crash mid-append) is discarded; complete frames before it
// are preserved.
func (d *DeadLetter) Drain() ([]Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil, errors.New("dead-letter journal is closed")
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter journal: %w", err)
	}

	var records []Record
	r := bytes.NewReader(data)
	for {
		var header [4]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			break
		}
		frame := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(r, frame); err != nil {
			break
		}
		raw, err := snappy.Decode(nil, frame)
		if err != nil {
			break
		}
		var batch []Record
		if err := json.Unmarshal(raw, &batch); err != nil {
			break
		}
		records = append(records, batch...)
	}

	if err := d.file.Truncate(0); err != nil {
		return nil, fmt.Errorf("failed to truncate dead-letter journal: %w", err)
	}
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind dead-letter journal: %w", err)
	}
	return records, nil
}

// Close closes the journal file.
func (d *DeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
