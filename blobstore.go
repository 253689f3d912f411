package chronicle

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BlobStore writes binary payloads to content-addressed-by-id sidecar files
// under a date bucket, separate from the relational partitions. A record
// that references a blob is only considered durable once the sidecar file
// exists, so the gate writes blobs before committing rows.
type BlobStore struct {
	root string
	enc  *Encryptor
}

// NewBlobStore creates a blob store rooted at the chronicle base path.
// enc may be nil, in which case sidecars are stored in the clear.
func NewBlobStore(root string, enc *Encryptor) *BlobStore {
	return &BlobStore{root: root, enc: enc}
}

// Write stores blob bytes for an object captured at t and returns the
// sidecar path relative to the store root.
func (b *BlobStore) Write(t time.Time, objectID string, data []byte, ext string) (string, error) {
	rel := blobRelPath(t, objectID, ext)
	abs := filepath.Join(b.root, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	if b.enc != nil {
		sealed, err := b.enc.Seal(data)
		if err != nil {
			return "", fmt.Errorf("failed to seal blob %s: %w", objectID, err)
		}
		data = sealed
	}

	// Write through a temp file and rename so a crash never leaves a
	// half-written sidecar behind a committed record.
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", objectID, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize blob %s: %w", objectID, err)
	}
	return rel, nil
}

// Read returns the decrypted contents of a sidecar given its root-relative
// path.
func (b *BlobStore) Read(relPath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.root, relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", relPath, err)
	}
	if b.enc != nil {
		plain, err := b.enc.Open(data)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob %s: %w", relPath, err)
		}
		data = plain
	}
	return data, nil
}

// Root returns the store root directory.
func (b *BlobStore) Root() string {
	return b.root
}
