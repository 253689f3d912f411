package chronicle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const blobDirName = "blobs"

// monthPartitionPath resolves the database file for a capture time:
// <root>/<YYYY>/<YYYY><MM>.db. The mapping is a pure function of the
// timestamp, so re-deriving the partition for the same instant always
// yields the same path.
func monthPartitionPath(root string, t time.Time) string {
	year := t.Format("2006")
	return filepath.Join(root, year, t.Format("200601")+".db")
}

// blobRelPath resolves the sidecar location for a blob, relative to the
// store root: <YYYY>/blobs/<MM-DD>/<id>.<ext>.
func blobRelPath(t time.Time, objectID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "jpg"
	}
	return filepath.Join(t.Format("2006"), blobDirName, t.Format("01-02"), objectID+"."+ext)
}

// monthsInRange returns the first instant of every calendar month whose
// span intersects [start, end], ascending. A range query must visit exactly
// the partitions derived from these instants.
func monthsInRange(start, end time.Time) []time.Time {
	if end.Before(start) {
		return nil
	}
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, end.Location())
	var months []time.Time
	for !cur.After(last) {
		months = append(months, cur)
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}

// listPartitionPaths returns every existing partition database under root
// in ascending calendar order. Each partition appears exactly once, which
// gives full scans (ReadByID, ReadBySource) a defined, terminating order.
func listPartitionPaths(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	var paths []string
	for _, yearDir := range entries {
		if !yearDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, yearDir.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list partitions: %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".db") {
				continue
			}
			paths = append(paths, filepath.Join(root, yearDir.Name(), f.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
