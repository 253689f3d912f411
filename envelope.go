package chronicle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an envelope at ingestion time. The kind is decided once,
// when the envelope enters the gate, and is never re-derived from payload
// inspection afterwards.
type Kind int

const (
	// KindEvent is a captured device signal (the common case).
	KindEvent Kind = iota
	// KindMetadata is descriptive data about the pipeline itself rather
	// than a captured signal.
	KindMetadata
)

// ContentFormat describes the media type of an envelope's payload.
type ContentFormat string

const (
	FormatText  ContentFormat = "text"
	FormatImage ContentFormat = "image"
	FormatFile  ContentFormat = "file"
)

// Envelope is the unit flowing from a sensor to storage. Sensors fill in
// ObjectID and CreateTime at capture; the gate synthesizes them only when a
// producer left them empty. An ObjectID, once assigned, identifies the
// envelope through ingestion, storage, and retrieval.
type Envelope struct {
	// ObjectID is a globally unique, time-ordered identifier (UUIDv7).
	ObjectID string
	// Kind tags the envelope as event or metadata.
	Kind Kind
	// Source is the producer category (e.g., "window_focus").
	Source string
	// ContentFormat describes the payload media type.
	ContentFormat ContentFormat
	// Content is the payload. Strings are stored verbatim; any other
	// value is JSON-serialized at commit time.
	Content any
	// Timestamp is the capture time in seconds since epoch. Zero means
	// unset; the gate falls back to CreateTime, then to the current time.
	Timestamp float64
	// CreateTime is the capture time as a time.Time, used when Timestamp
	// is unset.
	CreateTime time.Time
	// BlobBytes is an optional binary payload pending sidecar storage.
	// It is never inlined into the textual store.
	BlobBytes []byte
	// BlobExt is the file extension for BlobBytes (default "jpg").
	BlobExt string
	// AdditionalInfo carries free-form producer metadata.
	AdditionalInfo map[string]any
}

// NewEnvelope builds an event envelope with a fresh time-ordered id and the
// current capture timestamp. Sensor adapters use this so that the id the
// producer observes is the id the store persists.
func NewEnvelope(source string, format ContentFormat, content any) Envelope {
	now := time.Now()
	return Envelope{
		ObjectID:      newObjectID(),
		Kind:          KindEvent,
		Source:        source,
		ContentFormat: format,
		Content:       content,
		Timestamp:     timeToSeconds(now),
		CreateTime:    now,
	}
}

// newObjectID returns a UUIDv7 string. UUIDv7 is monotonic within its
// millisecond timestamp prefix, so storage order and capture order
// approximately agree. Falls back to v4 if the monotonic source fails.
func newObjectID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// normalize fills in the id and timestamp an envelope may be missing.
// The fallback order for the timestamp is Timestamp, CreateTime, now.
// Normalization never overwrites a producer-assigned id.
func (e *Envelope) normalize(now time.Time) {
	if e.ObjectID == "" {
		e.ObjectID = newObjectID()
	}
	if e.Timestamp == 0 {
		if !e.CreateTime.IsZero() {
			e.Timestamp = timeToSeconds(e.CreateTime)
		} else {
			e.Timestamp = timeToSeconds(now)
		}
	}
}

// captureTime returns the envelope's capture time as a time.Time.
func (e *Envelope) captureTime() time.Time {
	return secondsToTime(e.Timestamp)
}

// serializeContent renders the envelope payload for the textual store.
func serializeContent(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to serialize content: %w", err)
		}
		return string(raw), nil
	}
}

func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func secondsToTime(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}

// Record is the persisted form of an envelope as returned by reads.
type Record struct {
	// ID is the envelope's ObjectID (primary key across the store).
	ID string `json:"id"`
	// Timestamp is the capture time in seconds since epoch.
	Timestamp float64 `json:"timestamp"`
	// Source is the producer category.
	Source string `json:"source"`
	// Content is the serialized textual body.
	Content string `json:"content"`
	// BlobPath points to the sidecar file relative to the store root,
	// or "" when the record has no binary payload.
	BlobPath string `json:"blob_path,omitempty"`
}
