package chronicle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry errors surfaced at registration time.
var (
	ErrUnknownSensorType = errors.New("unknown sensor type")
	ErrDuplicateSensorID = errors.New("sensor id already registered")
	ErrSensorNotFound    = errors.New("sensor not found")
)

// SensorFactory constructs a fresh adapter instance for a sensor type.
type SensorFactory func() Sensor

// SensorEntry binds a sensor id to its adapter plus the externally
// observable failure state tracked by the manager.
type SensorEntry struct {
	ID     string
	Sensor Sensor

	mu         sync.Mutex
	lastError  string
	errorCount int
}

// RecordError notes a failure against the entry.
func (e *SensorEntry) RecordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = err.Error()
	e.errorCount++
}

// ClearError resets the last-error message (the count is cumulative).
func (e *SensorEntry) ClearError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = ""
}

// LastError returns the most recent failure message, "" when healthy.
func (e *SensorEntry) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// ErrorCount returns the cumulative failure count.
func (e *SensorEntry) ErrorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errorCount
}

// Registry is the authoritative map from sensor id to adapter for the
// process lifetime. It is an explicit object owned by the composition root
// and shared by reference with the manager and the control boundary;
// registration is atomic with respect to concurrent lookups.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*SensorEntry
	factories map[string]SensorFactory
}

// NewRegistry creates a registry with the built-in sensor types
// pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		entries:   make(map[string]*SensorEntry),
		factories: make(map[string]SensorFactory),
	}
	r.RegisterFactory(SourceWindowFocus, func() Sensor { return NewWindowFocusSensor(nil) })
	return r
}

// RegisterFactory adds a sensor type. Later registrations replace earlier
// ones, which lets deployments swap the built-in adapters.
func (r *Registry) RegisterFactory(sensorType string, factory SensorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeType(sensorType)] = factory
}

// FactoryTypes returns the registered sensor types, sorted.
func (r *Registry) FactoryTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func normalizeType(sensorType string) string {
	return strings.ToLower(strings.TrimSpace(sensorType))
}

// Create instantiates, initializes, and registers a sensor of the given
// type. Malformed requests (empty or unknown type, failed initialization)
// are rejected here, at registration time, with a descriptive error.
// sensorID may be empty, in which case the adapter's declared name is used.
func (r *Registry) Create(sensorType, sensorID string, config map[string]any) (*SensorEntry, error) {
	normalized := normalizeType(sensorType)
	if normalized == "" {
		return nil, errors.New("sensor type is required")
	}

	r.mu.RLock()
	factory, ok := r.factories[normalized]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSensorType, sensorType)
	}

	sensor := factory()
	if config == nil {
		config = map[string]any{}
	}
	if err := sensor.Initialize(config); err != nil {
		return nil, fmt.Errorf("failed to initialize sensor %q: %w", sensorType, err)
	}
	return r.Register(sensor, sensorID)
}

// Register adds an initialized adapter under sensorID (default: the
// adapter's name). Duplicate ids are rejected.
func (r *Registry) Register(sensor Sensor, sensorID string) (*SensorEntry, error) {
	if sensorID == "" {
		sensorID = sensor.Name()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[sensorID]; ok && existing.Sensor != sensor {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateSensorID, sensorID)
	}
	entry := &SensorEntry{ID: sensorID, Sensor: sensor}
	r.entries[sensorID] = entry
	return entry, nil
}

// Unregister removes a sensor, stopping it first when running. Returns the
// removed entry, or nil when the id was unknown.
func (r *Registry) Unregister(sensorID string) *SensorEntry {
	r.mu.Lock()
	entry, ok := r.entries[sensorID]
	if ok {
		delete(r.entries, sensorID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if entry.Sensor.IsRunning() {
		_ = entry.Sensor.Stop(true)
	}
	return entry
}

// Get returns the entry for a sensor id, or nil.
func (r *Registry) Get(sensorID string) *SensorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[sensorID]
}

// List returns all entries sorted by id.
func (r *Registry) List() []*SensorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*SensorEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}
