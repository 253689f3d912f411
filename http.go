package chronicle

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SensorController provides sensor lifecycle capabilities.
// This interface allows HTTP handlers to be tested independently of the Manager.
type SensorController interface {
	CreateSensor(sensorType, sensorID string, config map[string]any) (*SensorEntry, error)
	StartSensor(sensorID string) error
	StopSensor(sensorID string, graceful bool) error
	StartAll() error
	StopAll(graceful bool) error
	Statuses() []SensorStatus
}

// RecordReader provides chronicle read capabilities.
// This interface allows HTTP handlers to be tested independently of the Gate.
type RecordReader interface {
	ReadByID(ctx context.Context, id string) (*Record, error)
	ReadByTimeRange(ctx context.Context, start, end time.Time) ([]Record, error)
	ReadBySource(ctx context.Context, source string) ([]Record, error)
}

// SensorRemover provides registry removal capabilities.
type SensorRemover interface {
	Unregister(sensorID string) *SensorEntry
}

// Ensure the concrete types implement the interfaces
var (
	_ SensorController = (*Manager)(nil)
	_ RecordReader     = (*Gate)(nil)
	_ SensorRemover    = (*Registry)(nil)
)

// HTTPConfig configures the control server.
type HTTPConfig struct {
	// Port to listen on. The listener binds 127.0.0.1 only; the control
	// surface is a local boundary, not a network service. Default: 8428.
	Port int `yaml:"port"`
	// RateLimitPerSecond caps requests per client IP. 0 uses the default
	// of 100.
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`

	Subscription SubscriptionConfig `yaml:"subscription"`
}

// DefaultHTTPConfig returns default control server settings.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:               8428,
		RateLimitPerSecond: 100,
		Subscription:       DefaultSubscriptionConfig(),
	}
}

func (c *HTTPConfig) normalize() {
	def := DefaultHTTPConfig()
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = def.Port
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = def.RateLimitPerSecond
	}
	c.Subscription.normalize()
}

// rateLimiter is a token bucket limiter per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, exists := rl.visitors[ip]
	if !exists || now.Sub(v.lastReset) >= rl.window {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: now}
		return true
	}
	if v.tokens > 0 {
		v.tokens--
		return true
	}
	return false
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func rateLimitMiddleware(rl *rateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ControlServer is the local HTTP boundary: sensor lifecycle control,
// chronicle reads, health, metrics, and the subscription WebSocket.
type ControlServer struct {
	config  HTTPConfig
	control SensorController
	reader  RecordReader
	remover SensorRemover
	subs    *SubscriptionServer

	srv      *http.Server
	listener net.Listener
}

// NewControlServer wires the control surface. subs may be nil to disable
// the subscription endpoint.
func NewControlServer(cfg HTTPConfig, control SensorController, reader RecordReader, remover SensorRemover, subs *SubscriptionServer) *ControlServer {
	cfg.normalize()
	return &ControlServer{
		config:  cfg,
		control: control,
		reader:  reader,
		remover: remover,
		subs:    subs,
	}
}

// Handler builds the route table.
func (s *ControlServer) Handler() http.Handler {
	rl := newRateLimiter(s.config.RateLimitPerSecond, time.Second)
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return rateLimitMiddleware(rl, h)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/sensors", wrap(s.handleSensors))
	mux.HandleFunc("/sensors/start", wrap(s.handleStart))
	mux.HandleFunc("/sensors/stop", wrap(s.handleStop))
	mux.HandleFunc("/records", wrap(s.handleRecords))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	if s.subs != nil {
		mux.HandleFunc("/subscribe", s.subs.Handler())
	}

	return mux
}

type createSensorRequest struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Config map[string]any `json:"config"`
}

func (s *ControlServer) handleSensors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.control.Statuses())

	case http.MethodPost:
		var req createSensorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		entry, err := s.control.CreateSensor(req.Type, req.ID, req.Config)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]string{"id": entry.ID})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, "id parameter required", http.StatusBadRequest)
			return
		}
		if s.remover.Unregister(id) == nil {
			writeError(w, "sensor not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *ControlServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	var err error
	if id == "" {
		err = s.control.StartAll()
	} else {
		err = s.control.StartSensor(id)
	}
	if err != nil {
		code := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			code = http.StatusNotFound
		}
		writeError(w, err.Error(), code)
		return
	}
	writeJSON(w, map[string]string{"status": "started"})
}

func (s *ControlServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	graceful := r.URL.Query().Get("graceful") != "false"
	var err error
	if id == "" {
		err = s.control.StopAll(graceful)
	} else {
		err = s.control.StopSensor(id, graceful)
	}
	if err != nil {
		code := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			code = http.StatusNotFound
		}
		writeError(w, err.Error(), code)
		return
	}
	writeJSON(w, map[string]string{"status": "stopped"})
}

// handleRecords serves chronicle reads. Selectors: id, source, or
// start+end as Unix seconds (fractions allowed).
func (s *ControlServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	if id := q.Get("id"); id != "" {
		rec, err := s.reader.ReadByID(r.Context(), id)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rec == nil {
			writeError(w, "record not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
		return
	}

	if source := q.Get("source"); source != "" {
		records, err := s.reader.ReadBySource(r.Context(), source)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"records": records})
		return
	}

	startStr, endStr := q.Get("start"), q.Get("end")
	if startStr == "" || endStr == "" {
		writeError(w, "id, source, or start+end parameters required", http.StatusBadRequest)
		return
	}
	start, err := strconv.ParseFloat(startStr, 64)
	if err != nil {
		writeError(w, "invalid start: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := strconv.ParseFloat(endStr, 64)
	if err != nil {
		writeError(w, "invalid end: "+err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.reader.ReadByTimeRange(r.Context(), secondsToTime(start), secondsToTime(end))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"records": records})
}

// Start binds the listener and serves in the background. The bind doubles
// as the single-instance lock: a second process on the same port fails
// here.
func (s *ControlServer) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind control port (another instance running?): %w", err)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket endpoint holds connections open
	}
	go func() {
		_ = s.srv.Serve(listener)
	}()
	return nil
}

// Addr returns the bound address, "" before Start.
func (s *ControlServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down gracefully.
func (s *ControlServer) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
