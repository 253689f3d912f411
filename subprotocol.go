package chronicle

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Wire message types of the subscription protocol. The handshake is
// connection_init/connection_ack; each operation is opened by subscribe and
// carries next frames until complete (either side) or error (terminal for
// that operation). ping is answered with pong. Unrecognized types are
// ignored so the protocol can grow without breaking older peers.
const (
	MsgConnectionInit  = "connection_init"
	MsgConnectionAck   = "connection_ack"
	MsgConnectionError = "connection_error"
	MsgSubscribe       = "subscribe"
	MsgNext            = "next"
	MsgError           = "error"
	MsgComplete        = "complete"
	MsgPing            = "ping"
	MsgPong            = "pong"
)

// WireMessage is the JSON frame exchanged on the subscription socket.
type WireMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a subscribe frame.
type SubscribePayload struct {
	Feed string `json:"feed"`
}

// SubscriptionConfig configures the subscription endpoint.
type SubscriptionConfig struct {
	// InitTimeout is how long to wait for connection_init before closing
	// the socket. Default: 10s.
	InitTimeout time.Duration `yaml:"init_timeout"`
	// WriteTimeout bounds individual WebSocket writes. Default: 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultSubscriptionConfig returns default subscription settings.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		InitTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (c *SubscriptionConfig) normalize() {
	def := DefaultSubscriptionConfig()
	if c.InitTimeout <= 0 {
		c.InitTimeout = def.InitTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
}

var subUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SubscriptionServer serves the live feeds over WebSocket.
type SubscriptionServer struct {
	config SubscriptionConfig
	hub    *StatusHub
}

// NewSubscriptionServer creates the endpoint over a hub.
func NewSubscriptionServer(cfg SubscriptionConfig, hub *StatusHub) *SubscriptionServer {
	cfg.normalize()
	return &SubscriptionServer{config: cfg, hub: hub}
}

// subConn serializes writes to one WebSocket connection.
type subConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *subConn) send(msg WireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Handler returns the HTTP handler for the subscription endpoint.
func (s *SubscriptionServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := subUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		wc := &subConn{conn: conn, timeout: s.config.WriteTimeout}

		// The handshake must complete before any operation.
		_ = conn.SetReadDeadline(time.Now().Add(s.config.InitTimeout))
		if !s.handshake(wc) {
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Operation id -> hub subscription for this connection
		var opsMu sync.Mutex
		ops := make(map[string]*HubSubscription)
		defer func() {
			opsMu.Lock()
			for _, sub := range ops {
				s.hub.Unsubscribe(sub.ID)
			}
			opsMu.Unlock()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg WireMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			switch msg.Type {
			case MsgSubscribe:
				var payload SubscribePayload
				if msg.Payload != nil {
					_ = json.Unmarshal(msg.Payload, &payload)
				}
				if payload.Feed != FeedSensorStatus && payload.Feed != FeedLogs {
					errPayload, _ := json.Marshal(map[string]string{
						"message": "unknown feed: " + payload.Feed,
					})
					_ = wc.send(WireMessage{Type: MsgError, ID: msg.ID, Payload: errPayload})
					continue
				}

				opsMu.Lock()
				if _, exists := ops[msg.ID]; exists {
					opsMu.Unlock()
					errPayload, _ := json.Marshal(map[string]string{
						"message": "duplicate operation id: " + msg.ID,
					})
					_ = wc.send(WireMessage{Type: MsgError, ID: msg.ID, Payload: errPayload})
					continue
				}
				sub := s.hub.Subscribe(payload.Feed)
				ops[msg.ID] = sub
				opsMu.Unlock()

				go s.forward(ctx, wc, msg.ID, sub)

			case MsgComplete:
				opsMu.Lock()
				if sub, ok := ops[msg.ID]; ok {
					delete(ops, msg.ID)
					s.hub.Unsubscribe(sub.ID)
				}
				opsMu.Unlock()

			case MsgPing:
				_ = wc.send(WireMessage{Type: MsgPong})

			default:
				// Ignore unrecognized message types
			}
		}
	}
}

// handshake waits for connection_init and answers connection_ack. Any other
// first frame is rejected with connection_error.
func (s *SubscriptionServer) handshake(wc *subConn) bool {
	_, data, err := wc.conn.ReadMessage()
	if err != nil {
		return false
	}
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MsgConnectionInit {
		payload, _ := json.Marshal(map[string]string{
			"message": "expected connection_init",
		})
		_ = wc.send(WireMessage{Type: MsgConnectionError, Payload: payload})
		return false
	}
	return wc.send(WireMessage{Type: MsgConnectionAck}) == nil
}

// forward streams feed payloads to the client as next frames until the
// subscription or the connection ends, then emits complete.
func (s *SubscriptionServer) forward(ctx context.Context, wc *subConn, opID string, sub *HubSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			_ = wc.send(WireMessage{Type: MsgComplete, ID: opID})
			return
		case payload, ok := <-sub.C():
			if !ok {
				_ = wc.send(WireMessage{Type: MsgComplete, ID: opID})
				return
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			if err := wc.send(WireMessage{Type: MsgNext, ID: opID, Payload: data}); err != nil {
				return
			}
		}
	}
}
