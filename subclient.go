package chronicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSubscriptionClosed is returned by client operations after the
// connection has ended.
var ErrSubscriptionClosed = errors.New("subscription connection closed")

// FeedMessage is one delivery on a client subscription.
type FeedMessage struct {
	OpID    string
	Payload json.RawMessage
}

// SubscriptionClient speaks the subscription protocol from the consumer
// side: it performs the connection_init handshake, multiplexes operations
// over one socket, answers pings, and ignores frame types it does not know.
type SubscriptionClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	ops    map[string]chan FeedMessage
	nextID int
	closed bool
	err    error
	done   chan struct{}
}

// DialSubscription connects to a subscription endpoint and completes the
// handshake. url is the ws:// address of the endpoint.
func DialSubscription(ctx context.Context, url string) (*SubscriptionClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial subscription endpoint: %w", err)
	}

	c := &SubscriptionClient{
		conn: conn,
		ops:  make(map[string]chan FeedMessage),
		done: make(chan struct{}),
	}

	if err := c.write(WireMessage{Type: MsgConnectionInit}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send connection_init: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read handshake response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("malformed handshake response: %w", err)
	}
	switch msg.Type {
	case MsgConnectionAck:
	case MsgConnectionError:
		_ = conn.Close()
		return nil, fmt.Errorf("connection rejected: %s", string(msg.Payload))
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake response %q", msg.Type)
	}

	go c.readLoop()
	return c, nil
}

// Subscribe opens an operation on a feed. Deliveries arrive on the returned
// channel, which is closed when the operation completes or the connection
// ends.
func (c *SubscriptionClient) Subscribe(feed string) (string, <-chan FeedMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", nil, ErrSubscriptionClosed
	}
	c.nextID++
	opID := fmt.Sprintf("op-%d", c.nextID)
	ch := make(chan FeedMessage, 64)
	c.ops[opID] = ch
	c.mu.Unlock()

	payload, _ := json.Marshal(SubscribePayload{Feed: feed})
	if err := c.write(WireMessage{Type: MsgSubscribe, ID: opID, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.ops, opID)
		c.mu.Unlock()
		return "", nil, fmt.Errorf("failed to send subscribe: %w", err)
	}
	return opID, ch, nil
}

// Complete ends one operation.
func (c *SubscriptionClient) Complete(opID string) error {
	c.mu.Lock()
	if ch, ok := c.ops[opID]; ok {
		delete(c.ops, opID)
		close(ch)
	}
	c.mu.Unlock()
	return c.write(WireMessage{Type: MsgComplete, ID: opID})
}

// Ping sends a protocol-level ping. The matching pong is consumed by the
// read loop.
func (c *SubscriptionClient) Ping() error {
	return c.write(WireMessage{Type: MsgPing})
}

// Close tears down the connection and all operations.
func (c *SubscriptionClient) Close() error {
	c.teardown(nil)
	return c.conn.Close()
}

// Done is closed when the connection ends.
func (c *SubscriptionClient) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil for a clean close.
func (c *SubscriptionClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *SubscriptionClient) write(msg WireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *SubscriptionClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case MsgNext:
			c.mu.Lock()
			ch := c.ops[msg.ID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- FeedMessage{OpID: msg.ID, Payload: msg.Payload}:
				default:
					// Consumer not keeping up, drop the delivery
				}
			}

		case MsgComplete:
			c.mu.Lock()
			if ch, ok := c.ops[msg.ID]; ok {
				delete(c.ops, msg.ID)
				close(ch)
			}
			c.mu.Unlock()

		case MsgError:
			// Terminal for the operation only
			c.mu.Lock()
			if ch, ok := c.ops[msg.ID]; ok {
				delete(c.ops, msg.ID)
				close(ch)
			}
			c.mu.Unlock()

		case MsgPing:
			_ = c.write(WireMessage{Type: MsgPong})

		case MsgPong:
			// Liveness acknowledged, nothing to do

		case MsgConnectionError:
			c.teardown(fmt.Errorf("connection error from server: %s", string(msg.Payload)))
			_ = c.conn.Close()
			return

		default:
			// Ignore unrecognized message types
		}
	}
}

// teardown closes every operation channel once.
func (c *SubscriptionClient) teardown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	for id, ch := range c.ops {
		delete(c.ops, id)
		close(ch)
	}
	close(c.done)
}
