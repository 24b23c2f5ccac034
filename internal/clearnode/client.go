package clearnode

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"clearpay/pkg/interfaces"
	"clearpay/pkg/types"
)

// State is the connection state, owned exclusively by the Client and driven
// only by Connect/Disconnect and socket events.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// HandlerFunc receives uncorrelated messages of a registered type.
type HandlerFunc func(*types.Response)

const (
	defaultRequestTimeout       = 30 * time.Second
	defaultReconnectDelay       = 1 * time.Second
	defaultMaxReconnectAttempts = 5
	writeTimeout                = 5 * time.Second
)

// Options configures a Client. Zero values fall back to protocol defaults.
type Options struct {
	URL                  string
	RequestTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	Dialer               *websocket.Dialer
}

type result struct {
	resp *types.Response
	err  error
}

// pendingRequest correlates an outbound request id to its waiting caller.
// The timer is the scheduled cancellation; stopping an already-fired or
// already-stopped timer is a no-op, which keeps cancellation idempotent.
type pendingRequest struct {
	ch    chan result
	timer *time.Timer
}

// Client manages the single connection to a settlement node: correlated
// request/response, typed message dispatch, keep-alive, and reconnection
// with exponential backoff.
type Client struct {
	url                  string
	dialer               *websocket.Dialer
	requestTimeout       time.Duration
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu                sync.Mutex // guards conn, state, signer, pending, reconnect bookkeeping
	conn              *websocket.Conn
	state             State
	signer            interfaces.Signer
	pending           map[string]*pendingRequest
	reconnectAttempts int
	reconnectTimer    *time.Timer
	generation        uint64 // bumped per successful dial; stale read loops check it

	wmu sync.Mutex // serializes socket writes

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewClient creates a client for the given settlement node. The client does
// not connect until Connect is called by its owner.
func NewClient(opts Options) *Client {
	c := &Client{
		url:                  opts.URL,
		dialer:               opts.Dialer,
		requestTimeout:       opts.RequestTimeout,
		reconnectDelay:       opts.ReconnectDelay,
		maxReconnectAttempts: opts.MaxReconnectAttempts,
		state:                StateDisconnected,
		pending:              make(map[string]*pendingRequest),
		handlers:             make(map[string]HandlerFunc),
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = defaultReconnectDelay
	}
	if c.maxReconnectAttempts <= 0 {
		c.maxReconnectAttempts = defaultMaxReconnectAttempts
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection if one is not already live. A Connect while
// Connected or Connecting is a no-op. On success the reconnection counter
// resets to zero.
func (c *Client) Connect(signer interfaces.Signer) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.signer = signer
	url := c.url
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(url, nil)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting {
		// Disconnect raced the dial; the owner wants the connection down.
		if conn != nil {
			_ = conn.Close()
		}
		return ErrConnectionClosed
	}

	if err != nil {
		c.state = StateError
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.conn = conn
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.generation++

	log.Printf("clearnode: connected to %s", url)
	go c.readLoop(conn, c.generation)
	return nil
}

// Disconnect closes the connection, rejects every outstanding request with
// ErrConnectionClosed, and clears the signer so no reconnect is attempted.
// Always succeeds; safe to call in any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.signer = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.failPendingLocked(ErrConnectionClosed)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		log.Printf("clearnode: disconnected")
	}
}

// SendAndWait assigns a correlation id, transmits the message, and blocks
// until the matching reply arrives, the request times out, or ctx is done.
// When not connected it fails immediately without registering anything.
func (c *Client) SendAndWait(ctx context.Context, msg types.Message) (*types.Response, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn

	id, _ := msg["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}
	out := msg.Clone()
	out["id"] = id

	timeout := c.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	pr := &pendingRequest{ch: make(chan result, 1)}
	pr.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	c.pending[id] = pr
	c.mu.Unlock()

	data, err := json.Marshal(out)
	if err != nil {
		c.drop(id)
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if err := c.write(conn, data); err != nil {
		c.drop(id)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case res := <-pr.ch:
		return res.resp, res.err
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	}
}

// OnMessage registers the handler for a message type; the last registration
// wins. The returned function unregisters it. Handlers only see messages
// that are neither correlated replies nor keep-alive frames.
func (c *Client) OnMessage(msgType string, handler HandlerFunc) func() {
	c.hmu.Lock()
	c.handlers[msgType] = handler
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		delete(c.handlers, msgType)
		c.hmu.Unlock()
	}
}

// Ping emits a keep-alive frame when connected; a no-op otherwise.
func (c *Client) Ping() {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return
	}

	data, err := json.Marshal(types.Message{"type": types.MessageTypePing})
	if err != nil {
		return
	}
	if err := c.write(conn, data); err != nil {
		log.Printf("clearnode: keep-alive write failed: %v", err)
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn, generation uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(generation)
			return
		}
		c.dispatch(data)
	}
}

// dispatch implements the inbound message algorithm: keep-alive replies are
// discarded, correlated replies settle their pending entry, everything else
// goes to the registered type handler. Unparsable frames are dropped so one
// malformed payload cannot tear down the connection.
func (c *Client) dispatch(data []byte) {
	var resp types.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Printf("clearnode: discarding unparsable frame: %v", err)
		return
	}

	if resp.Type == types.MessageTypePong {
		return
	}

	if resp.ID != "" {
		c.mu.Lock()
		pr, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			pr.timer.Stop()
		}
		c.mu.Unlock()

		if ok {
			if resp.Error != "" {
				pr.ch <- result{err: &RemoteError{Type: resp.Type, Reason: resp.Error}}
			} else {
				pr.ch <- result{resp: &resp}
			}
			return
		}
		// Late or unsolicited reply: its correlation id is gone, fall
		// through to type dispatch like any other message.
	}

	c.hmu.RLock()
	handler := c.handlers[resp.Type]
	c.hmu.RUnlock()

	if handler != nil {
		handler(&resp)
	}
}

// handleDisconnect reacts to an unexpected close. While a signer is set and
// the attempt budget remains, one reconnect is scheduled with exponential
// backoff; after the budget is spent the client stays Disconnected until the
// owner calls Connect again.
func (c *Client) handleDisconnect(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return // a newer connection already replaced this one
	}
	if c.state == StateDisconnected && c.conn == nil {
		return // explicit Disconnect already handled it
	}

	c.conn = nil
	c.state = StateDisconnected
	log.Printf("clearnode: connection lost")

	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	if c.signer == nil || c.reconnectTimer != nil {
		return
	}
	if c.reconnectAttempts >= c.maxReconnectAttempts {
		// Budget spent: stay down until the owner calls Connect again.
		c.state = StateDisconnected
		log.Printf("clearnode: reconnect budget exhausted after %d attempts", c.reconnectAttempts)
		return
	}

	c.reconnectAttempts++
	delay := c.reconnectDelay * (1 << (c.reconnectAttempts - 1))
	attempt := c.reconnectAttempts
	log.Printf("clearnode: reconnect attempt %d/%d in %s", attempt, c.maxReconnectAttempts, delay)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		signer := c.signer
		c.mu.Unlock()

		if signer == nil {
			return
		}
		if err := c.Connect(signer); err != nil {
			log.Printf("clearnode: reconnect attempt %d failed: %v", attempt, err)
			c.mu.Lock()
			c.scheduleReconnectLocked()
			c.mu.Unlock()
		}
	})
}

// expire fires when a request's timeout elapses with no reply. The entry is
// removed first, so a reply arriving later finds no correlation id and is
// ignored.
func (c *Client) expire(id string) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		pr.ch <- result{err: ErrRequestTimeout}
	}
}

// drop removes a pending entry without delivering a result. Idempotent.
func (c *Client) drop(id string) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		pr.timer.Stop()
	}
	c.mu.Unlock()
}

func (c *Client) failPendingLocked(err error) {
	for id, pr := range c.pending {
		pr.timer.Stop()
		pr.ch <- result{err: err}
		delete(c.pending, id)
	}
}
