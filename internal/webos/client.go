// Package webos implements the SSAP control session of LG webOS televisions:
// pairing, request/response calls, subscriptions and automatic reconnect.
package webos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultPromptTimeout    = 60 * time.Second
	DefaultReconnectInitial = 3 * time.Second
	DefaultReconnectMax     = 30 * time.Second
)

// Session is the control channel to a single TV
type Session interface {
	// Connect opens the session. It is a no-op while a connection is
	// established or in progress.
	Connect() error
	Disconnect() error
	State() ConnectionState
	Request(ctx context.Context, uri string, payload interface{}) (json.RawMessage, error)
	Subscribe(uri string, handler PushHandler) error
	OnEvent(handler EventHandler)
}

// Option configures a Client
type Option func(*Client)

// WithRequestTimeout bounds requests whose context has no deadline
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithHandshakeTimeout bounds each read during pairing before a prompt is shown
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithPromptTimeout bounds how long the user has to accept pairing on the TV
func WithPromptTimeout(d time.Duration) Option {
	return func(c *Client) { c.promptTimeout = d }
}

// WithReconnectBackoff sets the initial and maximum reconnect delay
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.backoffInitial = initial
		c.backoffMax = max
	}
}

// Client implements Session over a gorilla websocket
type Client struct {
	url    string
	keys   KeyStore
	logger *zap.Logger
	dialer *websocket.Dialer

	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	promptTimeout    time.Duration
	backoffInitial   time.Duration
	backoffMax       time.Duration

	conn       *websocket.Conn
	state      ConnectionState
	connCtx    context.Context
	connCancel context.CancelFunc
	connMu     sync.RWMutex

	// ctx spans from Connect to Disconnect and bounds the reconnect loop
	ctx          context.Context
	cancel       context.CancelFunc
	reconnect    bool
	reconnecting bool

	msgPrefix string
	msgID     int
	msgIDMu   sync.Mutex

	pending   map[string]chan Message
	pendingMu sync.Mutex

	subscriptions map[string]PushHandler
	subsMu        sync.RWMutex

	handlers   []EventHandler
	handlersMu sync.RWMutex

	writeMu sync.Mutex // Protects websocket writes
}

// NewClient creates a session client for url (ws://<ip>:3000)
func NewClient(url string, keys KeyStore, logger *zap.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:              url,
		keys:             keys,
		logger:           logger.Named("webos"),
		dialer:           &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout},
		requestTimeout:   DefaultRequestTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		promptTimeout:    DefaultPromptTimeout,
		backoffInitial:   DefaultReconnectInitial,
		backoffMax:       DefaultReconnectMax,
		ctx:              ctx,
		cancel:           cancel,
		pending:          make(map[string]chan Message),
		subscriptions:    make(map[string]PushHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers a lifecycle handler. Handlers run on the goroutine that
// caused the transition and must not block.
func (c *Client) OnEvent(handler EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *Client) emit(evt Event) {
	c.handlersMu.RLock()
	handlers := append([]EventHandler(nil), c.handlers...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.state
}

// Connect dials the TV and performs the pairing handshake. On failure a
// background reconnect loop is started and the error is returned.
func (c *Client) Connect() error {
	c.connMu.Lock()
	switch c.state {
	case Connecting, Connected, AwaitingUserConfirmation:
		c.connMu.Unlock()
		return nil
	}
	c.state = Connecting
	if !c.reconnect {
		c.reconnect = true
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.connMu.Unlock()

	if err := c.dial(); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

// dial runs one connection attempt. The caller must have moved the state to
// Connecting.
func (c *Client) dial() error {
	c.emit(Event{Type: EventConnecting})
	c.logger.Debug("Connecting to TV", zap.String("url", c.url))

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return c.failConnect(nil, fmt.Errorf("failed to connect to TV: %w", err))
	}

	c.connMu.Lock()
	if !c.reconnect {
		c.connMu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.connMu.Unlock()

	if err := c.register(conn); err != nil {
		return c.failConnect(conn, err)
	}

	c.connMu.Lock()
	if c.conn != conn {
		// Disconnect was called during the handshake
		c.connMu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.state = Connected
	c.reconnecting = false
	c.connCtx, c.connCancel = context.WithCancel(c.ctx)
	connCtx := c.connCtx
	c.connMu.Unlock()

	c.msgIDMu.Lock()
	c.msgPrefix = uuid.NewString()[:8]
	c.msgID = 0
	c.msgIDMu.Unlock()

	c.logger.Info("Connected to TV", zap.String("url", c.url))

	go c.receiveMessages(conn, connCtx)
	c.emit(Event{Type: EventConnected})
	return nil
}

func (c *Client) failConnect(conn *websocket.Conn, err error) error {
	c.connMu.Lock()
	if conn != nil {
		conn.Close()
		if c.conn == conn {
			c.conn = nil
		}
	}
	c.state = Disconnected
	c.connMu.Unlock()

	c.logger.Warn("Connection to TV failed", zap.Error(err))
	c.emit(Event{Type: EventError, Err: err})
	return err
}

// register sends the pairing request and waits for "registered". A PROMPT
// response switches to AwaitingUserConfirmation and extends the wait.
func (c *Client) register(conn *websocket.Conn) error {
	key, err := c.keys.Load()
	if err != nil {
		c.logger.Warn("Failed to load client key, pairing from scratch", zap.Error(err))
		key = ""
	}

	req := outgoing{
		Type: "register",
		ID:   "register_0",
		Payload: registerPayload{
			PairingType: "PROMPT",
			ClientKey:   key,
			Manifest: manifest{
				ManifestVersion: 1,
				AppVersion:      "1.1",
				Permissions:     defaultPermissions,
			},
		},
	}
	if err := c.write(conn, req); err != nil {
		return fmt.Errorf("failed to send register: %w", err)
	}

	wait := c.handshakeTimeout
	for {
		conn.SetReadDeadline(time.Now().Add(wait))

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read register response: %w", err)
		}

		switch msg.Type {
		case "registered":
			var resp registerResponse
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				return fmt.Errorf("failed to unmarshal registered payload: %w", err)
			}
			if resp.ClientKey != "" && resp.ClientKey != key {
				if err := c.keys.Save(resp.ClientKey); err != nil {
					c.logger.Error("Failed to store client key", zap.Error(err))
				} else {
					c.logger.Info("Stored new client key")
				}
			}
			conn.SetReadDeadline(time.Time{})
			return nil

		case "response":
			var resp registerResponse
			if err := json.Unmarshal(msg.Payload, &resp); err == nil && resp.PairingType == "PROMPT" {
				c.connMu.Lock()
				if c.conn == conn {
					c.state = AwaitingUserConfirmation
				}
				c.connMu.Unlock()

				c.logger.Info("Accept the pairing request on the TV")
				c.emit(Event{Type: EventPrompt})
				wait = c.promptTimeout
			}

		case "error":
			return fmt.Errorf("%w: %s", ErrPairingRejected, msg.Error)

		default:
			c.logger.Debug("Ignoring message during handshake", zap.String("type", msg.Type))
		}
	}
}

// Disconnect closes the session and stops reconnecting
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	c.reconnect = false
	c.cancel()
	conn := c.conn
	c.conn = nil
	wasActive := c.state != Disconnected
	c.state = Disconnected
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.clearSubscriptions()

	if wasActive {
		c.logger.Info("Disconnected from TV")
		c.emit(Event{Type: EventDisconnected})
	}
	return nil
}

func (c *Client) clearSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subscriptions = make(map[string]PushHandler)
}

// nextMsgID returns a message id unique within the current connection
func (c *Client) nextMsgID() string {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return fmt.Sprintf("%s_%d", c.msgPrefix, c.msgID)
}

func (c *Client) activeConn() (*websocket.Conn, context.Context, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.state != Connected || c.conn == nil {
		return nil, nil, ErrNotConnected
	}
	return c.conn, c.connCtx, nil
}

func (c *Client) write(conn *websocket.Conn, msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.requestTimeout))
	return conn.WriteJSON(msg)
}

// Request sends a single request and waits for its response payload
func (c *Client) Request(ctx context.Context, uri string, payload interface{}) (json.RawMessage, error) {
	conn, connCtx, err := c.activeConn()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	msgID := c.nextMsgID()
	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	req := outgoing{Type: "request", ID: msgID, URI: uri, Payload: payload}
	if err := c.write(conn, req); err != nil {
		return nil, fmt.Errorf("failed to send request %s: %w", uri, err)
	}

	select {
	case resp := <-respChan:
		return checkResponse(uri, resp)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, uri)
		}
		return nil, ctx.Err()
	case <-connCtx.Done():
		return nil, fmt.Errorf("%w: connection closed during %s", ErrNotConnected, uri)
	}
}

func checkResponse(uri string, resp Message) (json.RawMessage, error) {
	if resp.Type == "error" {
		return nil, fmt.Errorf("%w: %s: %s", ErrRequestFailed, uri, resp.Error)
	}

	var status returnStatus
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &status); err == nil && status.ReturnValue != nil && !*status.ReturnValue {
			return nil, fmt.Errorf("%w: %s: %s %s", ErrRequestFailed, uri, status.ErrorCode, status.ErrorText)
		}
	}
	return resp.Payload, nil
}

// Subscribe asks the TV to push updates for uri. Subscriptions end when the
// connection drops and must be renewed after every reconnect.
func (c *Client) Subscribe(uri string, handler PushHandler) error {
	conn, _, err := c.activeConn()
	if err != nil {
		return err
	}

	msgID := c.nextMsgID()
	c.subsMu.Lock()
	c.subscriptions[msgID] = handler
	c.subsMu.Unlock()

	if err := c.write(conn, outgoing{Type: "subscribe", ID: msgID, URI: uri}); err != nil {
		c.subsMu.Lock()
		delete(c.subscriptions, msgID)
		c.subsMu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", uri, err)
	}

	c.logger.Debug("Subscribed", zap.String("uri", uri), zap.String("id", msgID))
	return nil
}

// receiveMessages handles incoming messages for one connection
func (c *Client) receiveMessages(conn *websocket.Conn, ctx context.Context) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
			default:
				c.logger.Warn("Failed to read message", zap.Error(err))
			}
			c.handleDisconnect(conn)
			return
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		select {
		case ch <- *msg:
		default:
			c.logger.Warn("Response channel full", zap.String("msg_id", msg.ID))
		}
	}
	c.pendingMu.Unlock()
	if ok {
		return
	}

	c.subsMu.RLock()
	handler, ok := c.subscriptions[msg.ID]
	c.subsMu.RUnlock()
	if !ok {
		c.logger.Debug("Dropping unsolicited message", zap.String("type", msg.Type), zap.String("id", msg.ID))
		return
	}

	if msg.Type == "error" {
		c.logger.Warn("Subscription error", zap.String("id", msg.ID), zap.String("error", msg.Error))
		return
	}
	handler(msg.Payload)
}

// handleDisconnect handles loss of conn. Stale connections are ignored.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	if c.connCancel != nil {
		c.connCancel()
	}
	reconnect := c.reconnect
	c.connMu.Unlock()

	conn.Close()
	c.clearSubscriptions()

	c.logger.Warn("Connection to TV lost")
	c.emit(Event{Type: EventDisconnected})

	if reconnect {
		c.scheduleReconnect()
	}
}

// scheduleReconnect starts the reconnect loop unless one is already running
func (c *Client) scheduleReconnect() {
	c.connMu.Lock()
	if !c.reconnect || c.reconnecting {
		c.connMu.Unlock()
		return
	}
	c.reconnecting = true
	ctx := c.ctx
	c.connMu.Unlock()

	go c.attemptReconnect(ctx)
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect(ctx context.Context) {
	backoff := c.backoffInitial

	for {
		select {
		case <-ctx.Done():
			c.connMu.Lock()
			c.reconnecting = false
			c.connMu.Unlock()
			return
		case <-time.After(backoff):
		}

		c.connMu.Lock()
		switch c.state {
		case Connected, AwaitingUserConfirmation:
			c.reconnecting = false
			c.connMu.Unlock()
			return
		case Connecting:
			// Someone else is dialing; check again later
			c.connMu.Unlock()
			continue
		}
		c.state = Connecting
		c.connMu.Unlock()

		c.logger.Info("Attempting to reconnect...", zap.Duration("backoff", backoff))

		if err := c.dial(); err != nil {
			backoff *= 2
			if backoff > c.backoffMax {
				backoff = c.backoffMax
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}
