// Package transport provides the WebSocket control channel to the AIVory
// backend.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/snapshot"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// AgentVersion is reported when registering with the backend.
const AgentVersion = "1.1.0"

// AgentInfo identifies the agent to the backend.
type AgentInfo struct {
	AgentID     string
	Hostname    string
	Environment string
}

// Connection represents a WebSocket connection to the AIVory backend.
type Connection struct {
	url           string
	apiKey        string
	info          AgentInfo
	debugger      Debugger
	logger        *zap.Logger
	stats         tally.Scope
	conn          *websocket.Conn
	connected     bool
	authenticated bool
	mu            sync.RWMutex
	writeMu       sync.Mutex

	reconnectAttempts    int
	maxReconnectAttempts int
	rejected             atomic.Bool
	reconnectDelay       time.Duration
	heartbeatInterval    time.Duration

	messageQueue chan []byte
	done         chan struct{}
	closeOnce    sync.Once
}

// Message represents a WebSocket message.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the connection logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithStats sets the metrics scope.
func WithStats(scope tally.Scope) Option {
	return func(c *Connection) {
		c.stats = scope
	}
}

// WithAgentInfo sets what the agent reports about itself.
func WithAgentInfo(info AgentInfo) Option {
	return func(c *Connection) {
		c.info = info
	}
}

// WithReconnect sets the reconnect budget and the initial backoff.
func WithReconnect(maxAttempts int, delay time.Duration) Option {
	return func(c *Connection) {
		c.maxReconnectAttempts = maxAttempts
		c.reconnectDelay = delay
	}
}

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Connection) {
		c.heartbeatInterval = d
	}
}

// NewConnection creates a new connection serving commands with dbg.
func NewConnection(url, apiKey string, dbg Debugger, opts ...Option) *Connection {
	c := &Connection{
		url:                  url,
		apiKey:               apiKey,
		debugger:             dbg,
		logger:               zap.NewNop(),
		stats:                tally.NoopScope,
		maxReconnectAttempts: 10,
		reconnectDelay:       time.Second,
		heartbeatInterval:    30 * time.Second,
		messageQueue:         make(chan []byte, 100),
		done:                 make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the WebSocket connection and serves it until ctx is
// done, Disconnect is called or the reconnect budget is spent.
func (c *Connection) Connect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.logger.Debug("connection error", zap.Error(err))
			c.stats.Counter("connect_errors").Inc(1)

			c.reconnectAttempts++
			if c.rejected.Load() || c.reconnectAttempts > c.maxReconnectAttempts {
				c.logger.Warn("max reconnect attempts reached", zap.Int("attempts", c.maxReconnectAttempts))
				return
			}

			delay := c.reconnectDelay * time.Duration(1<<uint(c.reconnectAttempts-1))
			if delay > 60*time.Second {
				delay = 60 * time.Second
			}
			c.logger.Debug("reconnecting",
				zap.Duration("delay", delay),
				zap.Int("attempt", c.reconnectAttempts),
			)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-c.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		c.reconnectAttempts = 0
		c.runMessageLoop(ctx)
	}
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.connected = false
	c.authenticated = false
}

// PushSnapshot sends a completed snapshot to the backend.
func (c *Connection) PushSnapshot(snap *snapshot.Snapshot) {
	c.send(TypeBreakpointHit, snap)
}

// IsConnected returns true if connected and authenticated.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.authenticated
}

func (c *Connection) connect(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("connecting", zap.String("url", c.url))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug("websocket connected")
	c.authenticate()
	return nil
}

func (c *Connection) authenticate() {
	payload := map[string]interface{}{
		"api_key":       c.apiKey,
		"agent_id":      c.info.AgentID,
		"agent_version": AgentVersion,
		"hostname":      c.info.Hostname,
		"environment":   c.info.Environment,
		"runtime":       "go",
		"capabilities":  []string{"breakpoints", "snapshots"},
	}

	c.sendDirect(TypeRegister, payload)
}

func (c *Connection) runMessageLoop(ctx context.Context) {
	heartbeatTicker := time.NewTicker(c.heartbeatInterval)
	defer heartbeatTicker.Stop()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.logger.Debug("read error", zap.Error(err))
				}
				return
			}
			c.handleMessage(ctx, message)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-readDone
			return
		case <-c.done:
			<-readDone
			return
		case <-readDone:
			c.mu.Lock()
			c.connected = false
			c.authenticated = false
			c.mu.Unlock()
			return
		case <-heartbeatTicker.C:
			c.send(TypeHeartbeat, map[string]interface{}{
				"timestamp": time.Now().UnixMilli(),
			})
		case msg := <-c.messageQueue:
			c.write(msg)
		}
	}
}

func (c *Connection) handleMessage(ctx context.Context, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("error parsing message", zap.Error(err))
		return
	}

	c.logger.Debug("received", zap.String("type", msg.Type))
	c.stats.Tagged(map[string]string{"type": msg.Type}).Counter("messages_received").Inc(1)

	switch msg.Type {
	case TypeRegistered:
		c.handleRegistered()
	case TypeError:
		c.handleError(msg.Payload)
	case TypeBreakpointSet, TypeBreakpointRemove, TypeBreakpointDeregister,
		TypeSnapshotGet, TypeSnapshotRemove, TypeDestroy:
		replyType, payload := Dispatch(ctx, c.debugger, msg.Type, msg.Payload)
		c.sendDirect(replyType, payload)
	default:
		c.logger.Debug("unhandled message type", zap.String("type", msg.Type))
	}
}

func (c *Connection) handleRegistered() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	c.logger.Info("agent registered")
}

func (c *Connection) handleError(raw json.RawMessage) {
	var payload ErrorReply
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	c.logger.Warn("backend error", zap.String("code", payload.Code), zap.String("message", payload.Message))

	if payload.Code == "auth_error" || payload.Code == "invalid_api_key" {
		c.logger.Error("authentication failed, disabling reconnect")
		c.rejected.Store(true)
		go c.Disconnect()
	}
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

// send queues a message; it is dropped unless the agent is registered.
func (c *Connection) send(msgType string, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		c.logger.Debug("error marshaling message", zap.String("type", msgType), zap.Error(err))
		return
	}

	if !c.IsConnected() {
		return
	}

	select {
	case c.messageQueue <- data:
	default:
		// Queue full, drop oldest.
		select {
		case <-c.messageQueue:
		default:
		}
		select {
		case c.messageQueue <- data:
		default:
		}
		c.stats.Counter("messages_dropped").Inc(1)
	}
}

// sendDirect writes immediately, bypassing the queue.
func (c *Connection) sendDirect(msgType string, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		c.logger.Debug("error marshaling message", zap.String("type", msgType), zap.Error(err))
		return
	}
	c.write(data)
}

func (c *Connection) write(data []byte) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write error", zap.Error(err))
		return
	}
	c.stats.Counter("messages_sent").Inc(1)
}
