// Package transport is a minimal socket.io client (Engine.IO protocol 4,
// websocket transport only, default namespace) on top of gorilla/websocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 16 << 20
	writeWait      = 10 * time.Second
)

var (
	ErrNotConnected  = errors.New("socket not connected")
	ErrConnectRefuse = errors.New("socket.io namespace connect refused")
)

// engine.io packet types
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// socket.io packet types
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

type Handler = func(payload json.RawMessage)

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.RWMutex
	handlers     map[string]Handler
	onDisconnect func()

	writeMu   sync.Mutex
	ws        *websocket.Conn
	pongWait  time.Duration
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
}

// On registers the handler for an inbound event. Handlers run on the read
// goroutine, one at a time, in arrival order.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// OnDisconnect is called once when the connection is lost or closed.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connect dials the service, completes the Engine.IO and namespace
// handshakes and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	endpoint, err := socketURL(c.cfg.URL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return fmt.Errorf("dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	ws.SetReadLimit(maxMessageSize)

	deadline, _ := ctx.Deadline()
	ws.SetReadDeadline(deadline)

	open, err := readOpen(ws)
	if err != nil {
		ws.Close()
		return err
	}
	c.pongWait = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if c.pongWait <= 0 {
		c.pongWait = 45 * time.Second
	}

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, []byte{eioMessage, sioConnect}); err != nil {
		ws.Close()
		return fmt.Errorf("namespace connect: %w", err)
	}

	if err := readConnectAck(ws); err != nil {
		ws.Close()
		return err
	}

	c.ws = ws
	c.connected.Store(true)
	c.logger.Debug("socket connected", "url", endpoint, "sid", open.SID)

	go c.readPump()
	return nil
}

// Emit sends a socket.io event with a single JSON argument.
func (c *Client) Emit(event string, payload any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	body, err := json.Marshal([]any{event, payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	msg := make([]byte, 0, len(body)+2)
	msg = append(msg, eioMessage, sioEvent)
	msg = append(msg, body...)
	if err := c.write(msg); err != nil {
		c.logger.Warn("emit failed", "event", event, "error", err)
		c.teardown()
		return err
	}
	return nil
}

// Close sends a namespace disconnect and closes the socket. The disconnect
// handler still fires.
func (c *Client) Close() error {
	if c.ws == nil {
		return nil
	}
	if c.connected.Load() {
		c.write([]byte{eioMessage, sioDisconnect})
	}
	c.teardown()
	return nil
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.ws.Close()
		close(c.done)

		c.mu.RLock()
		fn := c.onDisconnect
		c.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *Client) readPump() {
	defer c.teardown()

	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("socket closed unexpectedly", "error", err)
			} else {
				c.logger.Debug("socket closed", "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case eioPing:
			c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
			if err := c.write([]byte{eioPong}); err != nil {
				c.logger.Warn("pong failed", "error", err)
				return
			}
		case eioMessage:
			if !c.handleMessage(data[1:]) {
				return
			}
		case eioClose:
			c.logger.Debug("server closed engine.io session")
			return
		case eioNoop, eioPong:
		default:
			c.logger.Debug("ignoring engine.io packet", "type", string(data[0]))
		}
	}
}

// handleMessage returns false when the server ended the namespace session.
func (c *Client) handleMessage(data []byte) bool {
	if len(data) == 0 {
		return true
	}

	switch data[0] {
	case sioEvent:
		event, payload, err := decodeEvent(data[1:])
		if err != nil {
			c.logger.Warn("malformed event", "error", err)
			return true
		}
		c.dispatch(event, payload)
	case sioDisconnect:
		c.logger.Debug("server disconnected namespace")
		return false
	case sioAck, sioConnect:
	default:
		c.logger.Debug("ignoring socket.io packet", "type", string(data[0]))
	}
	return true
}

func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.mu.RLock()
	h, ok := c.handlers[event]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("no handler for event", "event", event)
		return
	}
	h(payload)
}

func readOpen(ws *websocket.Conn) (*openPacket, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read open packet: %w", err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return nil, fmt.Errorf("expected engine.io open packet, got %q", data)
	}
	var open openPacket
	if err := json.Unmarshal(data[1:], &open); err != nil {
		return nil, fmt.Errorf("decode open packet: %w", err)
	}
	return &open, nil
}

func readConnectAck(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read connect ack: %w", err)
		}
		if len(data) < 2 || data[0] != eioMessage {
			continue
		}
		switch data[1] {
		case sioConnect:
			return nil
		case sioConnectError:
			return fmt.Errorf("%w: %s", ErrConnectRefuse, data[2:])
		}
	}
}

// decodeEvent parses `[/nsp,][ackID]["event", arg]`.
func decodeEvent(data []byte) (string, json.RawMessage, error) {
	if len(data) > 0 && data[0] == '/' {
		i := strings.IndexByte(string(data), ',')
		if i < 0 {
			return "", nil, fmt.Errorf("namespace without separator")
		}
		data = data[i+1:]
	}
	for len(data) > 0 && data[0] >= '0' && data[0] <= '9' {
		data = data[1:]
	}

	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return "", nil, fmt.Errorf("decode event args: %w", err)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("event without name")
	}

	var event string
	if err := json.Unmarshal(args[0], &event); err != nil {
		return "", nil, fmt.Errorf("decode event name: %w", err)
	}
	if len(args) < 2 {
		return event, nil, nil
	}
	return event, args[1], nil
}

// socketURL turns the service base URL into the websocket endpoint.
func socketURL(service string) (string, error) {
	u, err := url.Parse(service)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported service scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
