package winctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client manages a WebSocket connection to the window manager's IPC
// endpoint. Requests are correlated to responses by message id.
type Client struct {
	endpoint string
	conn     *websocket.Conn
	connMu   sync.Mutex
	msgID    atomic.Int64

	// Response channels keyed by message ID
	pending   map[int64]chan wsResponse
	pendingMu sync.Mutex

	logger *slog.Logger
}

// wsMessage is the generic IPC message format, both directions.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   string
}

// NewClient creates a window-manager client for the given ws:// or
// wss:// endpoint. Call Connect before use.
func NewClient(endpoint string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		pending:  make(map[int64]chan wsResponse),
		logger:   logger,
	}
}

// Connect establishes the WebSocket connection and starts the read
// loop.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to window manager", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Reconnect drops the current connection (if any) and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// GetAllWindows implements Manager.
func (c *Client) GetAllWindows(ctx context.Context) ([]Window, error) {
	result, err := c.call(ctx, "windows/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	var windows []Window
	if err := json.Unmarshal(result, &windows); err != nil {
		return nil, fmt.Errorf("unmarshal windows: %w", err)
	}
	return windows, nil
}

// CreateWindow implements Manager.
func (c *Client) CreateWindow(ctx context.Context, windowType, title string, config map[string]any) (*Window, error) {
	result, err := c.call(ctx, "windows/create", mustRaw(createRequest{
		Type:   windowType,
		Title:  title,
		Config: config,
	}))
	if err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}
	var w Window
	if err := json.Unmarshal(result, &w); err != nil {
		return nil, fmt.Errorf("unmarshal window: %w", err)
	}
	return &w, nil
}

// MoveWindow implements Manager.
func (c *Client) MoveWindow(ctx context.Context, id string, pos Position) error {
	_, err := c.call(ctx, "windows/move", mustRaw(moveRequest{ID: id, Position: pos}))
	if err != nil {
		return fmt.Errorf("move window %s: %w", id, err)
	}
	return nil
}

// ResizeWindow implements Manager.
func (c *Client) ResizeWindow(ctx context.Context, id string, size Size) error {
	_, err := c.call(ctx, "windows/resize", mustRaw(resizeRequest{ID: id, Size: size}))
	if err != nil {
		return fmt.Errorf("resize window %s: %w", id, err)
	}
	return nil
}

// CloseWindow implements Manager.
func (c *Client) CloseWindow(ctx context.Context, id string) error {
	_, err := c.call(ctx, "windows/close", mustRaw(idRequest{ID: id}))
	if err != nil {
		return fmt.Errorf("close window %s: %w", id, err)
	}
	return nil
}

// SetWindowTitle implements Manager.
func (c *Client) SetWindowTitle(ctx context.Context, id, title string) error {
	_, err := c.call(ctx, "windows/set_title", mustRaw(titleRequest{ID: id, Title: title}))
	if err != nil {
		return fmt.Errorf("set window title %s: %w", id, err)
	}
	return nil
}

// call sends a request and waits for its correlated response.
func (c *Client) call(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error) {
	id := c.msgID.Add(1)

	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		c.connMu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	err := conn.WriteJSON(wsMessage{ID: id, Type: msgType, Payload: payload})
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != "" {
				return nil, fmt.Errorf("%s", resp.Error)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(15 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

// readLoop continuously reads messages and routes them to waiters.
func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("window manager connection closed")
				return
			}
			c.logger.Error("window manager read error", "error", err)
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- wsResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
		} else if msg.ID != 0 {
			c.logger.Debug("dropping unmatched response", "id", msg.ID, "type", msg.Type)
		}
	}
}
