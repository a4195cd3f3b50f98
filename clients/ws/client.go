// Package ws provides a WebSocket client for the conductor gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/conductor/internal/gateway/ws"
)

// Client is a WebSocket client for the conductor gateway. Call and
// ReadFrame must not be used concurrently.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	clientCtx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// CallError is a request the gateway rejected.
type CallError struct {
	Method  string
	Kind    string
	Message string
}

func (e *CallError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// IsKind reports whether err is a CallError of the given kind.
func IsKind(err error, kind string) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == kind
}

// Send writes a request frame and returns its id.
func (c *Client) Send(ctx context.Context, method wsprotocol.Method, params any) (string, error) {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	frame := wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     fmt.Sprintf("req-%d", seq),
		Method: string(method),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("encode params: %w", err)
		}
		frame.Params = raw
	}
	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return "", err
	}
	return frame.ID, c.conn.Write(ctx, websocket.MessageText, data)
}

// Call sends a request and waits for its response, decoding the payload into
// out when out is non-nil. Event frames received meanwhile are discarded.
func (c *Client) Call(ctx context.Context, method wsprotocol.Method, params, out any) error {
	id, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		f, err := wsprotocol.UnmarshalFrame(data)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		if f.Type != wsprotocol.FrameTypeResponse || f.ID != id {
			continue
		}
		if f.OK == nil || !*f.OK {
			return &CallError{Method: string(method), Kind: f.Kind, Message: f.Error}
		}
		if out != nil && len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, out); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	}
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
