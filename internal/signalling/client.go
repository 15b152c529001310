package signalling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// readTimeout is the per-read timeout on the signalling monitor so
// cancellation stays prompt (§4.3 "Signalling monitor").
const readTimeout = 2 * time.Second

// HandshakeError classifies a failed WebSocket upgrade by HTTP status, so
// the Live-View Client can tell auth-class (401/403), ticket-expired (404),
// and other failures apart (§7).
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("signalling: handshake failed (status %d): %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// IsAuthClass reports whether the handshake failure is 401/403.
func (e *HandshakeError) IsAuthClass() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsTicketExpired reports whether the handshake failure is 404.
func (e *HandshakeError) IsTicketExpired() bool {
	return e.StatusCode == http.StatusNotFound
}

// Client wraps one *websocket.Conn for one Live-View Client attempt.
type Client struct {
	conn *websocket.Conn
}

// Dial opens the signalling WebSocket, classifying a failed upgrade into a
// *HandshakeError when the server responded with a status code.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("signalling: dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Send writes one envelope as a JSON text frame.
func (c *Client) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signalling: marshal envelope: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ErrReadTimeout is returned by Read when no message arrived within
// readTimeout; callers treat this as "check the stop flag and try again",
// not as a connection-class error.
var ErrReadTimeout = errors.New("signalling: read timeout")

// Read blocks for at most readTimeout waiting for the next inbound
// envelope.
func (c *Client) Read() (Envelope, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return Envelope{}, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return Envelope{}, ErrReadTimeout
		}
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("signalling: unmarshal envelope: %w", err)
	}
	return env, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	return c.conn.Close()
}
