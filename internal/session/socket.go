package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the transport surface the manager needs. The concrete
// implementation wraps a gorilla connection; tests substitute fakes.
type Socket interface {
	// ReadMessage blocks for the next raw frame.
	ReadMessage() ([]byte, error)
	// WriteMessage writes one raw frame. Safe for concurrent use.
	WriteMessage(payload []byte) error
	// Close tears the socket down. Normal closure tells the server the
	// disconnect was deliberate, not a fault.
	Close(normal bool) error
}

// Dialer establishes sockets. The transport token is short-lived and
// fetched per attempt.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, token string) (Socket, error)
}

// WSDialer dials real WebSocket endpoints.
type WSDialer struct {
	// HandshakeTimeout bounds the dial; zero means 15s.
	HandshakeTimeout time.Duration
}

// Dial connects to the endpoint, passing the transport token as a query
// parameter the way the platform's gateway expects it.
func (d *WSDialer) Dial(ctx context.Context, endpoint string, token string) (Socket, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse ws endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 15 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return newWSSocket(conn), nil
}

// wsSocket wraps a gorilla connection. gorilla does not allow concurrent
// writers, so writes are serialized here.
type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSocket) Close(normal bool) error {
	if normal {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		s.writeMu.Unlock()
	}
	return s.conn.Close()
}
