package session

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/danmuck/chprops/internal/protocol"
	"github.com/gorilla/websocket"
)

// Transport names.
const (
	TransportTCP       = "tcp"
	TransportTLS       = "tls"
	TransportUnix      = "unix"
	TransportWebSocket = "websocket"
)

// Conn is one framed transport connection.
type Conn interface {
	// ReadFrame blocks until one complete frame is available.
	ReadFrame() ([]byte, error)
	// WriteFrame writes one complete frame, delimiter included.
	WriteFrame(line []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
	Transport() string
}

// streamConn frames a byte stream on the protocol delimiter.
type streamConn struct {
	conn      net.Conn
	reader    *bufio.Reader
	maxFrame  int
	transport string
	peer      string
}

// NewStreamConn wraps a byte-stream connection.
func NewStreamConn(conn net.Conn, transport string, maxFrameBytes int) Conn {
	return newStreamConn(conn, transport, maxFrameBytes)
}

func newStreamConn(conn net.Conn, transport string, maxFrameBytes int) *streamConn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	return &streamConn{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		maxFrame:  maxFrameBytes,
		transport: transport,
	}
}

// ReadFrame accumulates partial reads until the delimiter arrives. A frame
// longer than the limit has no recovery boundary and fails the connection.
func (c *streamConn) ReadFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice(protocol.Delimiter)
		if len(line)+len(chunk) > c.maxFrame+1 {
			return nil, protocol.ErrFrameTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func (c *streamConn) WriteFrame(line []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(line)
	return err
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return c.transport
}

func (c *streamConn) Transport() string {
	return c.transport
}

// Peer is the verified client certificate identity, empty without mTLS.
func (c *streamConn) Peer() string {
	return c.peer
}

// wsConn carries one frame per websocket text message.
type wsConn struct {
	conn   *websocket.Conn
	remote string
}

// NewWebSocketConn wraps an upgraded or dialed websocket.
func NewWebSocketConn(conn *websocket.Conn, maxFrameBytes int) Conn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	conn.SetReadLimit(int64(maxFrameBytes) + 1)
	return &wsConn{conn: conn, remote: conn.RemoteAddr().String()}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, protocol.ErrFrameTooLarge
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteFrame(line []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(line, "\n"))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

func (c *wsConn) Transport() string {
	return TransportWebSocket
}
