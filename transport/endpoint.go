// Package transport moves length-prefixed frames over TCP. One frame is one
// serialized protocol message: a fixed 4-byte big-endian length followed by
// the payload. Any I/O failure is fatal to the connection and surfaces as
// ErrCommunication; retry policy belongs to the caller.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var (
	// ErrCommunication marks a connection-fatal I/O failure: EOF, reset or
	// a deadline expiring mid-operation.
	ErrCommunication = errors.New("endpoint communication error")

	// ErrClosed is returned for operations on an endpoint after Close.
	ErrClosed = errors.New("endpoint is closed")
)

const (
	headerSize = 4

	// MaxFrameSize bounds a single frame. Anything larger is treated as a
	// corrupt length prefix and kills the connection.
	MaxFrameSize = 1 << 20
)

// Endpoint is one side of a framed connection. A single read/write deadline
// bounds how long any one socket operation may block.
type Endpoint struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewEndpoint wraps an established connection. Zero timeouts disable the
// deadlines.
func NewEndpoint(conn net.Conn, readTimeout, writeTimeout time.Duration) *Endpoint {
	return &Endpoint{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// Dial connects to addr and returns a framed endpoint over the socket.
func Dial(addr string, connectTimeout, readTimeout, writeTimeout time.Duration) (*Endpoint, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrCommunication, addr, err)
	}
	return NewEndpoint(conn, readTimeout, writeTimeout), nil
}

// PutMessage writes one frame, blocking until it is fully sent.
func (e *Endpoint) PutMessage(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrCommunication, len(payload))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if e.writeTimeout > 0 {
		e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	if _, err := e.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrCommunication, err)
	}
	return nil
}

// GetMessage blocks until one full frame arrives. EOF, reset and timeouts
// all surface as ErrCommunication; the connection must be considered dead.
func (e *Endpoint) GetMessage() ([]byte, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	conn := e.conn
	e.mu.Unlock()

	if e.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(e.readTimeout))
	}
	var header [headerSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCommunication, err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit", ErrCommunication, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("%w: read payload: %v", ErrCommunication, err)
	}
	return payload, nil
}

// Close releases the socket. Safe to call more than once.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.conn.Close()
}

// IsConnected reports whether Close has been called. It does not probe the
// peer; a dead socket is only discovered by the next operation failing.
func (e *Endpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// RemoteAddr returns the peer address for logging.
func (e *Endpoint) RemoteAddr() string {
	return e.conn.RemoteAddr().String()
}

// Listener accepts framed endpoints.
type Listener struct {
	ln           net.Listener
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Listen binds addr and returns a framed listener. addr may use port 0 to
// pick a free port; see Addr.
func Listen(addr string, readTimeout, writeTimeout time.Duration) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrCommunication, addr, err)
	}
	return &Listener{ln: ln, readTimeout: readTimeout, writeTimeout: writeTimeout}, nil
}

// Accept blocks for the next connection.
func (l *Listener) Accept() (*Endpoint, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("%w: accept: %v", ErrCommunication, err)
	}
	return NewEndpoint(conn, l.readTimeout, l.writeTimeout), nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }
