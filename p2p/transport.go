package p2p

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
	// ErrTransportClosed is returned when reading/writing on a closed transport.
	ErrTransportClosed = errors.New("p2p: transport closed")

	// ErrFrameTooLarge is returned when a frame exceeds MaxMessageSize.
	ErrFrameTooLarge = errors.New("p2p: frame too large")
)

// frameWriteTimeout bounds a single frame write, so a stalled peer cannot
// hold up relaying to the others.
const frameWriteTimeout = 20 * time.Second

// Transport reads and writes framed messages on a connection.
type Transport interface {
	ReadMsg() (Msg, error)
	WriteMsg(msg Msg) error
	Close() error
}

// ConnTransport extends Transport with remote address information.
type ConnTransport interface {
	Transport
	RemoteAddr() string
}

// Dialer establishes outbound connections to peers.
type Dialer interface {
	Dial(addr string) (ConnTransport, error)
}

// TCPDialer dials TCP connections and wraps them in a FrameTransport.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial connects to addr via TCP.
func (d *TCPDialer) Dial(addr string) (ConnTransport, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("p2p: dial error: %w", err)
	}
	return NewFrameConnTransport(conn), nil
}

// FrameConnTransport is a FrameTransport that remembers its remote address.
type FrameConnTransport struct {
	*FrameTransport
	remoteAddr string
}

// NewFrameConnTransport wraps a net.Conn as a ConnTransport.
func NewFrameConnTransport(conn net.Conn) *FrameConnTransport {
	return &FrameConnTransport{
		FrameTransport: NewFrameTransport(conn),
		remoteAddr:     conn.RemoteAddr().String(),
	}
}

// RemoteAddr returns the remote network address.
func (t *FrameConnTransport) RemoteAddr() string {
	return t.remoteAddr
}

// FrameTransport implements Transport using length-prefixed plaintext framing.
// Wire format per message: [4-byte big-endian length][1-byte msg code][payload]
// where length = 1 + len(payload).
type FrameTransport struct {
	conn         net.Conn
	writeTimeout time.Duration
	rmu          sync.Mutex
	wmu          sync.Mutex
}

// NewFrameTransport wraps a net.Conn as a plaintext frame transport.
func NewFrameTransport(conn net.Conn) *FrameTransport {
	return &FrameTransport{conn: conn, writeTimeout: frameWriteTimeout}
}

// ReadMsg reads a single framed message from the connection.
func (t *FrameTransport) ReadMsg() (Msg, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	var lenBuf [4]byte
	if _, err := io.ReadFull(t.conn, lenBuf[:]); err != nil {
		return Msg{}, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return Msg{}, errEmptyFrame
	}
	if frameLen > MaxMessageSize+1 {
		return Msg{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(t.conn, frame); err != nil {
		return Msg{}, err
	}
	return Msg{
		Code:    uint64(frame[0]),
		Size:    frameLen - 1,
		Payload: frame[1:],
	}, nil
}

// WriteMsg writes a framed message to the connection in a single write.
func (t *FrameTransport) WriteMsg(msg Msg) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	frameLen := 1 + len(msg.Payload)
	if frameLen > MaxMessageSize+1 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}
	buf := make([]byte, 5, 4+frameLen)
	binary.BigEndian.PutUint32(buf[:4], uint32(frameLen))
	buf[4] = byte(msg.Code)
	buf = append(buf, msg.Payload...)
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	_, err := t.conn.Write(buf)
	return err
}

// Close closes the underlying connection.
func (t *FrameTransport) Close() error {
	return t.conn.Close()
}
