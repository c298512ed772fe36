package p2p

import (
	"errors"
	"io"
	"sync"
)

// Message codes.
const (
	HelloMsg  = 0x00
	GossipMsg = 0x01
)

// MaxMessageSize bounds a frame payload.
const MaxMessageSize = 1 << 20

// Msg is a raw frame exchanged over a Transport.
type Msg struct {
	Code    uint64 // Message code.
	Size    uint32 // Payload size in bytes.
	Payload []byte // Raw payload bytes.
}

// Send writes a message with the given code and payload to a Transport.
func Send(t Transport, code uint64, data []byte) error {
	return t.WriteMsg(Msg{
		Code:    code,
		Size:    uint32(len(data)),
		Payload: data,
	})
}

// MsgPipe creates two connected transports. A message written to one is
// readable from the other, and vice versa. Close either end to shut down both.
func MsgPipe() (*MsgPipeEnd, *MsgPipeEnd) {
	ch1 := make(chan Msg, 16)
	ch2 := make(chan Msg, 16)
	done := make(chan struct{})
	once := new(sync.Once)

	a := &MsgPipeEnd{send: ch1, recv: ch2, done: done, closeOnce: once, addr: "pipe-a"}
	b := &MsgPipeEnd{send: ch2, recv: ch1, done: done, closeOnce: once, addr: "pipe-b"}
	return a, b
}

// MsgPipeEnd is one end of a MsgPipe.
type MsgPipeEnd struct {
	send      chan Msg
	recv      chan Msg
	done      chan struct{}
	closeOnce *sync.Once
	addr      string
}

func (p *MsgPipeEnd) ReadMsg() (Msg, error) {
	select {
	case msg, ok := <-p.recv:
		if !ok {
			return Msg{}, io.EOF
		}
		return msg, nil
	case <-p.done:
		return Msg{}, io.EOF
	}
}

func (p *MsgPipeEnd) WriteMsg(msg Msg) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return ErrTransportClosed
	}
}

func (p *MsgPipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// RemoteAddr implements ConnTransport.
func (p *MsgPipeEnd) RemoteAddr() string { return p.addr }

var errEmptyFrame = errors.New("p2p: empty frame")
