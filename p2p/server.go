// Package p2p is the gossip overlay: framed TCP connections between nodes,
// a signed flood-relay gossip layer on top of them, LAN discovery and the
// Disseminator that carries attestations and roster updates.
package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/footsteps/footsteps/crypto"
	"github.com/footsteps/footsteps/log"
	"github.com/footsteps/footsteps/metrics"
)

// Server errors.
var (
	ErrServerRunning    = errors.New("p2p: server already running")
	ErrServerStopped    = errors.New("p2p: server not running")
	ErrHandshakeTimeout = errors.New("p2p: handshake timeout")
	ErrBadHello         = errors.New("p2p: invalid hello")
)

// Config holds the configuration for a Server.
type Config struct {
	// Name is the display name sent to peers.
	Name string

	// ListenAddr is the TCP address to listen on (e.g., ":9000").
	ListenAddr string

	// MaxPeers is the maximum number of connected peers.
	MaxPeers int

	// StaticPeers are host:port addresses dialed once at startup.
	StaticPeers []string

	// HandshakeTimeout bounds the hello exchange.
	HandshakeTimeout time.Duration

	// Dialer opens outbound connections. Defaults to TCPDialer.
	Dialer Dialer
}

// PeerEventType distinguishes peer events.
type PeerEventType int

const (
	PeerAdded PeerEventType = iota
	PeerDropped
	PeerDialFailed
)

func (t PeerEventType) String() string {
	switch t {
	case PeerAdded:
		return "added"
	case PeerDropped:
		return "dropped"
	case PeerDialFailed:
		return "dial failed"
	}
	return "unknown"
}

// PeerEvent is sent on the server's event feed.
type PeerEvent struct {
	Type PeerEventType
	Peer PeerInfo
	// Addr is the dialed address for PeerDialFailed.
	Addr string
	Err  error
}

// MsgHandler handles a non-hello frame received from a peer.
type MsgHandler func(p *Peer, msg Msg)

// hello is the first frame on every connection. The signature covers the
// other fields and proves possession of the key behind the peer identity.
type hello struct {
	PubKey     []byte
	Name       string
	ListenPort uint64
	Sig        []byte
}

func helloDigest(h *hello) []byte {
	var port [8]byte
	binary.BigEndian.PutUint64(port[:], h.ListenPort)
	return crypto.Keccak256([]byte("footsteps/hello"), h.PubKey, []byte(h.Name), port[:])
}

// Server manages peer connections and their lifecycle.
type Server struct {
	config Config
	key    *crypto.NodeKey
	self   string
	peers  *peerSet
	feed   event.Feed
	log    *log.Logger

	handlerMu sync.RWMutex
	handler   MsgHandler

	mu         sync.Mutex
	listener   net.Listener
	listenPort uint16
	running    bool
	quit       chan struct{}
	wg         sync.WaitGroup
}

// NewServer creates a server whose identity is key.
func NewServer(cfg Config, key *crypto.NodeKey) *Server {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 25
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &TCPDialer{}
	}
	return &Server{
		config: cfg,
		key:    key,
		self:   key.PeerID(),
		peers:  newPeerSet(cfg.MaxPeers),
		log:    log.Default().Module("p2p"),
		quit:   make(chan struct{}),
	}
}

// Self returns the local peer identity.
func (srv *Server) Self() string { return srv.self }

// Key returns the node key.
func (srv *Server) Key() *crypto.NodeKey { return srv.key }

// SetHandler installs the handler for incoming non-hello frames.
func (srv *Server) SetHandler(h MsgHandler) {
	srv.handlerMu.Lock()
	srv.handler = h
	srv.handlerMu.Unlock()
}

// SubscribeEvents delivers peer events to ch.
func (srv *Server) SubscribeEvents(ch chan<- PeerEvent) event.Subscription {
	return srv.feed.Subscribe(ch)
}

// Start marks the server running, listens if ListenAddr is set and dials
// the static peers once in the background.
func (srv *Server) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.running {
		return ErrServerRunning
	}
	if srv.config.ListenAddr != "" {
		ln, err := net.Listen("tcp", srv.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("p2p: listen error: %w", err)
		}
		srv.listener = ln
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			srv.listenPort = uint16(addr.Port)
		}
		srv.wg.Add(1)
		go srv.listenLoop()
	}
	srv.running = true

	for _, addr := range srv.config.StaticPeers {
		srv.wg.Add(1)
		go func(addr string) {
			defer srv.wg.Done()
			if err := srv.Dial(addr); err != nil && !errors.Is(err, ErrAlreadyConnected) {
				srv.log.Warn("Static peer dial failed", "addr", addr, "err", err)
			}
		}(addr)
	}
	srv.log.Info("P2P server started", "self", srv.self, "listen", srv.listenAddrString(), "static", len(srv.config.StaticPeers))
	return nil
}

// Stop closes the listener and disconnects all peers.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return
	}
	srv.running = false
	close(srv.quit)
	if srv.listener != nil {
		srv.listener.Close()
	}
	srv.mu.Unlock()

	for _, p := range srv.peers.close() {
		p.Close()
	}
	srv.wg.Wait()
	metrics.PeersConnected.Set(0)
}

// ListenAddr returns the actual listen address (useful when using ":0").
func (srv *Server) ListenAddr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// ListenPort returns the bound TCP port, or 0 when not listening.
func (srv *Server) ListenPort() uint16 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.listenPort
}

func (srv *Server) listenAddrString() string {
	if srv.listener == nil {
		return ""
	}
	return srv.listener.Addr().String()
}

func (srv *Server) isRunning() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.running
}

// Dial connects to addr and completes the handshake. The connection is then
// served in the background. Dial failures are reported on the event feed.
func (srv *Server) Dial(addr string) error {
	if !srv.isRunning() {
		return ErrServerStopped
	}
	tr, err := srv.config.Dialer.Dial(addr)
	if err != nil {
		metrics.DialFailures.Inc()
		srv.feed.Send(PeerEvent{Type: PeerDialFailed, Addr: addr, Err: err})
		return err
	}
	return srv.AddConn(tr, false)
}

// AddConn performs the handshake on an established transport and serves the
// peer in the background.
func (srv *Server) AddConn(tr ConnTransport, inbound bool) error {
	p, err := srv.handshake(tr, inbound)
	if err != nil {
		tr.Close()
		return err
	}
	replaced, err := srv.peers.add(p, srv.self)
	if err != nil {
		tr.Close()
		return err
	}
	if replaced != nil {
		replaced.Close()
	}
	metrics.PeersConnected.Set(int64(srv.peers.len()))
	srv.log.Info("Peer connected", "peer", p.ID(), "name", p.Name(), "addr", p.info.RemoteAddr, "inbound", inbound)
	srv.feed.Send(PeerEvent{Type: PeerAdded, Peer: p.Info()})

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.runPeer(p)
	}()
	return nil
}

func (srv *Server) handshake(tr ConnTransport, inbound bool) (*Peer, error) {
	ours := &hello{
		PubKey:     srv.key.PublicKey(),
		Name:       srv.config.Name,
		ListenPort: uint64(srv.ListenPort()),
	}
	ours.Sig = srv.key.Sign(helloDigest(ours))
	enc, err := rlp.EncodeToBytes(ours)
	if err != nil {
		return nil, err
	}
	if err := Send(tr, HelloMsg, enc); err != nil {
		return nil, err
	}

	type result struct {
		msg Msg
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := tr.ReadMsg()
		ch <- result{msg, err}
	}()
	var res result
	select {
	case res = <-ch:
	case <-time.After(srv.config.HandshakeTimeout):
		tr.Close()
		return nil, ErrHandshakeTimeout
	case <-srv.quit:
		tr.Close()
		return nil, ErrServerStopped
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.msg.Code != HelloMsg {
		return nil, fmt.Errorf("%w: unexpected code %d", ErrBadHello, res.msg.Code)
	}
	var theirs hello
	if err := rlp.DecodeBytes(res.msg.Payload, &theirs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHello, err)
	}
	if !crypto.VerifySignature(theirs.PubKey, helloDigest(&theirs), theirs.Sig) {
		return nil, fmt.Errorf("%w: bad signature", ErrBadHello)
	}
	if theirs.ListenPort > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrBadHello, theirs.ListenPort)
	}
	id := crypto.PeerIDFromPublicKey(theirs.PubKey)
	if id == srv.self {
		return nil, ErrSelfConnection
	}
	return newPeer(PeerInfo{
		ID:         id,
		Name:       theirs.Name,
		RemoteAddr: tr.RemoteAddr(),
		ListenPort: uint16(theirs.ListenPort),
		Inbound:    inbound,
		Connected:  time.Now(),
	}, tr), nil
}

func (srv *Server) runPeer(p *Peer) {
	defer func() {
		p.Close()
		if srv.peers.remove(p) {
			metrics.PeersConnected.Set(int64(srv.peers.len()))
			srv.log.Info("Peer disconnected", "peer", p.ID(), "name", p.Name())
			srv.feed.Send(PeerEvent{Type: PeerDropped, Peer: p.Info()})
		}
	}()
	for {
		msg, err := p.tr.ReadMsg()
		if err != nil {
			return
		}
		switch msg.Code {
		case HelloMsg:
			// Repeated hellos are ignored.
		default:
			srv.handlerMu.RLock()
			h := srv.handler
			srv.handlerMu.RUnlock()
			if h != nil {
				h(p, msg)
			}
		}
	}
}

func (srv *Server) listenLoop() {
	defer srv.wg.Done()

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.quit:
				return
			default:
				srv.log.Warn("Accept error", "err", err)
				continue
			}
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			if err := srv.AddConn(NewFrameConnTransport(conn), true); err != nil {
				srv.log.Debug("Inbound connection rejected", "addr", conn.RemoteAddr().String(), "err", err)
			}
		}()
	}
}

// Broadcast sends a frame to every connected peer except the one with ID
// except and returns the number of peers it was written to.
func (srv *Server) Broadcast(code uint64, data []byte, except string) int {
	sent := 0
	for _, p := range srv.peers.list() {
		if p.ID() == except {
			continue
		}
		if err := p.send(code, data); err != nil {
			srv.log.Debug("Send failed", "peer", p.ID(), "err", err)
			continue
		}
		sent++
	}
	return sent
}

// Peers returns the connected peers sorted by ID.
func (srv *Server) Peers() []PeerInfo {
	list := srv.peers.list()
	out := make([]PeerInfo, len(list))
	for i, p := range list {
		out[i] = p.Info()
	}
	return out
}

// PeerCount returns the number of connected peers.
func (srv *Server) PeerCount() int { return srv.peers.len() }

// Connected reports whether a peer with the given identity is connected.
func (srv *Server) Connected(id string) bool { return srv.peers.get(id) != nil }

// JoinHostPort is a helper for building dial addresses from discovery data.
func JoinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
