package p2p

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrMaxPeers is returned when the peer set is full.
	ErrMaxPeers = errors.New("p2p: max peers reached")

	// ErrPeerSetClosed is returned when operating on a closed peer set.
	ErrPeerSetClosed = errors.New("p2p: peer set closed")

	// ErrAlreadyConnected is returned for a second connection to a peer
	// that loses the tie-break against the existing one.
	ErrAlreadyConnected = errors.New("p2p: already connected")

	// ErrSelfConnection is returned when a node dials itself.
	ErrSelfConnection = errors.New("p2p: connection to self")
)

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	RemoteAddr string    `json:"remoteAddr"`
	ListenPort uint16    `json:"listenPort"`
	Inbound    bool      `json:"inbound"`
	Connected  time.Time `json:"connected"`
}

// Peer is a live connection to another node.
type Peer struct {
	info PeerInfo
	tr   Transport

	closeOnce sync.Once
}

func newPeer(info PeerInfo, tr Transport) *Peer {
	return &Peer{info: info, tr: tr}
}

// ID returns the peer identity.
func (p *Peer) ID() string { return p.info.ID }

// Name returns the display name the peer sent in its hello.
func (p *Peer) Name() string { return p.info.Name }

// Info returns a copy of the peer description.
func (p *Peer) Info() PeerInfo { return p.info }

// dialerID is the identity of the side that opened the connection.
func (p *Peer) dialerID(self string) string {
	if p.info.Inbound {
		return p.info.ID
	}
	return self
}

func (p *Peer) send(code uint64, data []byte) error {
	return Send(p.tr, code, data)
}

// Close closes the peer connection.
func (p *Peer) Close() {
	p.closeOnce.Do(func() { p.tr.Close() })
}

// peerSet is a concurrent peer set with a maximum capacity.
type peerSet struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	maxPeers int
	closed   bool
}

func newPeerSet(maxPeers int) *peerSet {
	return &peerSet{
		peers:    make(map[string]*Peer),
		maxPeers: maxPeers,
	}
}

// add registers p. A duplicate is resolved in favour of the connection
// dialed by the lower identity, so both ends keep the same one. The
// replaced peer, if any, is returned.
func (ps *peerSet) add(p *Peer, self string) (*Peer, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrPeerSetClosed
	}
	if old, exists := ps.peers[p.ID()]; exists {
		if p.dialerID(self) >= old.dialerID(self) {
			return nil, ErrAlreadyConnected
		}
		ps.peers[p.ID()] = p
		return old, nil
	}
	if len(ps.peers) >= ps.maxPeers {
		return nil, ErrMaxPeers
	}
	ps.peers[p.ID()] = p
	return nil, nil
}

// remove deletes p if it is still the registered connection for its ID.
func (ps *peerSet) remove(p *Peer) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if cur, ok := ps.peers[p.ID()]; ok && cur == p {
		delete(ps.peers, p.ID())
		return true
	}
	return false
}

func (ps *peerSet) get(id string) *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[id]
}

func (ps *peerSet) len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// list returns the peers sorted by ID.
func (ps *peerSet) list() []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// close marks the set closed and returns the peers it held.
func (ps *peerSet) close() []*Peer {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.closed = true
	out := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	ps.peers = make(map[string]*Peer)
	return out
}
