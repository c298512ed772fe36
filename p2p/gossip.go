package p2p

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/footsteps/footsteps/crypto"
	"github.com/footsteps/footsteps/log"
	"github.com/footsteps/footsteps/metrics"
)

// Gossip errors.
var (
	ErrGossipClosed       = errors.New("gossip: manager is closed")
	ErrGossipEmptyTopic   = errors.New("gossip: empty topic")
	ErrGossipEmptyData    = errors.New("gossip: empty data")
	ErrGossipMsgTooLarge  = errors.New("gossip: message exceeds max size")
	ErrGossipBadSignature = errors.New("gossip: bad signature")
	ErrGossipSubNotFound  = errors.New("gossip: subscription not found")
	ErrGossipSubInactive  = errors.New("gossip: subscription already inactive")

	// ErrNoPeers is returned by Publish when no peer received the message.
	ErrNoPeers = errors.New("gossip: no peers to publish to")
)

// GossipConfig configures the gossip manager.
type GossipConfig struct {
	MaxMessageSize     uint64 // maximum data size in bytes
	SeenCacheSize      int    // message IDs remembered for deduplication
	SubscriptionBuffer int    // per-subscription channel capacity
}

// DefaultGossipConfig returns the default gossip configuration.
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		MaxMessageSize:     512 << 10,
		SeenCacheSize:      4096,
		SubscriptionBuffer: 64,
	}
}

// GossipMessage is a validated message delivered to subscribers.
type GossipMessage struct {
	ID        common.Hash
	Topic     string
	Origin    string // identity of the signer
	From      string // peer that relayed it to us
	Seq       uint64
	Timestamp uint64 // unix seconds
	Data      []byte
}

// gossipFrame is the RLP wire form of a gossip message. The signature
// covers the message ID, which hashes every other field.
type gossipFrame struct {
	Topic     string
	OriginKey []byte
	Seq       uint64
	Timestamp uint64
	Data      []byte
	Signature []byte
}

type unsignedFrame struct {
	Topic     string
	OriginKey []byte
	Seq       uint64
	Timestamp uint64
	Data      []byte
}

func (f *gossipFrame) id() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(&unsignedFrame{f.Topic, f.OriginKey, f.Seq, f.Timestamp, f.Data})
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// GossipSubscription is an active subscription to a topic.
type GossipSubscription struct {
	Topic    string
	Messages chan *GossipMessage
	active   bool
	mu       sync.Mutex
}

// IsActive returns whether the subscription is still active.
func (gs *GossipSubscription) IsActive() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.active
}

// GossipManager floods signed messages over the server's peers. Every
// message is delivered to local subscribers once and relayed to every peer
// except the one it came from. Messages signed by the local node are never
// delivered locally.
type GossipManager struct {
	config GossipConfig
	srv    *Server
	log    *log.Logger
	seq    atomic.Uint64

	mu            sync.RWMutex
	closed        bool
	subscriptions map[string][]*GossipSubscription
	seen          map[common.Hash]struct{}
	seenOrder     []common.Hash
}

// NewGossipManager creates a gossip manager on srv and installs itself as
// the server's frame handler.
func NewGossipManager(config GossipConfig, srv *Server) *GossipManager {
	def := DefaultGossipConfig()
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.SeenCacheSize <= 0 {
		config.SeenCacheSize = def.SeenCacheSize
	}
	if config.SubscriptionBuffer <= 0 {
		config.SubscriptionBuffer = def.SubscriptionBuffer
	}
	gm := &GossipManager{
		config:        config,
		srv:           srv,
		log:           log.Default().Module("gossip"),
		subscriptions: make(map[string][]*GossipSubscription),
		seen:          make(map[common.Hash]struct{}),
	}
	gm.seq.Store(uint64(time.Now().UnixNano()))
	srv.SetHandler(gm.handleMsg)
	return gm
}

// Self returns the local identity messages are signed with.
func (gm *GossipManager) Self() string { return gm.srv.Self() }

// Publish signs data and sends it to all connected peers. It returns
// ErrNoPeers when nobody received it.
func (gm *GossipManager) Publish(topic string, data []byte) (common.Hash, error) {
	if topic == "" {
		return common.Hash{}, ErrGossipEmptyTopic
	}
	if len(data) == 0 {
		return common.Hash{}, ErrGossipEmptyData
	}
	if uint64(len(data)) > gm.config.MaxMessageSize {
		return common.Hash{}, fmt.Errorf("%w: size %d > max %d", ErrGossipMsgTooLarge, len(data), gm.config.MaxMessageSize)
	}
	gm.mu.RLock()
	closed := gm.closed
	gm.mu.RUnlock()
	if closed {
		return common.Hash{}, ErrGossipClosed
	}

	key := gm.srv.Key()
	frame := &gossipFrame{
		Topic:     topic,
		OriginKey: key.PublicKey(),
		Seq:       gm.seq.Add(1),
		Timestamp: uint64(time.Now().Unix()),
		Data:      data,
	}
	id, err := frame.id()
	if err != nil {
		return common.Hash{}, err
	}
	frame.Signature = key.Sign(id[:])
	enc, err := rlp.EncodeToBytes(frame)
	if err != nil {
		return common.Hash{}, err
	}

	gm.markSeen(id)
	if gm.srv.Broadcast(GossipMsg, enc, "") == 0 {
		return id, ErrNoPeers
	}
	metrics.GossipPublished.Inc()
	return id, nil
}

// Subscribe creates a new subscription to topic.
func (gm *GossipManager) Subscribe(topic string) *GossipSubscription {
	sub := &GossipSubscription{
		Topic:    topic,
		Messages: make(chan *GossipMessage, gm.config.SubscriptionBuffer),
		active:   true,
	}
	gm.mu.Lock()
	defer gm.mu.Unlock()
	if gm.closed {
		sub.active = false
		close(sub.Messages)
		return sub
	}
	gm.subscriptions[topic] = append(gm.subscriptions[topic], sub)
	return sub
}

// Unsubscribe deactivates a subscription and removes it from the topic.
func (gm *GossipManager) Unsubscribe(sub *GossipSubscription) error {
	if sub == nil {
		return ErrGossipSubNotFound
	}
	gm.mu.Lock()
	defer gm.mu.Unlock()

	sub.mu.Lock()
	if !sub.active {
		sub.mu.Unlock()
		return ErrGossipSubInactive
	}
	sub.active = false
	close(sub.Messages)
	sub.mu.Unlock()

	subs := gm.subscriptions[sub.Topic]
	for i, s := range subs {
		if s == sub {
			gm.subscriptions[sub.Topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(gm.subscriptions[sub.Topic]) == 0 {
		delete(gm.subscriptions, sub.Topic)
	}
	return nil
}

// Close shuts down the manager and closes all subscription channels.
func (gm *GossipManager) Close() {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if gm.closed {
		return
	}
	gm.closed = true
	for _, subs := range gm.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			if sub.active {
				sub.active = false
				close(sub.Messages)
			}
			sub.mu.Unlock()
		}
	}
	gm.subscriptions = make(map[string][]*GossipSubscription)
}

// IsSeen returns whether a message ID has already been seen.
func (gm *GossipManager) IsSeen(id common.Hash) bool {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	_, ok := gm.seen[id]
	return ok
}

// markSeen records id and reports whether it was new.
func (gm *GossipManager) markSeen(id common.Hash) bool {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if _, ok := gm.seen[id]; ok {
		return false
	}
	for len(gm.seenOrder) >= gm.config.SeenCacheSize {
		delete(gm.seen, gm.seenOrder[0])
		gm.seenOrder = gm.seenOrder[1:]
	}
	gm.seen[id] = struct{}{}
	gm.seenOrder = append(gm.seenOrder, id)
	return true
}

func (gm *GossipManager) handleMsg(p *Peer, msg Msg) {
	if msg.Code != GossipMsg {
		gm.log.Debug("Unknown message code", "peer", p.ID(), "code", msg.Code)
		return
	}
	m, err := gm.validate(msg.Payload)
	if err != nil {
		metrics.GossipDropped.Inc()
		gm.log.Warn("Dropped gossip message", "peer", p.ID(), "err", err)
		return
	}
	if !gm.markSeen(m.ID) {
		return
	}
	metrics.GossipReceived.Inc()
	m.From = p.ID()

	gm.srv.Broadcast(GossipMsg, msg.Payload, p.ID())
	if m.Origin == gm.srv.Self() {
		return
	}
	gm.deliver(m)
}

func (gm *GossipManager) validate(payload []byte) (*GossipMessage, error) {
	var f gossipFrame
	if err := rlp.DecodeBytes(payload, &f); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if f.Topic == "" {
		return nil, ErrGossipEmptyTopic
	}
	if len(f.Data) == 0 {
		return nil, ErrGossipEmptyData
	}
	if uint64(len(f.Data)) > gm.config.MaxMessageSize {
		return nil, ErrGossipMsgTooLarge
	}
	id, err := f.id()
	if err != nil {
		return nil, err
	}
	if gm.IsSeen(id) {
		return &GossipMessage{ID: id}, nil
	}
	if !crypto.VerifySignature(f.OriginKey, id[:], f.Signature) {
		return nil, ErrGossipBadSignature
	}
	return &GossipMessage{
		ID:        id,
		Topic:     f.Topic,
		Origin:    crypto.PeerIDFromPublicKey(f.OriginKey),
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Data:      f.Data,
	}, nil
}

func (gm *GossipManager) deliver(m *GossipMessage) {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	for _, sub := range gm.subscriptions[m.Topic] {
		sub.mu.Lock()
		if sub.active {
			select {
			case sub.Messages <- m:
			default:
				metrics.GossipDropped.Inc()
				gm.log.Warn("Subscriber full, message dropped", "topic", m.Topic, "id", m.ID.Hex())
			}
		}
		sub.mu.Unlock()
	}
}
