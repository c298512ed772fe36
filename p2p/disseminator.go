package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"github.com/footsteps/footsteps/log"
	"github.com/footsteps/footsteps/movement"
	"github.com/footsteps/footsteps/zkvm"
)

// DefaultTopic is the single gossip topic all nodes share.
const DefaultTopic = "footsteps/v1"

// ErrOriginMismatch is returned when an envelope claims a different origin
// than the key that signed it.
var ErrOriginMismatch = errors.New("p2p: envelope origin does not match signer")

// Merger receives verified remote outcomes and roster changes.
type Merger interface {
	VerifyingRemote(id string)
	MergeRemote(id string, trail movement.Trail)
	RejectRemote(id string, cause error)
	PeerJoined(id, name string)
	PeerLeft(id string)
}

// DisseminatorConfig configures a Disseminator.
type DisseminatorConfig struct {
	Topic         string
	Name          string
	AdvertisedURL string

	// AnnounceInterval is the pause between announcement attempts that
	// found no peers.
	AnnounceInterval time.Duration
	// AnnounceAttempts bounds the attempts; 0 retries until success.
	AnnounceAttempts int
}

// Disseminator publishes committed attestations and roster messages on the
// shared topic, and verifies and merges what other nodes publish.
type Disseminator struct {
	config DisseminatorConfig
	gossip *GossipManager
	prover zkvm.Prover
	merger Merger
	self   string
	log    *log.Logger

	announceFeed event.Feed
}

// NewDisseminator creates a disseminator. prover verifies remote
// attestations; merger receives the outcomes.
func NewDisseminator(config DisseminatorConfig, gossip *GossipManager, prover zkvm.Prover, merger Merger) *Disseminator {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.AnnounceInterval <= 0 {
		config.AnnounceInterval = 3 * time.Second
	}
	return &Disseminator{
		config: config,
		gossip: gossip,
		prover: prover,
		merger: merger,
		self:   gossip.Self(),
		log:    log.Default().Module("disseminator"),
	}
}

// SubscribeAnnouncements delivers node announcements received from peers.
func (d *Disseminator) SubscribeAnnouncements(ch chan<- NodeAnnouncement) event.Subscription {
	return d.announceFeed.Subscribe(ch)
}

func (d *Disseminator) publish(msg any) error {
	data, err := EncodeEnvelope(msg)
	if err != nil {
		return err
	}
	_, err = d.gossip.Publish(d.config.Topic, data)
	return err
}

// PublishAttestation broadcasts a committed attestation. Delivery is best
// effort.
func (d *Disseminator) PublishAttestation(r *zkvm.Receipt) error {
	err := d.publish(&ProofAttestation{
		OriginLabel: d.self,
		Attestation: r,
		ProgramID:   r.ProgramID,
	})
	if err != nil {
		return fmt.Errorf("publish attestation: %w", err)
	}
	d.log.Debug("Published attestation", "journal", len(r.Journal))
	return nil
}

// Announce publishes the NodeAnnouncement, retrying every AnnounceInterval
// for as long as publishing fails for lack of peers. Once it goes out, a
// PlayerJoined follows. Any other publish error ends the handshake.
func (d *Disseminator) Announce(ctx context.Context) error {
	ann := &NodeAnnouncement{
		PeerID:        d.self,
		Name:          d.config.Name,
		AdvertisedURL: d.config.AdvertisedURL,
	}
	for attempt := 1; ; attempt++ {
		err := d.publish(ann)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNoPeers) {
			return fmt.Errorf("announce: %w", err)
		}
		if d.config.AnnounceAttempts > 0 && attempt >= d.config.AnnounceAttempts {
			return fmt.Errorf("announce: gave up after %d attempts: %w", attempt, err)
		}
		d.log.Debug("No peers for announcement yet", "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.config.AnnounceInterval):
		}
	}
	d.log.Info("Node announced", "peer", d.self, "name", d.config.Name)

	if err := d.publish(&PlayerJoined{OriginLabel: d.self, Name: d.config.Name}); err != nil {
		d.log.Warn("PlayerJoined publish failed", "err", err)
	}
	return nil
}

// Leave publishes PlayerLeft.
func (d *Disseminator) Leave() error {
	return d.publish(&PlayerLeft{OriginLabel: d.self})
}

// Run consumes the topic until ctx is done or the gossip manager closes.
func (d *Disseminator) Run(ctx context.Context) {
	sub := d.gossip.Subscribe(d.config.Topic)
	defer d.gossip.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Messages:
			if !ok {
				return
			}
			if err := d.HandleEnvelope(m.Origin, m.Data); err != nil {
				d.log.Warn("Dropped envelope", "origin", m.Origin, "err", err)
			}
		}
	}
}

// HandleEnvelope dispatches one envelope signed by origin. Envelopes from
// the local node are ignored. A remote attestation is merged only after it
// verifies against the movement program; a failed verification is reported
// to the merger and the update dropped.
func (d *Disseminator) HandleEnvelope(origin string, data []byte) error {
	msg, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *ProofAttestation:
		if m.OriginLabel == d.self {
			return nil
		}
		if m.OriginLabel != origin {
			return ErrOriginMismatch
		}
		d.merger.VerifyingRemote(origin)
		trail, err := zkvm.VerifyTrail(d.prover, m.Attestation)
		if err != nil {
			d.merger.RejectRemote(origin, err)
			return nil
		}
		d.merger.MergeRemote(origin, trail)

	case *PlayerJoined:
		if m.OriginLabel == d.self {
			return nil
		}
		if m.OriginLabel != origin {
			return ErrOriginMismatch
		}
		d.merger.PeerJoined(origin, m.Name)

	case *PlayerLeft:
		if m.OriginLabel == d.self {
			return nil
		}
		if m.OriginLabel != origin {
			return ErrOriginMismatch
		}
		d.merger.PeerLeft(origin)

	case *NodeAnnouncement:
		if m.PeerID == d.self {
			return nil
		}
		if m.PeerID != origin {
			return ErrOriginMismatch
		}
		d.log.Info("Node announcement", "peer", m.PeerID, "name", m.Name, "url", m.AdvertisedURL)
		d.merger.PeerJoined(origin, m.Name)
		d.announceFeed.Send(*m)
	}
	return nil
}
