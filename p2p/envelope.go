package p2p

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/footsteps/footsteps/zkvm"
)

// Envelope errors.
var (
	ErrMalformedEnvelope = errors.New("p2p: malformed envelope")
	ErrUnknownEnvelope   = errors.New("p2p: unknown envelope type")
)

// EnvelopeType tags the gossip wire envelope.
type EnvelopeType string

const (
	TypeProof            EnvelopeType = "proof"
	TypePlayerJoined     EnvelopeType = "player_joined"
	TypePlayerLeft       EnvelopeType = "player_left"
	TypeNodeAnnouncement EnvelopeType = "node_announcement"
)

// Envelope is the JSON form of every message on the gossip topic:
// {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ProofAttestation carries a committed batch attestation.
type ProofAttestation struct {
	OriginLabel string         `json:"originLabel"`
	Attestation *zkvm.Receipt  `json:"attestation"`
	ProgramID   zkvm.ProgramID `json:"programId"`
}

// PlayerJoined announces a participant's display name.
type PlayerJoined struct {
	OriginLabel string `json:"originLabel"`
	Name        string `json:"name"`
}

// PlayerLeft announces that a participant is going away.
type PlayerLeft struct {
	OriginLabel string `json:"originLabel"`
}

// NodeAnnouncement is the one-time startup handshake.
type NodeAnnouncement struct {
	PeerID        string `json:"peerId"`
	Name          string `json:"name"`
	AdvertisedURL string `json:"advertisedUrl,omitempty"`
}

// EncodeEnvelope wraps one of the envelope payload types.
func EncodeEnvelope(msg any) ([]byte, error) {
	var typ EnvelopeType
	switch msg.(type) {
	case *ProofAttestation, ProofAttestation:
		typ = TypeProof
	case *PlayerJoined, PlayerJoined:
		typ = TypePlayerJoined
	case *PlayerLeft, PlayerLeft:
		typ = TypePlayerLeft
	case *NodeAnnouncement, NodeAnnouncement:
		typ = TypeNodeAnnouncement
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEnvelope, msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: payload})
}

// DecodeEnvelope parses an envelope and returns a pointer to its payload:
// *ProofAttestation, *PlayerJoined, *PlayerLeft or *NodeAnnouncement.
func DecodeEnvelope(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}

	var (
		msg   any
		check func() error
	)
	switch env.Type {
	case TypeProof:
		m := new(ProofAttestation)
		msg, check = m, func() error {
			if m.OriginLabel == "" {
				return errors.New("missing originLabel")
			}
			if m.Attestation == nil {
				return errors.New("missing attestation")
			}
			if m.ProgramID == (common.Hash{}) {
				return errors.New("missing programId")
			}
			return nil
		}
	case TypePlayerJoined:
		m := new(PlayerJoined)
		msg, check = m, func() error {
			if m.OriginLabel == "" {
				return errors.New("missing originLabel")
			}
			return nil
		}
	case TypePlayerLeft:
		m := new(PlayerLeft)
		msg, check = m, func() error {
			if m.OriginLabel == "" {
				return errors.New("missing originLabel")
			}
			return nil
		}
	case TypeNodeAnnouncement:
		m := new(NodeAnnouncement)
		msg, check = m, func() error {
			if m.PeerID == "" {
				return errors.New("missing peerId")
			}
			return nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, env.Type)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, env.Type, err)
	}
	if err := check(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, env.Type, err)
	}
	return msg, nil
}
