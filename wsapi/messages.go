package wsapi

import (
	"github.com/footsteps/footsteps/movement"
	"github.com/footsteps/footsteps/pipeline"
)

// Message types on the UI channel.
const (
	TypeKeyPress      = "key_press"
	TypeStateUpdate   = "state_update"
	TypeP2PConnection = "p2p_connection"
	TypeNodeInfo      = "node_info"
)

// InputMessage is sent by the UI. Only key_press is understood.
type InputMessage struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// PeerView is a remote participant in a state update.
type PeerView struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Trail movement.Trail `json:"trail"`
}

// StateUpdate is pushed on connect and whenever the state changes.
type StateUpdate struct {
	Type          string         `json:"type"`
	Position      movement.Pair  `json:"position"`
	Status        string         `json:"status"`
	Processing    bool           `json:"processing"`
	LastBatchSize int            `json:"lastBatchSize"`
	VerifiedTrail movement.Trail `json:"verifiedTrail"`
	DisplayName   string         `json:"displayName"`
	PeerID        string         `json:"peerId,omitempty"`
	Peers         []PeerView     `json:"peers"`
}

// NewStateUpdate renders a pipeline snapshot for the UI.
func NewStateUpdate(snap pipeline.Snapshot, displayName, peerID string) *StateUpdate {
	peers := make([]PeerView, len(snap.Peers))
	for i, p := range snap.Peers {
		peers[i] = PeerView{ID: p.ID, Name: p.Name, Trail: p.Trail}
	}
	return &StateUpdate{
		Type:          TypeStateUpdate,
		Position:      snap.Position.Pair(),
		Status:        snap.StatusText,
		Processing:    snap.Processing,
		LastBatchSize: snap.LastBatchSize,
		VerifiedTrail: snap.VerifiedTrail,
		DisplayName:   displayName,
		PeerID:        peerID,
		Peers:         peers,
	}
}

// P2PConnection reports a peer connection change.
type P2PConnection struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	PeerID  string `json:"peerId,omitempty"`
}

// NodeInfo forwards a node announcement.
type NodeInfo struct {
	Type          string `json:"type"`
	PeerID        string `json:"peerId"`
	Name          string `json:"name"`
	AdvertisedURL string `json:"advertisedUrl,omitempty"`
}
