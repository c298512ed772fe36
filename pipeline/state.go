// Package pipeline implements the proof-gated batch pipeline: the shared
// LocalState, the Reconciler that applies outcomes to it and the Scheduler
// that batches pending input, proves it and commits or reverts.
package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/footsteps/footsteps/movement"
)

// Status is the batch state machine state.
type Status uint8

const (
	StatusIdle Status = iota
	StatusGenerating
	StatusVerifying
	StatusCommitted
	StatusFailed
)

var statusNames = [...]string{"idle", "generating", "verifying", "committed", "failed"}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", s)
}

// Status texts shown to the UI.
const (
	TextWaiting            = "Waiting for input"
	TextGenerating         = "Generating proof..."
	TextVerifying          = "Verifying proof..."
	TextRemoteVerifyFailed = "Proof verification failed"
)

func committedText(n int) string { return fmt.Sprintf("Proof verified! Trail: %d positions", n) }

func failedText(cause error) string { return fmt.Sprintf("Proof failed: %v", cause) }

// RemotePeer is what the node knows about another participant.
type RemotePeer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Trail is the peer's latest verified disclosed trail.
	Trail   movement.Trail `json:"trail"`
	Updated time.Time      `json:"updated"`
}

// Snapshot is a consistent copy of the LocalState.
type Snapshot struct {
	Position      movement.Position
	LastVerified  movement.Position
	Baseline      movement.Position
	Status        Status
	StatusText    string
	Processing    bool
	Pending       int
	LastBatchSize int
	VerifiedTrail movement.Trail
	// Peers is sorted by ID.
	Peers   []RemotePeer
	Version uint64
}

// State is the node's LocalState. Every access takes one mutex and no
// critical section blocks: the proof call runs with the lock released.
type State struct {
	mu sync.Mutex

	position     movement.Position // speculative
	lastVerified movement.Position
	baseline     movement.Position
	pending      []movement.Direction

	processing    bool
	status        Status
	statusText    string
	lastBatchSize int
	verified      movement.Trail

	peers map[string]*RemotePeer

	// version increases on every mutation.
	version uint64
}

// NewState creates the state of a node standing at start.
func NewState(start movement.Position) *State {
	return &State{
		position:     start,
		lastVerified: start,
		baseline:     start,
		status:       StatusIdle,
		statusText:   TextWaiting,
		verified:     movement.Trail{},
		peers:        make(map[string]*RemotePeer),
	}
}

// ApplyInput queues d for the next batch and moves the speculative position
// by its raw delta right away.
func (s *State) ApplyInput(d movement.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, d)
	s.position = s.position.Add(d.Delta())
	s.version++
}

// Version returns the mutation counter.
func (s *State) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Processing reports whether a batch is in flight.
func (s *State) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Position:      s.position,
		LastVerified:  s.lastVerified,
		Baseline:      s.baseline,
		Status:        s.status,
		StatusText:    s.statusText,
		Processing:    s.processing,
		Pending:       len(s.pending),
		LastBatchSize: s.lastBatchSize,
		VerifiedTrail: s.verified.Clone(),
		Peers:         make([]RemotePeer, 0, len(s.peers)),
		Version:       s.version,
	}
	for _, p := range s.peers {
		cp := *p
		cp.Trail = p.Trail.Clone()
		snap.Peers = append(snap.Peers, cp)
	}
	sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].ID < snap.Peers[j].ID })
	return snap
}

// beginBatch claims the processing latch and drains the pending queue. It
// returns ok=false, leaving everything untouched, when a batch is already
// in flight or nothing is pending.
func (s *State) beginBatch() (batch []movement.Direction, start movement.Position, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing || len(s.pending) == 0 {
		return nil, movement.Position{}, false
	}
	batch, s.pending = s.pending, nil
	s.processing = true
	s.status, s.statusText = StatusGenerating, TextGenerating
	s.lastBatchSize = len(batch)
	s.version++
	return batch, s.baseline, true
}

func (s *State) setStatus(st Status, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.statusText = st, text
	s.version++
}

// commit records a successful batch ending at final.
func (s *State) commit(final movement.Position, trail movement.Trail) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastVerified = final
	s.baseline = final
	s.verified = trail.Clone()
	s.processing = false
	s.status, s.statusText = StatusCommitted, committedText(len(trail))
	s.version++
}

// revert discards a failed batch. The speculative position is rebuilt from
// the last verified position plus whatever was queued meanwhile.
func (s *State) revert(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.lastVerified
	for _, d := range s.pending {
		pos = pos.Add(d.Delta())
	}
	s.position = pos
	s.baseline = s.lastVerified
	s.processing = false
	s.status, s.statusText = StatusFailed, failedText(cause)
	s.version++
}

func (s *State) peer(id string) *RemotePeer {
	p, ok := s.peers[id]
	if !ok {
		p = &RemotePeer{ID: id, Trail: movement.Trail{}}
		s.peers[id] = p
	}
	return p
}

func (s *State) mergeRemote(id string, trail movement.Trail, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.peer(id)
	p.Trail = trail.Clone()
	p.Updated = now
	if !s.processing && s.statusText == TextVerifying {
		s.statusText = committedText(len(trail))
	}
	s.version++
}

func (s *State) remoteVerifying() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return
	}
	s.statusText = TextVerifying
	s.version++
}

func (s *State) rejectRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.statusText = StatusFailed, TextRemoteVerifyFailed
	s.version++
}

func (s *State) setPeerName(id, name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.peer(id)
	p.Name = name
	p.Updated = now
	s.version++
}

func (s *State) removePeer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	s.version++
	return true
}
