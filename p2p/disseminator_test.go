package p2p

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/footsteps/footsteps/movement"
	"github.com/footsteps/footsteps/zkvm"
)

type mergeCall struct {
	kind  string
	id    string
	name  string
	trail movement.Trail
	err   error
}

type recordingMerger struct {
	mu    sync.Mutex
	calls []mergeCall
}

func (m *recordingMerger) add(c mergeCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *recordingMerger) VerifyingRemote(id string) {
	m.add(mergeCall{kind: "verifying", id: id})
}
func (m *recordingMerger) MergeRemote(id string, trail movement.Trail) {
	m.add(mergeCall{kind: "merge", id: id, trail: trail})
}
func (m *recordingMerger) RejectRemote(id string, err error) {
	m.add(mergeCall{kind: "reject", id: id, err: err})
}
func (m *recordingMerger) PeerJoined(id, name string) {
	m.add(mergeCall{kind: "joined", id: id, name: name})
}
func (m *recordingMerger) PeerLeft(id string) {
	m.add(mergeCall{kind: "left", id: id})
}

func (m *recordingMerger) snapshot() []mergeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mergeCall(nil), m.calls...)
}

func (m *recordingMerger) waitKind(t *testing.T, kind string) mergeCall {
	t.Helper()
	var found mergeCall
	waitFor(t, kind, func() bool {
		for _, c := range m.snapshot() {
			if c.kind == kind {
				found = c
				return true
			}
		}
		return false
	})
	return found
}

type dissNode struct {
	srv    *Server
	diss   *Disseminator
	merger *recordingMerger
}

func newDissNode(t *testing.T, name string, prover zkvm.Prover) *dissNode {
	t.Helper()
	srv := newTestServer(t, name)
	gm := NewGossipManager(DefaultGossipConfig(), srv)
	merger := &recordingMerger{}
	d := NewDisseminator(DisseminatorConfig{Name: name, AnnounceInterval: 10 * time.Millisecond}, gm, prover, merger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return &dissNode{srv: srv, diss: d, merger: merger}
}

func proveTrail(t *testing.T, p zkvm.Prover, dirs ...movement.Direction) *zkvm.Receipt {
	t.Helper()
	input, err := zkvm.EncodeInput(movement.Origin, dirs)
	if err != nil {
		t.Fatalf("EncodeInput: %v", err)
	}
	r, err := p.Prove(zkvm.MovementProgramID, input)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	return r
}

func TestDisseminatorAttestationMerged(t *testing.T) {
	backend := zkvm.NewLocalBackend(nil)
	a := newDissNode(t, "alice", backend)
	b := newDissNode(t, "bob", backend)
	mustConnect(t, a.srv, b.srv)
	// Give Run time to subscribe.
	time.Sleep(20 * time.Millisecond)

	r := proveTrail(t, backend, movement.Up, movement.Right, movement.Up, movement.Right)
	if err := a.diss.PublishAttestation(r); err != nil {
		t.Fatalf("PublishAttestation: %v", err)
	}

	call := b.merger.waitKind(t, "merge")
	if call.id != a.srv.Self() {
		t.Fatalf("merged under %s, want %s", call.id, a.srv.Self())
	}
	if want := (movement.Trail{{X: 0, Y: 1}, {X: 1, Y: 1}}); !call.trail.Equal(want) {
		t.Fatalf("trail: got %v, want %v", call.trail, want)
	}
	if calls := b.merger.snapshot(); calls[0].kind != "verifying" || calls[0].id != a.srv.Self() {
		t.Fatalf("verification not signalled before merge: %+v", calls)
	}
	if len(a.merger.snapshot()) != 0 {
		t.Fatal("publisher merged its own attestation")
	}
}

func TestDisseminatorTamperedAttestationRejected(t *testing.T) {
	backend := zkvm.NewLocalBackend(nil)
	a := newDissNode(t, "alice", backend)
	b := newDissNode(t, "bob", backend)
	mustConnect(t, a.srv, b.srv)
	time.Sleep(20 * time.Millisecond)

	r := proveTrail(t, backend, movement.Down, movement.Down)
	r.Seal[3] ^= 0x10
	if err := a.diss.PublishAttestation(r); err != nil {
		t.Fatalf("PublishAttestation: %v", err)
	}

	call := b.merger.waitKind(t, "reject")
	if call.id != a.srv.Self() || !errors.Is(call.err, zkvm.ErrVerifyFailed) {
		t.Fatalf("reject call: %+v", call)
	}
	for _, c := range b.merger.snapshot() {
		if c.kind == "merge" {
			t.Fatal("tampered attestation merged")
		}
	}
}

func TestDisseminatorHandleEnvelope(t *testing.T) {
	backend := zkvm.NewLocalBackend(nil)
	n := newDissNode(t, "self", backend)
	self := n.srv.Self()
	r := proveTrail(t, backend, movement.Left)

	proof := func(origin string) []byte {
		data, _ := EncodeEnvelope(&ProofAttestation{OriginLabel: origin, Attestation: r, ProgramID: r.ProgramID})
		return data
	}

	// Own attestation echoed back: ignored.
	if err := n.diss.HandleEnvelope(self, proof(self)); err != nil {
		t.Fatalf("self: %v", err)
	}
	// Claimed origin differs from the signer.
	if err := n.diss.HandleEnvelope("mallory", proof("alice")); !errors.Is(err, ErrOriginMismatch) {
		t.Fatalf("mismatch: %v", err)
	}
	// Garbage.
	if err := n.diss.HandleEnvelope("alice", []byte("nope")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("garbage: %v", err)
	}
	if calls := n.merger.snapshot(); len(calls) != 0 {
		t.Fatalf("unexpected merger calls: %+v", calls)
	}

	// Proof pinned to another program fails verification.
	other := r.Copy()
	other.ProgramID = zkvm.ProgramID{0x01}
	data, _ := EncodeEnvelope(&ProofAttestation{OriginLabel: "alice", Attestation: other, ProgramID: other.ProgramID})
	if err := n.diss.HandleEnvelope("alice", data); err != nil {
		t.Fatalf("other program: %v", err)
	}
	if calls := n.merger.snapshot(); len(calls) != 2 || calls[0].kind != "verifying" || calls[1].kind != "reject" {
		t.Fatalf("calls: %+v", calls)
	}

	joined, _ := EncodeEnvelope(&PlayerJoined{OriginLabel: "alice", Name: "Alice"})
	left, _ := EncodeEnvelope(&PlayerLeft{OriginLabel: "alice"})
	n.diss.HandleEnvelope("alice", joined)
	n.diss.HandleEnvelope("alice", left)
	calls := n.merger.snapshot()
	if len(calls) != 4 || calls[2].kind != "joined" || calls[2].name != "Alice" || calls[3].kind != "left" {
		t.Fatalf("roster calls: %+v", calls)
	}
}

func TestDisseminatorAnnounceGivesUp(t *testing.T) {
	srv := newTestServer(t, "lonely")
	gm := NewGossipManager(DefaultGossipConfig(), srv)
	d := NewDisseminator(DisseminatorConfig{
		Name:             "lonely",
		AnnounceInterval: 5 * time.Millisecond,
		AnnounceAttempts: 3,
	}, gm, zkvm.NewLocalBackend(nil), &recordingMerger{})

	err := d.Announce(context.Background())
	if !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
}

func TestDisseminatorAnnounceCancelled(t *testing.T) {
	srv := newTestServer(t, "lonely")
	gm := NewGossipManager(DefaultGossipConfig(), srv)
	d := NewDisseminator(DisseminatorConfig{AnnounceInterval: time.Hour}, gm, zkvm.NewLocalBackend(nil), &recordingMerger{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Announce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDisseminatorAnnounceRetriesUntilPeer(t *testing.T) {
	backend := zkvm.NewLocalBackend(nil)
	a := newDissNode(t, "alice", backend)
	b := newDissNode(t, "bob", backend)

	anns := make(chan NodeAnnouncement, 1)
	sub := b.diss.SubscribeAnnouncements(anns)
	defer sub.Unsubscribe()

	done := make(chan error, 1)
	go func() { done <- a.diss.Announce(context.Background()) }()

	// No peers yet: the announcement keeps retrying.
	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Announce returned early: %v", err)
	default:
	}

	mustConnect(t, a.srv, b.srv)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Announce: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Announce did not finish")
	}

	select {
	case ann := <-anns:
		if ann.PeerID != a.srv.Self() || ann.Name != "alice" {
			t.Fatalf("announcement: %+v", ann)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no announcement received")
	}
	if call := b.merger.waitKind(t, "joined"); call.id != a.srv.Self() || call.name != "alice" {
		t.Fatalf("joined: %+v", call)
	}
}
