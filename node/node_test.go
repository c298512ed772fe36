package node

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/footsteps/footsteps/movement"
	"github.com/footsteps/footsteps/p2p"
	"github.com/footsteps/footsteps/pipeline"
	"github.com/footsteps/footsteps/wsapi"
	"github.com/footsteps/footsteps/zkvm"
)

func testConfig(name string, peers ...string) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.UIAddr = "127.0.0.1:0"
	cfg.P2PAddr = "127.0.0.1:0"
	cfg.Peers = peers
	cfg.Discovery = false
	cfg.BatchInterval = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PushInterval = 10 * time.Millisecond
	cfg.AnnounceInterval = 20 * time.Millisecond
	return cfg
}

func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop() })
	return n
}

func findPeer(snap pipeline.Snapshot, id string) (pipeline.RemotePeer, bool) {
	for _, p := range snap.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return pipeline.RemotePeer{}, false
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewSelectsProver(t *testing.T) {
	cfg := testConfig("alice")
	n, err := New(cfg)
	require.NoError(t, err)
	_, cached := n.Prover().(*zkvm.CachingProver)
	require.True(t, cached)
	require.Equal(t, "local", n.Prover().Name())

	cfg.VerifyCacheSize = 0
	cfg.ProverCommand = "/usr/local/bin/prover --gpu"
	n, err = New(cfg)
	require.NoError(t, err)
	exec, ok := n.Prover().(*zkvm.ExecBackend)
	require.True(t, ok)
	require.Equal(t, "/usr/local/bin/prover", exec.Path)
	require.Equal(t, []string{"--gpu"}, exec.Args)
}

func TestStartStop(t *testing.T) {
	n, err := New(testConfig("alice"))
	require.NoError(t, err)
	require.ErrorIs(t, n.Stop(), ErrNodeStopped)

	require.NoError(t, n.Start(context.Background()))
	require.ErrorIs(t, n.Start(context.Background()), ErrNodeRunning)
	require.NotNil(t, n.UIAddr())
	require.NotNil(t, n.P2PAddr())
	for name, up := range n.Health() {
		require.True(t, up, name)
	}

	require.NoError(t, n.Stop())
	for name, up := range n.Health() {
		require.False(t, up, name)
	}
}

func TestStartFailsOnBusyUIPort(t *testing.T) {
	a := startNode(t, testConfig("alice"))

	cfg := testConfig("bob")
	cfg.UIAddr = a.UIAddr().String()
	b, err := New(cfg)
	require.NoError(t, err)
	require.Error(t, b.Start(context.Background()))
	require.ErrorIs(t, b.Stop(), ErrNodeStopped)
}

func TestLocalBatchCommits(t *testing.T) {
	n := startNode(t, testConfig("alice"))
	n.State().ApplyInput(movement.Right)
	n.State().ApplyInput(movement.Up)

	require.Eventually(t, func() bool {
		return n.State().Snapshot().Status == pipeline.StatusCommitted
	}, 5*time.Second, 10*time.Millisecond)
	snap := n.State().Snapshot()
	require.Equal(t, movement.Position{X: 1, Y: 1}, snap.LastVerified)
	require.Equal(t, movement.Trail{{X: 0, Y: 0}, {X: 1, Y: 0}}, snap.VerifiedTrail)
}

func TestTwoNodesExchangeTrails(t *testing.T) {
	a := startNode(t, testConfig("alice"))
	b := startNode(t, testConfig("bob", a.P2PAddr().String()))

	require.Eventually(t, func() bool {
		return a.Server().PeerCount() == 1 && b.Server().PeerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The roster learns names from the announcement handshake.
	require.Eventually(t, func() bool {
		p, ok := findPeer(b.State().Snapshot(), a.PeerID())
		return ok && p.Name == "alice"
	}, 5*time.Second, 10*time.Millisecond)

	a.State().ApplyInput(movement.Right)
	a.State().ApplyInput(movement.Right)

	require.Eventually(t, func() bool {
		p, ok := findPeer(b.State().Snapshot(), a.PeerID())
		return ok && len(p.Trail) == 2
	}, 5*time.Second, 10*time.Millisecond)
	p, _ := findPeer(b.State().Snapshot(), a.PeerID())
	require.Equal(t, movement.Trail{{X: 0, Y: 0}, {X: 1, Y: 0}}, p.Trail)

	// Remote trails never replace the local one.
	require.Empty(t, b.State().Snapshot().VerifiedTrail)

	// Stopping publishes PlayerLeft.
	require.NoError(t, a.Stop())
	require.Eventually(t, func() bool {
		_, ok := findPeer(b.State().Snapshot(), a.PeerID())
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUIChannelServesState(t *testing.T) {
	n := startNode(t, testConfig("alice"))
	n.State().ApplyInput(movement.Down)

	resp, err := http.Get("http://" + n.UIAddr().String() + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var update wsapi.StateUpdate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&update))
	require.Equal(t, "alice", update.DisplayName)
	require.Equal(t, n.PeerID(), update.PeerID)
	require.Equal(t, movement.Pair{0, -1}, update.Position)
}

func TestAnnouncementIsSentOnce(t *testing.T) {
	a := startNode(t, testConfig("alice"))

	b, err := New(testConfig("bob", a.P2PAddr().String()))
	require.NoError(t, err)
	anns := make(chan p2p.NodeAnnouncement, 16)
	sub := b.diss.SubscribeAnnouncements(anns)
	defer sub.Unsubscribe()
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Stop() })

	fromAlice := func(timeout time.Duration) bool {
		deadline := time.After(timeout)
		for {
			select {
			case ann := <-anns:
				if ann.PeerID == a.PeerID() {
					return true
				}
			case <-deadline:
				return false
			}
		}
	}
	require.True(t, fromAlice(5*time.Second), "initial announcement not received")

	// A late joiner learns alice's name from the hello exchange.
	c := startNode(t, testConfig("carol", a.P2PAddr().String()))
	require.Eventually(t, func() bool {
		p, ok := findPeer(c.State().Snapshot(), a.PeerID())
		return ok && p.Name == "alice" && a.Server().PeerCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.False(t, fromAlice(300*time.Millisecond), "alice announced again")
}
