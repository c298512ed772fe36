package pipeline

import (
	"time"

	"github.com/footsteps/footsteps/log"
	"github.com/footsteps/footsteps/metrics"
	"github.com/footsteps/footsteps/movement"
)

// Reconciler applies validated outcomes, the node's own or a peer's, to the
// State. It is the only writer of verified data.
type Reconciler struct {
	state *State
	log   *log.Logger
	now   func() time.Time
}

// NewReconciler creates a reconciler over state.
func NewReconciler(state *State) *Reconciler {
	return &Reconciler{
		state: state,
		log:   log.Default().Module("reconciler"),
		now:   time.Now,
	}
}

// CommitLocal applies a successful own batch: final becomes the last
// verified position and the next baseline, and trail replaces the verified
// trail.
func (r *Reconciler) CommitLocal(final movement.Position, trail movement.Trail) {
	r.state.commit(final, trail)
	metrics.BatchCommitted.Inc()
	r.log.Info("Batch committed", "final", final.String(), "trail", len(trail))
}

// RevertLocal discards a failed own batch.
func (r *Reconciler) RevertLocal(cause error) {
	r.state.revert(cause)
	metrics.BatchFailed.Inc()
	r.log.Warn("Batch reverted", "err", cause)
}

// VerifyingRemote shows that a remote attestation from peer id is being
// verified. A local batch in flight keeps its own status.
func (r *Reconciler) VerifyingRemote(id string) {
	r.state.remoteVerifying()
	r.log.Debug("Verifying remote attestation", "peer", id)
}

// MergeRemote records a verified trail from peer id. The node's own
// verified trail is not affected.
func (r *Reconciler) MergeRemote(id string, trail movement.Trail) {
	r.state.mergeRemote(id, trail, r.now())
	metrics.GossipRemoteVerified.Inc()
	r.log.Debug("Merged remote trail", "peer", id, "trail", len(trail))
}

// RejectRemote marks a remote attestation that failed verification. The
// update is dropped and an in-flight own batch is left alone.
func (r *Reconciler) RejectRemote(id string, cause error) {
	r.state.rejectRemote()
	metrics.GossipRemoteRejected.Inc()
	r.log.Warn("Rejected remote attestation", "peer", id, "err", cause)
}

// PeerJoined adds or renames a peer in the roster.
func (r *Reconciler) PeerJoined(id, name string) {
	r.state.setPeerName(id, name, r.now())
	r.log.Info("Player joined", "peer", id, "name", name)
}

// PeerLeft removes a peer and its trail.
func (r *Reconciler) PeerLeft(id string) {
	if r.state.removePeer(id) {
		r.log.Info("Player left", "peer", id)
	}
}
