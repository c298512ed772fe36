package metrics

// Pre-defined metrics for footsteps nodes. All of them live in
// DefaultRegistry.

var (
	// ---- Batch pipeline ----

	BatchStarted   = DefaultRegistry.Counter("batch.started")
	BatchCommitted = DefaultRegistry.Counter("batch.committed")
	BatchFailed    = DefaultRegistry.Counter("batch.failed")
	// BatchSize records the number of inputs per drained batch.
	BatchSize = DefaultRegistry.Histogram("batch.size")
	// InputKeys counts directional inputs accepted from the UI channel.
	InputKeys = DefaultRegistry.Counter("input.keys")

	// ---- Proof capability ----

	ProveTime  = DefaultRegistry.Histogram("proof.prove_ms")
	VerifyTime = DefaultRegistry.Histogram("proof.verify_ms")
	// VerifyCacheHits counts verifications answered from the cache.
	VerifyCacheHits = DefaultRegistry.Counter("proof.verify_cache_hits")

	// ---- Gossip ----

	GossipPublished      = DefaultRegistry.Counter("gossip.published")
	GossipReceived       = DefaultRegistry.Counter("gossip.received")
	GossipDropped        = DefaultRegistry.Counter("gossip.dropped")
	GossipRemoteVerified = DefaultRegistry.Counter("gossip.remote_verified")
	GossipRemoteRejected = DefaultRegistry.Counter("gossip.remote_rejected")

	// ---- Network ----

	PeersConnected = DefaultRegistry.Gauge("p2p.peers")
	DialFailures   = DefaultRegistry.Counter("p2p.dial_failures")
	UIClients      = DefaultRegistry.Gauge("wsapi.clients")
)
