package zkvm

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/footsteps/footsteps/crypto"
	"github.com/footsteps/footsteps/metrics"
)

// DefaultVerifyCacheSize is the number of verified receipts remembered by a
// CachingProver when no size is given.
const DefaultVerifyCacheSize = 1024

// VerifyCacheStats holds aggregate statistics about a CachingProver.
type VerifyCacheStats struct {
	Hits      uint64
	Misses    uint64
	Entries   uint64
	Evictions uint64
}

// CachingProver wraps a Prover and remembers successful verifications, so a
// receipt relayed by several peers is verified once. Only successes are
// cached. Entries are evicted oldest first.
type CachingProver struct {
	Prover

	mu          sync.Mutex
	entries     map[common.Hash][]byte
	insertOrder []common.Hash
	maxEntries  int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewCachingProver wraps p. If maxEntries <= 0 it defaults to
// DefaultVerifyCacheSize.
func NewCachingProver(p Prover, maxEntries int) *CachingProver {
	if maxEntries <= 0 {
		maxEntries = DefaultVerifyCacheSize
	}
	return &CachingProver{
		Prover:      p,
		entries:     make(map[common.Hash][]byte),
		insertOrder: make([]common.Hash, 0, maxEntries),
		maxEntries:  maxEntries,
	}
}

// Verify implements Prover.
func (c *CachingProver) Verify(r *Receipt, program ProgramID) ([]byte, error) {
	if r == nil {
		return nil, verifyError(ErrNilReceipt)
	}
	digest := r.Digest()
	key := crypto.Keccak256Hash(digest[:], program[:])

	c.mu.Lock()
	journal, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		c.hits.Add(1)
		metrics.VerifyCacheHits.Inc()
		return append([]byte(nil), journal...), nil
	}
	c.misses.Add(1)

	journal, err := c.Prover.Verify(r, program)
	if err != nil {
		return nil, err
	}
	c.store(key, journal)
	return journal, nil
}

func (c *CachingProver) store(key common.Hash, journal []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		return
	}
	for len(c.entries) >= c.maxEntries && len(c.insertOrder) > 0 {
		oldest := c.insertOrder[0]
		c.insertOrder = c.insertOrder[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			c.evictions.Add(1)
		}
	}
	c.entries[key] = append([]byte(nil), journal...)
	c.insertOrder = append(c.insertOrder, key)
}

// Stats returns a snapshot of cache statistics.
func (c *CachingProver) Stats() VerifyCacheStats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return VerifyCacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Entries:   uint64(n),
		Evictions: c.evictions.Load(),
	}
}
