package order

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// idempotencyFilter is a probabilistic cache of idempotency keys this process
// has persisted. A negative answer is definitive and skips the repository
// lookup; a positive answer may be a false positive and is always confirmed
// against storage. The database unique index on the key remains the source
// of truth.
type idempotencyFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

const (
	idemCapacity = 1_000_000
	idemFPR      = 0.01
)

func newIdempotencyFilter() *idempotencyFilter {
	return &idempotencyFilter{
		filter: bloom.NewWithEstimates(idemCapacity, idemFPR),
	}
}

func (f *idempotencyFilter) seen(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.TestString(key)
}

func (f *idempotencyFilter) add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(key)
}
