// Package noncepool implements the ACME anti-replay nonce pool: a small FIFO
// cache of server-issued nonces. Background refills are single-flighted, so
// only one prefetch HEAD request to the CA's newNonce endpoint runs at a time;
// a caller that finds the pool empty fetches its own nonce directly, so
// concurrent misses each issue their own request.
//
// Grounded on the teacher's acme/client/nonce.go RefreshNonce/Nonce pattern,
// generalized from a single cached value to a pool with a minimum watermark.
package noncepool

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// MinPoolSize is the default low-watermark below which a prefetch is
// triggered.
const MinPoolSize = 4

// FetchFunc fetches one fresh nonce from the CA (typically a HEAD request to
// the newNonce endpoint).
type FetchFunc func(ctx context.Context) (string, error)

// Pool is a FIFO cache of nonces with single-flight-deduplicated refill.
type Pool struct {
	mu      sync.Mutex
	queue   []string
	minSize int
	fetch   FetchFunc
	group   singleflight.Group
}

// New creates a Pool that calls fetch to obtain new nonces.
func New(fetch FetchFunc) *Pool {
	return &Pool{fetch: fetch, minSize: MinPoolSize}
}

// Acquire returns a nonce, either from the pool or freshly fetched if the
// pool is empty. A cache miss always performs its own independent fetch —
// it is never deduplicated against other misses or against a background
// prefetch, since doing so would hand the identical nonce value to more
// than one caller, violating the pool's single-use guarantee.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	if len(p.queue) > 0 {
		n := p.queue[0]
		p.queue = p.queue[1:]
		low := len(p.queue) < p.minSize
		p.mu.Unlock()
		if low {
			go p.prefetch(context.WithoutCancel(ctx))
		}
		return n, nil
	}
	p.mu.Unlock()

	return p.fetch(ctx)
}

// Deposit returns a nonce harvested from a response header back to the pool
// (e.g. the Replay-Nonce header on a successful ACME response).
func (p *Pool) Deposit(nonce string) {
	if nonce == "" {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, nonce)
	p.mu.Unlock()
}

// prefetch tops the pool up by one nonce without blocking the caller that
// triggered it. Concurrent low-watermark prefetches are deduplicated to a
// single in-flight fetch via singleflight; the Deposit happens inside the
// single-flighted function itself (not after Do returns) so that the one
// underlying fetch is deposited exactly once no matter how many goroutines
// joined the call — singleflight.Do reports "shared" to every joined
// caller, including the one that actually ran the function, so there is no
// way to single out a "leader" to deposit after the fact.
func (p *Pool) prefetch(ctx context.Context) {
	_, _, _ = p.group.Do("prefetch", func() (interface{}, error) {
		n, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.Deposit(n)
		return n, nil
	})
}

// Len reports the number of nonces currently cached, for tests and metrics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
