package creds

import "context"

// cryptoSubmitter is the slice of *manager.WorkManager that PoolHasher needs;
// kept narrow so this package does not import manager directly.
type cryptoSubmitter interface {
	SubmitCrypto(fn func(ctx context.Context)) error
}

// PoolHasher offloads Argon2id hashing onto a WorkManager's crypto pool so a
// slow password hash never runs on a session's own goroutine while holding
// C1's mutex (spec §5).
type PoolHasher struct {
	pool cryptoSubmitter
}

// NewPoolHasher wraps a WorkManager (or anything satisfying cryptoSubmitter).
func NewPoolHasher(pool cryptoSubmitter) *PoolHasher {
	return &PoolHasher{pool: pool}
}

func (h *PoolHasher) Hash(ctx context.Context, password string) (string, error) {
	type result struct {
		hash string
		err  error
	}
	done := make(chan result, 1)
	if err := h.pool.SubmitCrypto(func(ctx context.Context) {
		hash, err := hashPassword(password)
		done <- result{hash, err}
	}); err != nil {
		return "", err
	}
	select {
	case r := <-done:
		return r.hash, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *PoolHasher) Verify(ctx context.Context, encoded, password string) (bool, error) {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	if err := h.pool.SubmitCrypto(func(ctx context.Context) {
		ok, err := verifyPassword(encoded, password)
		done <- result{ok, err}
	}); err != nil {
		return false, err
	}
	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
