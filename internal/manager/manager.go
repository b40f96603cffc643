package manager

import (
	"context"
	"time"

	"github.com/vellum-mail/vellum/internal/config"
	"github.com/vellum-mail/vellum/internal/workerpool"
)

// WorkManager provides separate pools for Crypto and SMTP work, isolating
// heavy or fire-and-forget tasks from the goroutine that's replying to a
// client.
type WorkManager struct {
	crypto *workerpool.Pool
	smtp   *workerpool.Pool
}

// Option configures the WorkManager.
type Option func(*options)

type options struct {
	cryptoWorkers int
	smtpWorkers   int
	queueSize     int
}

// WithCryptoWorkers sets the crypto worker count.
func WithCryptoWorkers(n int) Option { return func(o *options) { o.cryptoWorkers = n } }

// WithSMTPWorkers sets the SMTP worker count.
func WithSMTPWorkers(n int) Option { return func(o *options) { o.smtpWorkers = n } }

// WithQueueSize sets the shared queue size (per pool).
func WithQueueSize(n int) Option { return func(o *options) { o.queueSize = n } }

// NewWorkManager constructs the manager with the given options (or defaults from config).
func NewWorkManager(opts ...Option) *WorkManager {
	o := &options{
		cryptoWorkers: config.CryptoWorkerCount(),
		smtpWorkers:   config.SMTPWorkerCount(),
		queueSize:     config.WorkerQueueSize(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &WorkManager{
		crypto: workerpool.New("crypto", o.cryptoWorkers, o.queueSize),
		smtp:   workerpool.New("smtp", o.smtpWorkers, o.queueSize),
	}
}

// Close shuts down all pools.
func (m *WorkManager) Close() {
	if m == nil {
		return
	}
	m.crypto.Close()
	m.smtp.Close()
}

// SubmitCrypto schedules a cryptographic task.
func (m *WorkManager) SubmitCrypto(fn func(ctx context.Context)) error {
	return m.crypto.Submit(func(ctx context.Context) { fn(ctx) })
}

// SubmitSMTP schedules an SMTP task.
func (m *WorkManager) SubmitSMTP(fn func(ctx context.Context)) error {
	return m.smtp.Submit(func(ctx context.Context) { fn(ctx) })
}

// RunWithTimeout runs a function respecting a deadline and returns whether it completed.
func RunWithTimeout(parent context.Context, d time.Duration, fn func(ctx context.Context)) bool {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	done := make(chan struct{})
	go func() { fn(ctx); close(done) }()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
