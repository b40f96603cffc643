// Package queue implements C6: a persistent FIFO of outbound deliveries
// with scheduled, backed-off retries and terminal-failure bounce
// reporting (spec §4.6). Claims are a conditional SQL update so only one
// worker observes a given entry in "processing" at a time (spec §5).
package queue

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/vellum-mail/vellum/internal/logging"
	"github.com/vellum-mail/vellum/internal/models"
	"github.com/vellum-mail/vellum/store"
)

// Defaults per spec §4.6.
const (
	DefaultBase        = 60 * time.Second
	DefaultMaxBackoff  = 3600 * time.Second
	DefaultMaxAttempts = 5
)

// ErrNotFound is returned for operations on an unknown entry id.
var ErrNotFound = errors.New("queue: not found")

// ErrNotClaimed is returned when a delivered/failed/requeue call targets an
// entry that is not currently in the processing state it expects.
var ErrNotClaimed = errors.New("queue: entry not in processing state")

// BounceFunc is invoked when an entry reaches its terminal failure. It is
// the queue's only coupling to message storage, kept as an injected callback
// so C6 and C5 never hold a direct reference to each other (spec §9).
type BounceFunc func(ctx context.Context, entry models.QueueEntry)

// Stats summarizes queue occupancy by status.
type Stats struct {
	Total, Pending, Processing, Retry, Delivered, Failed int
}

// Queue is C6.
type Queue struct {
	db          *store.DB
	base        time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	onBounce    BounceFunc
}

// Option configures a Queue.
type Option func(*Queue)

func WithBackoff(base, maxBackoff time.Duration) Option {
	return func(q *Queue) { q.base = base; q.maxBackoff = maxBackoff }
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

func WithBounceFunc(fn BounceFunc) Option {
	return func(q *Queue) { q.onBounce = fn }
}

// New constructs a Queue backed by db.
func New(db *store.DB, opts ...Option) *Queue {
	q := &Queue{db: db, base: DefaultBase, maxBackoff: DefaultMaxBackoff, maxAttempts: DefaultMaxAttempts}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue inserts a new pending delivery, ready immediately.
func (q *Queue) Enqueue(ctx context.Context, from, to string, message []byte) (int64, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue (from_addr, to_addr, message_data, status, attempts, max_attempts, next_retry, created_at, updated_at, error_message)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, '')`,
		from, to, message, q.maxAttempts, now, now, now)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.InfoLog("queue: enqueued id=%d from=%s to=%s", id, from, to)
	return id, nil
}

const entryCols = `id, from_addr, to_addr, message_data, status, attempts, max_attempts, next_retry, created_at, updated_at, error_message`

func scanEntry(row interface{ Scan(...any) error }) (models.QueueEntry, error) {
	var e models.QueueEntry
	var status string
	err := row.Scan(&e.ID, &e.From, &e.To, &e.MessageData, &status, &e.Attempts, &e.MaxAttempts, &e.NextRetry, &e.CreatedAt, &e.UpdatedAt, &e.ErrorMessage)
	e.Status = models.QueueStatus(status)
	return e, err
}

// DequeueReady claims up to limit entries whose next_retry has elapsed,
// atomically transitioning pending/retry -> processing.
func (q *Queue) DequeueReady(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+entryCols+` FROM queue
		WHERE status IN ('pending','retry') AND next_retry <= ?
		ORDER BY next_retry ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	var candidates []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	var claimed []models.QueueEntry
	for _, e := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue SET status='processing', attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status = ?`, now, e.ID, string(e.Status))
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			e.Status = models.StatusProcessing
			e.Attempts++
			claimed = append(claimed, e)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDelivered transitions a claimed entry to its terminal delivered state.
func (q *Queue) MarkDelivered(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `UPDATE queue SET status='delivered', updated_at=? WHERE id=? AND status='processing'`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireClaimed(res)
}

// MarkFailed records a delivery failure. If attempts has reached max_attempts
// the entry becomes terminally failed and a bounce is reported via BounceFunc;
// otherwise it is rescheduled with exponential backoff and jitter.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause string) error {
	row := q.db.QueryRowContext(ctx, `SELECT `+entryCols+` FROM queue WHERE id=?`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if e.Status != models.StatusProcessing {
		return ErrNotClaimed
	}

	now := time.Now().UTC()
	if e.Attempts >= e.MaxAttempts {
		if _, err := q.db.ExecContext(ctx, `UPDATE queue SET status='failed', error_message=?, updated_at=? WHERE id=?`,
			cause, now, id); err != nil {
			return err
		}
		e.Status = models.StatusFailed
		e.ErrorMessage = cause
		logging.WarnLog("queue: id=%d terminally failed after %d attempts: %s", id, e.Attempts, cause)
		if q.onBounce != nil {
			q.onBounce(ctx, e)
		}
		return nil
	}

	next := NextRetry(q.base, e.Attempts, q.maxBackoff)
	_, err = q.db.ExecContext(ctx, `UPDATE queue SET status='retry', next_retry=?, error_message=?, updated_at=? WHERE id=? AND status='processing'`,
		next, cause, now, id)
	return err
}

// Requeue is an explicit reschedule of a claimed entry (e.g. a manual
// administrative retry) that bypasses the backoff computation. ETRN does not
// use it; it goes through ProcessDomain.
func (q *Queue) Requeue(ctx context.Context, id int64, nextRetry time.Time, cause string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE queue SET status='retry', next_retry=?, error_message=?, updated_at=? WHERE id=? AND status='processing'`,
		nextRetry, cause, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireClaimed(res)
}

// NextRetry computes the exponential-backoff-with-jitter schedule from spec §4.6:
// next_retry = now + base*2^(attempts-1)*(1±0.1), capped at maxBackoff.
func NextRetry(base time.Duration, attempts int, maxBackoff time.Duration) time.Time {
	if attempts < 1 {
		attempts = 1
	}
	delay := base * time.Duration(1<<uint(attempts-1))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1) // 1 ± 0.1
	delay = time.Duration(float64(delay) * jitter)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return time.Now().UTC().Add(delay)
}

// ProcessDomain is the ETRN hook (spec §4.7): it immediately reschedules every
// pending/retry entry addressed to domain so the next DequeueReady sweep picks
// them up, and returns how many were affected.
func (q *Queue) ProcessDomain(ctx context.Context, domain string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue SET next_retry = ?, updated_at = ?
		WHERE status IN ('pending','retry') AND to_addr LIKE ?`,
		time.Now().UTC(), time.Now().UTC(), "%@"+domain)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PendingCountForDomain reports how many entries are currently pending/retry
// for domain, used to render ETRN's "(%d messages)" reply.
func (q *Queue) PendingCountForDomain(ctx context.Context, domain string) (int, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue WHERE status IN ('pending','retry') AND to_addr LIKE ?`, "%@"+domain)
	var n int
	err := row.Scan(&n)
	return n, err
}

// Stats reports queue occupancy by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		s.Total += n
		switch models.QueueStatus(status) {
		case models.StatusPending:
			s.Pending = n
		case models.StatusProcessing:
			s.Processing = n
		case models.StatusRetry:
			s.Retry = n
		case models.StatusDelivered:
			s.Delivered = n
		case models.StatusFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}

func requireClaimed(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}
