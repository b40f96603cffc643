// Package greylist implements C3: a persisted (ip, sender, recipient)
// triplet table that defers unknown senders and admits them on a
// conforming retry (spec §4.3).
package greylist

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/vellum-mail/vellum/internal/logging"
	"github.com/vellum-mail/vellum/internal/models"
	"github.com/vellum-mail/vellum/store"
)

// Config holds the triplet lifecycle timings (spec §6/§4.3).
type Config struct {
	InitialDelay       time.Duration // default 5m
	RetryWindow        time.Duration // purge window past AutoWhitelistAfter
	AutoWhitelistAfter time.Duration // default 36 days
}

// DefaultConfig matches spec §3/§4.3 defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay:       5 * time.Minute,
		RetryWindow:        time.Hour,
		AutoWhitelistAfter: 36 * 24 * time.Hour,
	}
}

// List is C3. Memory is authoritative for the live decision; persistence is
// best-effort and never delays a decision (spec §4.3, design note §9).
type List struct {
	db  *store.DB
	cfg Config

	mu      sync.Mutex
	entries map[string]*models.GreylistEntry
}

// New constructs a List and loads recently-active entries from disk
// (last 7 days, spec §4.3) to bound startup memory.
func New(ctx context.Context, db *store.DB, cfg Config) (*List, error) {
	l := &List{db: db, cfg: cfg, entries: make(map[string]*models.GreylistEntry)}

	cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
	rows, err := db.QueryContext(ctx, `
		SELECT key, ip, mail_from, rcpt_to, first_seen, last_seen, allowed, retry_count
		FROM greylist WHERE last_seen >= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e models.GreylistEntry
		if err := rows.Scan(&e.Key, &e.IP, &e.MailFrom, &e.RcptTo, &e.FirstSeen, &e.LastSeen, &e.Allowed, &e.RetryCount); err != nil {
			return nil, err
		}
		l.entries[e.Key] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logging.InfoLog("greylist: loaded %d entries from disk", len(l.entries))
	return l, nil
}

func key(ip, mailFrom, rcptTo string) string {
	return ip + "|" + mailFrom + "|" + rcptTo
}

// CheckTriplet implements the algorithm in spec §4.3 steps 1-5.
func (l *List) CheckTriplet(ctx context.Context, ip, mailFrom, rcptTo string) bool {
	k := key(ip, mailFrom, rcptTo)
	now := time.Now().UTC()

	l.mu.Lock()
	e, ok := l.entries[k]
	if !ok {
		e = &models.GreylistEntry{
			Key: k, IP: ip, MailFrom: mailFrom, RcptTo: rcptTo,
			FirstSeen: now, LastSeen: now, Allowed: false, RetryCount: 1,
		}
		l.entries[k] = e
		l.mu.Unlock()
		l.persist(ctx, e)
		return false
	}

	if e.Allowed {
		e.LastSeen = now
		snapshot := *e
		l.mu.Unlock()
		l.persist(ctx, &snapshot)
		return true
	}

	age := now.Sub(e.FirstSeen)
	allow := age >= l.cfg.InitialDelay
	e.RetryCount++
	e.LastSeen = now
	if allow {
		e.Allowed = true
	}
	if age >= l.cfg.AutoWhitelistAfter {
		e.Allowed = true
		allow = true
	}
	snapshot := *e
	l.mu.Unlock()

	l.persist(ctx, &snapshot)
	return allow
}

// persist is best-effort: failures are logged, never propagated (spec §4.3/§7).
func (l *List) persist(ctx context.Context, e *models.GreylistEntry) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO greylist (key, ip, mail_from, rcpt_to, first_seen, last_seen, allowed, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_seen = excluded.last_seen,
			allowed = excluded.allowed,
			retry_count = excluded.retry_count`,
		e.Key, e.IP, e.MailFrom, e.RcptTo, e.FirstSeen, e.LastSeen, e.Allowed, e.RetryCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		logging.WarnLog("greylist: persist failed for key=%s: %v", e.Key, err)
	}
}

// Sweep deletes entries whose last_seen predates AutoWhitelistAfter+RetryWindow,
// both on disk and in memory.
func (l *List) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-(l.cfg.AutoWhitelistAfter + l.cfg.RetryWindow))

	l.mu.Lock()
	for k, e := range l.entries {
		if e.LastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
	l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, `DELETE FROM greylist WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
