// Package message implements C5: durable storage and retrieval of inbound
// mail, indexed for per-owner listing and search (spec §4.5).
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vellum-mail/vellum/internal/inboundauth"
	"github.com/vellum-mail/vellum/internal/logging"
	"github.com/vellum-mail/vellum/internal/models"
	"github.com/vellum-mail/vellum/store"
)

var (
	// ErrNotFound is returned by Retrieve/SetFlags/Move/Delete for an unknown message.
	ErrNotFound = errors.New("message: not found")
	// ErrNoRecipients is returned by Store when recipients is empty (spec invariant).
	ErrNoRecipients = errors.New("message: recipients must be non-empty")
)

// SearchOptions narrows a Search call (spec §4.5).
type SearchOptions struct {
	Folder           string
	FromDate, ToDate time.Time
	HasAttachments   bool
	Limit, Offset    int
	SortBy           string // "relevance" or "" (received_at DESC)
}

// Store is C5, backed by the shared SQLite database and its messages_fts
// shadow table. Writers are serialized by the embedded mutex; sqlite allows
// readers to proceed concurrently (spec §4.5 concurrency note).
type Store struct {
	db      *store.DB
	writeMu sync.Mutex
}

// New constructs a message Store.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Store persists a received message atomically and returns its row id.
// size is computed from len(body); message_id must be caller-unique. auth
// may be nil when no SPF/DKIM verdict applies (e.g. a purely local message);
// otherwise it is rendered onto headers as an Authentication-Results line
// (spec §4.5 AuthResults).
func (s *Store) Store(ctx context.Context, owner, messageID, sender string, recipients []string, subject, headers string, body []byte, auth *models.AuthResults) (int64, error) {
	if len(recipients) == 0 {
		return 0, ErrNoRecipients
	}
	if auth != nil {
		headers = inboundauth.Header(*auth) + "\r\n" + headers
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, owner_email, sender, recipients, subject, headers, body, size, received_at, flags, folder)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		messageID, owner, sender, strings.Join(recipients, ","), subject, headers, body, int64(len(body)), now, models.DefaultFolder)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return 0, fmt.Errorf("message: duplicate message_id %q: %w", messageID, err)
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.InfoLog("message: stored id=%d owner=%s message_id=%s size=%d", id, owner, messageID, len(body))
	return id, nil
}

func scanMessage(row interface{ Scan(...any) error }) (*models.StoredMessage, error) {
	var m models.StoredMessage
	var recipCSV string
	var flags int64
	if err := row.Scan(&m.ID, &m.MessageID, &m.OwnerEmail, &m.Sender, &recipCSV, &m.Subject, &m.Headers, &m.Body, &m.Size, &m.ReceivedAt, &flags, &m.Folder); err != nil {
		return nil, err
	}
	m.Flags = models.MessageFlag(flags)
	if recipCSV != "" {
		m.Recipients = strings.Split(recipCSV, ",")
	}
	return &m, nil
}

const selectCols = `id, message_id, owner_email, sender, recipients, subject, headers, body, size, received_at, flags, folder`

// Retrieve fetches one message by owner and message_id.
func (s *Store) Retrieve(ctx context.Context, owner, messageID string) (*models.StoredMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM messages WHERE owner_email = ? AND message_id = ?`, owner, messageID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// List returns an owner's messages newest-first, optionally scoped to a folder.
func (s *Store) List(ctx context.Context, owner, folder string, limit, offset int) ([]*models.StoredMessage, error) {
	var rows *sql.Rows
	var err error
	if folder != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectCols+` FROM messages WHERE owner_email = ? AND folder = ? ORDER BY received_at DESC LIMIT ? OFFSET ?`,
			owner, folder, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectCols+` FROM messages WHERE owner_email = ? ORDER BY received_at DESC LIMIT ? OFFSET ?`,
			owner, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetFlags overwrites a message's flag bitset.
func (s *Store) SetFlags(ctx context.Context, owner, messageID string, flags models.MessageFlag) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET flags = ? WHERE owner_email = ? AND message_id = ?`,
		int64(flags), owner, messageID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Move relocates a message to a different folder.
func (s *Store) Move(ctx context.Context, owner, messageID, folder string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET folder = ? WHERE owner_email = ? AND message_id = ?`,
		folder, owner, messageID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes a message permanently.
func (s *Store) Delete(ctx context.Context, owner, messageID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE owner_email = ? AND message_id = ?`, owner, messageID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SearchResult is one hit from Search.
type SearchResult struct {
	Message *models.StoredMessage
}

// Search runs a full-text query over (sender, subject, body) when the fts5
// shadow table is available, degrading to substring matching otherwise.
// sort_by=relevance without FTS is received_at DESC (spec §4.5).
func (s *Store) Search(ctx context.Context, owner, query string, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	ftsRows, ftsErr := s.db.QueryContext(ctx, `
		SELECT `+prefixCols("m")+`
		FROM messages_fts f JOIN messages m ON m.id = f.rowid
		WHERE m.owner_email = ? AND messages_fts MATCH ?
		ORDER BY m.received_at DESC LIMIT ? OFFSET ?`,
		owner, ftsQuery(query), limit, opts.Offset)
	if ftsErr == nil {
		defer ftsRows.Close()
		return collectResults(ftsRows, opts)
	}
	logging.DebugLog("message: fts5 query failed, degrading to substring search: %v", ftsErr)

	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectCols+` FROM messages
		WHERE owner_email = ? AND (sender LIKE ? OR subject LIKE ? OR body LIKE ?)
		ORDER BY received_at DESC LIMIT ? OFFSET ?`,
		owner, like, like, like, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectResults(rows, opts)
}

func prefixCols(alias string) string {
	cols := strings.Split(selectCols, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// ftsQuery quotes the raw query so FTS5 special characters in user input
// (hyphens, quotes) don't break the MATCH syntax.
func ftsQuery(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}

func collectResults(rows *sql.Rows, opts SearchOptions) ([]SearchResult, error) {
	var out []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if opts.Folder != "" && m.Folder != opts.Folder {
			continue
		}
		if !opts.FromDate.IsZero() && m.ReceivedAt.Before(opts.FromDate) {
			continue
		}
		if !opts.ToDate.IsZero() && m.ReceivedAt.After(opts.ToDate) {
			continue
		}
		out = append(out, SearchResult{Message: m})
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
