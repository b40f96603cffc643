// Package models holds the data-model entities shared across components,
// mirroring spec §3. Components own their persistence; this package only
// defines the shapes they read and write.
package models

import "time"

// User is a credential-store record (C1). The plaintext password is never
// stored; PasswordHash is a self-describing Argon2id encoding.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MessageFlag is one bit of a StoredMessage's flag set.
type MessageFlag uint8

const (
	FlagSeen MessageFlag = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
)

// Has reports whether f includes flag.
func (f MessageFlag) Has(flag MessageFlag) bool { return f&flag != 0 }

// Set returns f with flag set.
func (f MessageFlag) Set(flag MessageFlag) MessageFlag { return f | flag }

// Clear returns f with flag cleared.
func (f MessageFlag) Clear(flag MessageFlag) MessageFlag { return f &^ flag }

// DefaultFolder is the folder a newly stored message lands in.
const DefaultFolder = "INBOX"

// StoredMessage is a durably persisted inbound message (C5).
type StoredMessage struct {
	ID         int64
	MessageID  string
	OwnerEmail string
	Sender     string
	Recipients []string
	Subject    string
	Headers    string
	Body       []byte
	Size       int64
	ReceivedAt time.Time
	Flags      MessageFlag
	Folder     string
}

// QueueStatus is the lifecycle state of a QueueEntry (C6).
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusRetry      QueueStatus = "retry"
	StatusDelivered  QueueStatus = "delivered"
	StatusFailed     QueueStatus = "failed"
)

// QueueEntry is one unit of outbound delivery work (C6).
type QueueEntry struct {
	ID           int64
	From         string
	To           string
	MessageData  []byte
	Status       QueueStatus
	Attempts     int
	MaxAttempts  int
	NextRetry    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ErrorMessage string
}

// GreylistEntry is a persisted (ip, sender, recipient) triplet (C3).
type GreylistEntry struct {
	Key        string // "ip|from|to"
	IP         string
	MailFrom   string
	RcptTo     string
	FirstSeen  time.Time
	LastSeen   time.Time
	Allowed    bool
	RetryCount int
}

// AuthResults carries the inbound SPF/DKIM verdicts for a transaction,
// rendered onto the stored message as an Authentication-Results header.
// AuthServID is the verifying host (RFC 8601 §2.2 authserv-id).
type AuthResults struct {
	AuthServID string
	SPF        string
	DKIM       string
}
