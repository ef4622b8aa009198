// Package audit keeps a tamper-evident trail of booking mutations and
// streaming-token issuance for incident response.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entity types.
const (
	EntityBooking = "booking"
)

// Actions.
const (
	ActionBookingCreate     = "booking_create"
	ActionBookingUpdate     = "booking_update"
	ActionBookingDelete     = "booking_delete"
	ActionStreamTokenIssued = "stream_token_issue"
)

// Log is a stored audit event. Hash covers every other field, including
// PreviousHash, so editing or removing an entry breaks the chain.
type Log struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	ActorRole  string    `json:"actor_role"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"created_at"`

	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// Entry is the input for a new audit event.
type Entry struct {
	Actor      string
	ActorRole  string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string

	RequestID string
	IPAddress string
	UserAgent string
}

// computeHash returns the hex SHA-256 over the log's fields in a fixed order.
func computeHash(l *Log) string {
	fields := []string{
		l.ID, l.Actor, l.ActorRole, l.EntityType, l.EntityID, l.Action, l.Outcome,
		strconv.FormatInt(l.CreatedAt.UnixNano(), 10),
		l.RequestID, l.IPAddress, l.UserAgent, l.PreviousHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks logs in insertion order. It returns the index of the
// first entry whose hash or back-link does not match, or -1.
func VerifyChain(logs []*Log) int {
	prev := ""
	for i, l := range logs {
		if l.PreviousHash != prev || computeHash(l) != l.Hash {
			return i
		}
		prev = l.Hash
	}
	return -1
}
