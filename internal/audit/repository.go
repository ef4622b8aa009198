package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidEntityType is returned when an entry has no entity type.
	ErrInvalidEntityType = errors.New("entity type cannot be empty")
	// ErrInvalidEntityID is returned when an entry has no entity ID.
	ErrInvalidEntityID = errors.New("entity ID cannot be empty")
	// ErrInvalidAction is returned when an entry's action is unknown.
	ErrInvalidAction = errors.New("unknown audit action")
)

var validActions = map[string]bool{
	ActionBookingCreate:     true,
	ActionBookingUpdate:     true,
	ActionBookingDelete:     true,
	ActionStreamTokenIssued: true,
}

// Repository stores audit events.
type Repository interface {
	// Append records an entry, linking it to the previous one.
	Append(ctx context.Context, entry Entry) (*Log, error)
	// QueryByEntity returns logs for an entity, newest first. limit 0 means no limit.
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error)
}

func validateEntry(e Entry) error {
	if e.EntityType == "" {
		return ErrInvalidEntityType
	}
	if e.EntityID == "" {
		return ErrInvalidEntityID
	}
	if !validActions[e.Action] {
		return ErrInvalidAction
	}
	return nil
}

// newLog fills the generated fields of a log linked after prevHash.
func newLog(e Entry, prevHash string, now time.Time) *Log {
	outcome := e.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	l := &Log{
		ID:           uuid.NewString(),
		Actor:        e.Actor,
		ActorRole:    e.ActorRole,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		Action:       e.Action,
		Outcome:      outcome,
		CreatedAt:    now.UTC(),
		RequestID:    e.RequestID,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		PreviousHash: prevHash,
	}
	l.Hash = computeHash(l)
	return l
}

// InMemoryRepository is a Repository for tests and single-node development.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*Log
	now  func() time.Time
}

// NewInMemoryRepository creates an empty in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{now: time.Now}
}

func (r *InMemoryRepository) Append(ctx context.Context, entry Entry) (*Log, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := ""
	if n := len(r.logs); n > 0 {
		prev = r.logs[n-1].Hash
	}
	l := newLog(entry, prev, r.now())
	r.logs = append(r.logs, l)

	out := *l
	return &out, nil
}

func (r *InMemoryRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Log
	for i := len(r.logs) - 1; i >= 0; i-- {
		l := r.logs[i]
		if l.EntityType != entityType || l.EntityID != entityID {
			continue
		}
		out := *l
		results = append(results, &out)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// All returns a copy of every log in insertion order.
func (r *InMemoryRepository) All() []*Log {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Log, len(r.logs))
	for i, l := range r.logs {
		c := *l
		out[i] = &c
	}
	return out
}
