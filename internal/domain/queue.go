package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation carried by a sync queue entry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MaxRetryCount is the number of failed attempts after which an entry is
// abandoned instead of dispatched.
const MaxRetryCount = 3

// QueueEntry is one pending mutation awaiting confirmation by the backend.
type QueueEntry struct {
	ID         string          `json:"id"`
	StoreName  string          `json:"storeName"`
	RecordID   string          `json:"recordId"`
	Operation  Operation       `json:"operation"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// Exhausted reports whether the entry reached the retry ceiling.
func (e *QueueEntry) Exhausted(ceiling int) bool {
	return e.RetryCount >= ceiling
}

// Mutation decodes the entry payload into its typed mutation.
func (e *QueueEntry) Mutation() (Mutation, error) {
	switch e.Operation {
	case OpCreate, OpUpdate:
		var rec Record
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		if rec.ID == "" {
			rec.ID = e.RecordID
		}
		if e.Operation == OpCreate {
			return Create{Store: e.StoreName, Record: &rec}, nil
		}
		return Update{Store: e.StoreName, Record: &rec}, nil
	case OpDelete:
		var payload struct {
			ID string `json:"id"`
		}
		if len(e.Data) > 0 {
			if err := json.Unmarshal(e.Data, &payload); err != nil {
				return nil, fmt.Errorf("entry %s: %w", e.ID, err)
			}
		}
		if payload.ID == "" {
			payload.ID = e.RecordID
		}
		return Delete{Store: e.StoreName, ID: payload.ID}, nil
	default:
		return nil, fmt.Errorf("entry %s: unknown operation %q", e.ID, e.Operation)
	}
}

// DeadLetter is a queue entry that exhausted its retries.
type DeadLetter struct {
	QueueEntry
	AbandonedAt time.Time `json:"abandonedAt"`
	Reason      string    `json:"reason"`
}

// Mutation is a typed pending change. The set of implementations is closed:
// Create, Update and Delete.
type Mutation interface {
	StoreName() string
	RecordID() string
	isMutation()
}

// Create pushes a record that does not exist remotely yet.
type Create struct {
	Store  string
	Record *Record
}

// Update pushes the latest local state of a record.
type Update struct {
	Store  string
	Record *Record
}

// Delete removes a record remotely.
type Delete struct {
	Store string
	ID    string
}

func (m Create) StoreName() string { return m.Store }
func (m Create) RecordID() string  { return m.Record.ID }
func (Create) isMutation()         {}

func (m Update) StoreName() string { return m.Store }
func (m Update) RecordID() string  { return m.Record.ID }
func (Update) isMutation()         {}

func (m Delete) StoreName() string { return m.Store }
func (m Delete) RecordID() string  { return m.ID }
func (Delete) isMutation()         {}

// SyncHandler pushes mutations for one collection to the remote system.
type SyncHandler interface {
	Create(ctx context.Context, m Create) error
	Update(ctx context.Context, m Update) error
	Delete(ctx context.Context, m Delete) error
}

// SyncQueue is the persistent queue of pending mutations.
type SyncQueue interface {
	// Pending returns all entries ordered by timestamp, oldest first.
	Pending(ctx context.Context) ([]*QueueEntry, error)

	// Count returns the number of pending entries.
	Count(ctx context.Context) (int, error)

	// MarkSynced removes the entry and clears the record's pending marker
	// once no other entry for that record remains.
	MarkSynced(ctx context.Context, entry *QueueEntry) error

	// MarkFailed increments the retry count and records the error.
	MarkFailed(ctx context.Context, id string, cause string) error

	// Abandon moves the entry to the dead-letter collection.
	Abandon(ctx context.Context, entry *QueueEntry, reason string) error

	// DeadLetters lists abandoned entries, newest first.
	DeadLetters(ctx context.Context) ([]*DeadLetter, error)

	// Replay moves a dead letter back into the queue with a fresh retry budget.
	Replay(ctx context.Context, id string) (*QueueEntry, error)
}

// DrainResult summarizes one pass of the sync manager.
type DrainResult struct {
	Success   int  `json:"success"`
	Failed    int  `json:"failed"`
	Abandoned int  `json:"abandoned"`
	Offline   bool `json:"offline,omitempty"`
}
