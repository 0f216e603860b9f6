package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Reserved record field names. Everything else lives in Record.Fields.
const (
	FieldID          = "id"
	FieldCreatedAt   = "created_at"
	FieldUpdatedAt   = "updated_at"
	FieldPendingSync = "_pendingSync"
)

// Record is a single entity stored in a collection, keyed by ID.
// It serializes as a flat JSON object with the metadata fields inline.
type Record struct {
	ID          string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PendingSync bool
	Fields      map[string]any
}

// NewRecord creates a record with the given ID and domain fields.
func NewRecord(id string, fields map[string]any) *Record {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Record{ID: id, Fields: fields}
}

// RecordFrom converts any JSON-serializable value (typically an entity
// embedding Meta) into a Record.
func RecordFrom(v any) (*Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Decode converts the record into v, typically a pointer to an entity.
func (r *Record) Decode(v any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", r.ID, err)
	}
	return json.Unmarshal(b, v)
}

// Field returns a field value, including the reserved metadata fields.
func (r *Record) Field(name string) (any, bool) {
	switch name {
	case FieldID:
		return r.ID, true
	case FieldPendingSync:
		return r.PendingSync, true
	case FieldCreatedAt:
		return r.CreatedAt, !r.CreatedAt.IsZero()
	case FieldUpdatedAt:
		return r.UpdatedAt, !r.UpdatedAt.IsZero()
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Clone returns a shallow copy with its own Fields map.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = maps.Clone(r.Fields)
	if c.Fields == nil {
		c.Fields = make(map[string]any)
	}
	return &c
}

// Map returns the flat representation used for JSON and filter evaluation.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.Fields)+4)
	maps.Copy(out, r.Fields)
	out[FieldID] = r.ID
	if !r.CreatedAt.IsZero() {
		out[FieldCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !r.UpdatedAt.IsZero() {
		out[FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.PendingSync {
		out[FieldPendingSync] = true
	}
	return out
}

// MarshalJSON flattens metadata and fields into one object.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

// UnmarshalJSON splits a flat object into metadata and fields.
func (r *Record) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}

	*r = Record{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case FieldID:
			id, ok := v.(string)
			if !ok {
				return fmt.Errorf("decode record: id must be a string, got %T", v)
			}
			r.ID = id
		case FieldCreatedAt:
			t, err := parseTimeField(k, v)
			if err != nil {
				return err
			}
			r.CreatedAt = t
		case FieldUpdatedAt:
			t, err := parseTimeField(k, v)
			if err != nil {
				return err
			}
			r.UpdatedAt = t
		case FieldPendingSync:
			pending, _ := v.(bool)
			r.PendingSync = pending
		default:
			r.Fields[k] = v
		}
	}
	return nil
}

func parseTimeField(name string, v any) (time.Time, error) {
	if v == nil {
		return time.Time{}, nil
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("decode record: %s must be a timestamp string, got %T", name, v)
	}
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode record: %s: %w", name, err)
	}
	return t.UTC(), nil
}
