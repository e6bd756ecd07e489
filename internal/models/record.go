// Package models provides data model definitions for the sync engine.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Default field names used when a resource type does not override them.
const (
	FieldID        = "id"
	FieldUpdatedAt = "updated_at"
	FieldCreatedAt = "created_at"
)

// Record is a schemaless row of a resource type, as returned by the remote
// store and kept in local projections.
type Record map[string]interface{}

// Clone returns a shallow copy of the record. Nested values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID returns the record identifier as a string, or "" if absent.
func (r Record) ID() string {
	v, ok := r[FieldID]
	if !ok || v == nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

// Timestamp returns the parsed value of a timestamp field. The second return
// is false when the field is absent or not a recognizable timestamp.
func (r Record) Timestamp(field string) (time.Time, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return time.Time{}, false
	}
	return ParseTimestamp(v)
}

// SetTimestamp stores t in the canonical wire form (RFC 3339, UTC, nanoseconds).
func (r Record) SetTimestamp(field string, t time.Time) {
	r[field] = FormatTimestamp(t)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp converts the representations a record timestamp arrives in
// (time.Time, RFC 3339 strings, Postgres text form, unix milliseconds) into a
// time.Time.
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch ts := v.(type) {
	case time.Time:
		return ts, !ts.IsZero()
	case *time.Time:
		if ts == nil || ts.IsZero() {
			return time.Time{}, false
		}
		return *ts, true
	case string:
		if ts == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, ts); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(ts)), ts > 0
	case int64:
		return time.UnixMilli(ts), ts > 0
	case json.Number:
		n, err := ts.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(n), n > 0
	default:
		return time.Time{}, false
	}
}

// FormatTimestamp renders t in the canonical wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
