// Package conflict detects stale writes, resolves them per strategy and keeps
// the list of mutations awaiting operator review.
package conflict

import (
	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Rules are the per-resource-type inputs to detection and merging.
type Rules struct {
	// TimestampField holds the updated-at equivalent. Defaults to updated_at.
	TimestampField string

	// ImmutableFields are never taken from the local side when merging.
	ImmutableFields []string

	// ConflictOnMissingTimestamps treats a missing timestamp on either side
	// as a conflict instead of silently passing the local write through.
	ConflictOnMissingTimestamps bool
}

// DefaultRules returns the rules used for unconfigured resource types.
func DefaultRules() Rules {
	return Rules{
		TimestampField:  models.FieldUpdatedAt,
		ImmutableFields: []string{models.FieldID, models.FieldCreatedAt},
	}
}

// RulesFromConfig converts a resource declaration into Rules.
func RulesFromConfig(rc config.ResourceConfig) Rules {
	r := DefaultRules()
	if rc.TimestampField != "" {
		r.TimestampField = rc.TimestampField
	}
	if len(rc.ImmutableFields) > 0 {
		r.ImmutableFields = append([]string(nil), rc.ImmutableFields...)
	}
	r.ConflictOnMissingTimestamps = rc.MissingTimestamps == config.MissingTimestampsConflict
	return r
}

// Field returns the timestamp field name.
func (r Rules) Field() string {
	if r.TimestampField == "" {
		return models.FieldUpdatedAt
	}
	return r.TimestampField
}

func (r Rules) immutable(field string) bool {
	for _, f := range r.ImmutableFields {
		if f == field {
			return true
		}
	}
	return false
}

// Detect reports whether remote changed after the local side last saw it:
// both sides carry a timestamp and the remote one is strictly newer. When
// either timestamp is missing the answer depends on
// Rules.ConflictOnMissingTimestamps.
func Detect(local, remote models.Record, rules Rules) bool {
	if local == nil || remote == nil {
		return false
	}
	field := rules.Field()
	lt, lok := local.Timestamp(field)
	rt, rok := remote.Timestamp(field)
	if !lok || !rok {
		return rules.ConflictOnMissingTimestamps
	}
	return rt.After(lt)
}
