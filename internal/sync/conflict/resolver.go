package conflict

import (
	"fmt"
	"time"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Strategy defines how a detected conflict is resolved.
type Strategy string

const (
	StrategyClientWins Strategy = config.StrategyClientWins
	StrategyServerWins Strategy = config.StrategyServerWins
	StrategyMerge      Strategy = config.StrategyMerge
	StrategyManual     Strategy = config.StrategyManual
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyClientWins, StrategyServerWins, StrategyMerge, StrategyManual:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Outcome tells which side a resolution kept.
type Outcome string

const (
	OutcomeLocal  Outcome = "local"
	OutcomeRemote Outcome = "remote"
	OutcomeMerged Outcome = "merged"
)

// KeepsLocalIntent reports whether the resolved record carries local changes
// the remote store has not seen.
func (o Outcome) KeepsLocalIntent() bool {
	return o == OutcomeLocal || o == OutcomeMerged
}

// ManualFunc is a caller-supplied resolver used by StrategyManual.
type ManualFunc func(local, remote models.Record) models.Record

// Resolver applies the configured strategy to detected conflicts.
type Resolver struct {
	strategy Strategy
	manual   ManualFunc
	now      func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithManual sets the resolver function used by StrategyManual.
func WithManual(fn ManualFunc) Option {
	return func(r *Resolver) { r.manual = fn }
}

// WithClock replaces the clock used to stamp merged records.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy Strategy, opts ...Option) *Resolver {
	r := &Resolver{
		strategy: strategy,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve picks the record to write for a detected conflict.
func (r *Resolver) Resolve(local, remote models.Record, rules Rules) (models.Record, Outcome) {
	switch r.strategy {
	case StrategyServerWins:
		return remote.Clone(), OutcomeRemote
	case StrategyMerge:
		return Merge(local, remote, rules, r.now()), OutcomeMerged
	case StrategyManual:
		if r.manual != nil {
			resolved := r.manual(local.Clone(), remote.Clone())
			if resolved == nil {
				return remote.Clone(), OutcomeRemote
			}
			return resolved, OutcomeMerged
		}
	}
	return local.Clone(), OutcomeLocal
}

// Reconcile runs detection and, when a conflict exists, resolution. With no
// conflict the local record is returned unchanged.
func (r *Resolver) Reconcile(local, remote models.Record, rules Rules) (resolved models.Record, outcome Outcome, conflicted bool) {
	if !Detect(local, remote, rules) {
		return local.Clone(), OutcomeLocal, false
	}

	resolved, outcome = r.Resolve(local, remote, rules)
	field := rules.Field()
	logging.Info("Stale write resolved", map[string]interface{}{
		"record_id":        remote.ID(),
		"strategy":         string(r.strategy),
		"outcome":          string(outcome),
		"local_timestamp":  local[field],
		"remote_timestamp": remote[field],
	})
	return resolved, outcome, true
}
