package puller

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

// Pending is the local write queue as seen by a pull. It accepts mutations
// produced while merging pulled records.
type Pending interface {
	Enqueue(m models.NewMutation) models.PendingMutation
	// Deleting reports whether a delete of the record is still queued.
	Deleting(resourceType, recordID string) bool
}

// RulesFunc returns the rules of a resource type.
type RulesFunc func(resourceType string) conflict.Rules

// Result summarises one pull of one resource type.
type Result struct {
	ResourceType string    `json:"resource_type"`
	Full         bool      `json:"full"`
	Fetched      int       `json:"fetched"`
	Applied      int       `json:"applied"`
	Conflicts    int       `json:"conflicts"`
	Reenqueued   int       `json:"reenqueued"`
	Watermark    time.Time `json:"watermark"`
}

// Puller fetches remote records and merges them into local projections.
type Puller struct {
	remote      remote.Store
	projections db.ProjectionRepository
	watermarks  *Watermarks
	resolver    *conflict.Resolver
	rules       RulesFunc
	pending     Pending
}

// New creates a Puller.
func New(store remote.Store, projections db.ProjectionRepository, watermarks *Watermarks,
	resolver *conflict.Resolver, rules RulesFunc, pending Pending) *Puller {
	if rules == nil {
		rules = func(string) conflict.Rules { return conflict.DefaultRules() }
	}
	return &Puller{
		remote:      store,
		projections: projections,
		watermarks:  watermarks,
		resolver:    resolver,
		rules:       rules,
		pending:     pending,
	}
}

// Watermarks returns the watermark store.
func (p *Puller) Watermarks() *Watermarks {
	return p.watermarks
}

func projectionFor(resourceType string, r models.Record, field string, localEdit bool) *models.Projection {
	ts, _ := r.Timestamp(field)
	return &models.Projection{
		ResourceType: resourceType,
		RecordID:     r.ID(),
		Payload:      r,
		UpdatedAt:    ts,
		LocalEdit:    localEdit,
	}
}

// deleting reports whether a queued delete hides the record locally.
func (p *Puller) deleting(resourceType, id string) bool {
	return p.pending != nil && p.pending.Deleting(resourceType, id)
}

// FullPull fetches the whole collection, replaces the local projections with
// it and moves the watermark to the newest timestamp seen. Locally created
// records the remote store does not know yet are kept, and records with a
// queued delete stay out.
func (p *Puller) FullPull(ctx context.Context, resourceType string) (Result, error) {
	rules := p.rules(resourceType)
	field := rules.Field()

	records, err := p.remote.Select(ctx, resourceType, &remote.Filter{TimestampField: field})
	if err != nil {
		return Result{}, fmt.Errorf("full pull of %s: %w", resourceType, err)
	}

	res := Result{ResourceType: resourceType, Full: true, Fetched: len(records)}
	seen := make(map[string]bool, len(records))
	next := make([]*models.Projection, 0, len(records))
	var newest time.Time
	for _, r := range records {
		id := r.ID()
		if id == "" {
			continue
		}
		seen[id] = true
		proj := projectionFor(resourceType, r, field, false)
		if proj.UpdatedAt.After(newest) {
			newest = proj.UpdatedAt
		}
		if p.deleting(resourceType, id) {
			continue
		}
		next = append(next, proj)
	}

	existing, err := p.projections.ListProjections(resourceType)
	if err != nil {
		return Result{}, fmt.Errorf("full pull of %s: %w", resourceType, err)
	}
	kept := 0
	for _, proj := range existing {
		if proj.LocalEdit && !seen[proj.RecordID] {
			next = append(next, proj)
			kept++
		}
	}

	if err := p.projections.ReplaceProjections(resourceType, next); err != nil {
		return Result{}, fmt.Errorf("full pull of %s: %w", resourceType, err)
	}
	res.Applied = len(next) - kept

	if !newest.IsZero() {
		if err := p.watermarks.Set(resourceType, newest); err != nil {
			return res, err
		}
	}
	res.Watermark, _ = p.watermarks.Get(resourceType)

	logging.Info("Full pull completed", map[string]interface{}{
		"resource_type": resourceType,
		"fetched":       res.Fetched,
		"watermark":     res.Watermark,
	})
	return res, nil
}

// IncrementalPull fetches records changed after the watermark and merges
// each into the local projections. Projections carrying unconfirmed local
// edits go through conflict resolution; when the local side wins, the
// resolved record is queued as an update.
func (p *Puller) IncrementalPull(ctx context.Context, resourceType string) (Result, error) {
	rules := p.rules(resourceType)
	field := rules.Field()

	since, err := p.watermarks.Get(resourceType)
	if err != nil {
		return Result{}, err
	}
	records, err := p.remote.Select(ctx, resourceType, &remote.Filter{Since: since, TimestampField: field})
	if err != nil {
		return Result{}, fmt.Errorf("incremental pull of %s: %w", resourceType, err)
	}

	res := Result{ResourceType: resourceType, Fetched: len(records), Watermark: since}
	newest := since
	for _, r := range records {
		if ts, ok := r.Timestamp(field); ok && ts.After(newest) {
			newest = ts
		}
		applied, err := p.merge(resourceType, r, rules, &res)
		if err != nil {
			return res, fmt.Errorf("incremental pull of %s: %w", resourceType, err)
		}
		if applied {
			res.Applied++
		}
	}

	if newest.After(since) {
		if err := p.watermarks.Set(resourceType, newest); err != nil {
			return res, err
		}
		res.Watermark = newest
	}

	if res.Fetched > 0 {
		logging.Info("Incremental pull completed", map[string]interface{}{
			"resource_type": resourceType,
			"fetched":       res.Fetched,
			"conflicts":     res.Conflicts,
			"reenqueued":    res.Reenqueued,
			"watermark":     res.Watermark,
		})
	}
	return res, nil
}

// merge folds one pulled record into the projections and reports whether the
// projection changed.
func (p *Puller) merge(resourceType string, r models.Record, rules conflict.Rules, res *Result) (bool, error) {
	id := r.ID()
	if id == "" {
		return false, nil
	}
	field := rules.Field()

	if p.deleting(resourceType, id) {
		logging.Debug("Pulled record has a queued delete, skipping", map[string]interface{}{
			"resource_type": resourceType,
			"record_id":     id,
		})
		return false, nil
	}

	existing, found, err := p.projections.GetProjection(resourceType, id)
	if err != nil {
		return false, err
	}
	if !found || !existing.LocalEdit {
		return true, p.projections.PutProjection(projectionFor(resourceType, r, field, false))
	}

	resolved, outcome, conflicted := p.resolver.Reconcile(existing.Payload, r, rules)
	if !conflicted {
		// Local edit is at least as new as what the server reported.
		return false, nil
	}
	res.Conflicts++

	if !outcome.KeepsLocalIntent() {
		return true, p.projections.PutProjection(projectionFor(resourceType, resolved, field, false))
	}

	resolved[models.FieldID] = id
	if err := p.projections.PutProjection(projectionFor(resourceType, resolved, field, true)); err != nil {
		return false, err
	}
	if p.pending != nil {
		m := p.pending.Enqueue(models.NewMutation{
			Kind:         models.MutationUpdate,
			ResourceType: resourceType,
			RecordID:     id,
			Payload:      resolved.Clone(),
		})
		res.Reenqueued++
		logging.Info("Local version kept over pulled record", map[string]interface{}{
			"resource_type": resourceType,
			"record_id":     id,
			"mutation_id":   m.ID,
			"outcome":       string(outcome),
		})
	}
	return true, nil
}
