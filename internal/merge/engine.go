// Package merge resolves normalized records onto canonical leads.
package merge

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/model"
)

// Store is the subset of the lead store the merge engine needs.
type Store interface {
	Get(ctx context.Context, id string) (*model.CanonicalLead, error)
	LookupKeys(ctx context.Context, keys []string) (map[string]string, error)
	ListByZip(ctx context.Context, zip string) ([]*model.CanonicalLead, error)
	Upsert(ctx context.Context, lead *model.CanonicalLead) error
	SaveConflict(ctx context.Context, c *model.MergeConflict) error
	GetConflict(ctx context.Context, id string) (*model.MergeConflict, error)
}

// Config holds merge thresholds.
type Config struct {
	ProviderPriority    []string
	SimilarityThreshold float64
	GeoCutoffMeters     float64
}

// ApplyFunc runs under the merge lock after a record is folded into a lead
// and before the lead is written. It reports whether it changed the lead.
type ApplyFunc func(ctx context.Context, lead *model.CanonicalLead) (bool, error)

// Engine merges records into leads. Work on one ZIP, identity key or lead
// is serialized; records in different ZIPs merge concurrently.
type Engine struct {
	store  Store
	cfg    Config
	policy Policy
	keys   *KeyedMutex
	leads  *KeyedMutex
	now    func() time.Time
	log    *zap.Logger
}

// NewEngine creates a merge engine.
func NewEngine(store Store, cfg Config) *Engine {
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = 0.92
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		policy: NewPolicy(cfg.ProviderPriority),
		keys:   NewKeyedMutex(),
		leads:  NewKeyedMutex(),
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "merge")),
	}
}

// Policy returns the attribute conflict policy.
func (e *Engine) Policy() Policy { return e.policy }

// Merge folds rec into the lead it identifies, creating one when none
// matches. Ambiguous identity holds the record as a pending conflict and
// leaves every lead untouched. Re-merging a record is a no-op.
func (e *Engine) Merge(ctx context.Context, rec model.NormalizedRecord, apply ApplyFunc) (model.MergeResult, error) {
	keys := IdentityKeys(rec)
	// near duplicates are found by ZIP, so the search and any create it
	// leads to must not interleave with another record in the same ZIP
	unlock := e.keys.Lock(append([]string{zipLockKey(rec.Address.Zip)}, keys...)...)
	defer unlock()

	hits, err := e.store.LookupKeys(ctx, keys)
	if err != nil {
		return model.MergeResult{}, storeErr("lookup keys", err)
	}
	ids := distinct(hits)

	var reason string
	switch len(ids) {
	case 0:
		ids, err = e.nearDuplicates(ctx, rec)
		if err != nil {
			return model.MergeResult{}, err
		}
		if len(ids) > 1 {
			reason = "address is a near duplicate of several leads"
		}
	case 1:
	default:
		reason = "identity keys match different leads"
	}

	if reason != "" {
		return e.hold(ctx, rec, keys, ids, reason)
	}
	if len(ids) == 0 {
		return e.create(ctx, rec, keys, apply)
	}
	return e.mergeInto(ctx, ids[0], rec, keys, apply)
}

func (e *Engine) nearDuplicates(ctx context.Context, rec model.NormalizedRecord) ([]string, error) {
	leads, err := e.store.ListByZip(ctx, rec.Address.Zip)
	if err != nil {
		return nil, storeErr("list by zip", err)
	}
	var ids []string
	for _, l := range leads {
		if e.nearMatch(l, rec) {
			ids = append(ids, l.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (e *Engine) create(ctx context.Context, rec model.NormalizedRecord, keys []string, apply ApplyFunc) (model.MergeResult, error) {
	idKey := keys[0]
	id := LeadID(idKey)

	// an ID can outlive its key only through conflict resolution; merge there
	if _, err := e.store.Get(ctx, id); err == nil {
		return e.mergeInto(ctx, id, rec, keys, apply)
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.MergeResult{}, storeErr("get lead", err)
	}

	unlock := e.leads.Lock(id)
	defer unlock()

	lead := &model.CanonicalLead{ID: id, IdentityKey: idKey, LastSeenAt: e.now().UTC()}
	addRecord(lead, rec, keys)
	e.policy.rebuild(lead)
	if apply != nil {
		if _, err := apply(ctx, lead); err != nil {
			return model.MergeResult{}, err
		}
	}
	if err := e.store.Upsert(ctx, lead); err != nil {
		return model.MergeResult{}, storeErr("upsert lead", err)
	}
	e.log.Debug("lead created", zap.String("lead_id", id), zap.String("key", idKey))
	return model.MergeResult{Kind: model.MergeResolved, Lead: lead, Created: true, Changed: true}, nil
}

func (e *Engine) mergeInto(ctx context.Context, id string, rec model.NormalizedRecord, keys []string, apply ApplyFunc) (model.MergeResult, error) {
	unlock := e.leads.Lock(id)
	defer unlock()

	lead, err := e.store.Get(ctx, id)
	if err != nil {
		return model.MergeResult{}, storeErr("get lead", err)
	}
	if lead.ParcelID != "" && rec.ParcelID != "" && lead.ParcelID != rec.ParcelID {
		if lead.HasProvenance(rec.Provenance()) {
			return model.MergeResult{Kind: model.MergeResolved, Lead: lead}, nil
		}
		return e.hold(ctx, rec, keys, []string{id}, "parcel differs from matched lead")
	}

	changed := addRecord(lead, rec, keys)
	if changed {
		lead.Stale = false
		e.policy.rebuild(lead)
	}
	if apply != nil {
		scored, err := apply(ctx, lead)
		if err != nil {
			return model.MergeResult{}, err
		}
		changed = changed || scored
	}
	if changed {
		if err := e.store.Upsert(ctx, lead); err != nil {
			return model.MergeResult{}, storeErr("upsert lead", err)
		}
	}
	return model.MergeResult{Kind: model.MergeResolved, Lead: lead, Changed: changed}, nil
}

// hold records an ambiguous record as a pending conflict. A record already
// merged into one of the candidates, e.g. by an earlier resolution, is not
// held again.
func (e *Engine) hold(ctx context.Context, rec model.NormalizedRecord, keys, candidates []string, reason string) (model.MergeResult, error) {
	for _, id := range candidates {
		lead, err := e.store.Get(ctx, id)
		if err != nil {
			return model.MergeResult{}, storeErr("get lead", err)
		}
		if lead.HasProvenance(rec.Provenance()) {
			return model.MergeResult{Kind: model.MergeResolved, Lead: lead}, nil
		}
	}

	id := ConflictID(rec)
	if existing, err := e.store.GetConflict(ctx, id); err == nil {
		return model.MergeResult{Kind: model.MergePendingConflict, Conflict: existing}, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.MergeResult{}, storeErr("get conflict", err)
	}

	c := &model.MergeConflict{
		ID:               id,
		IdentityKey:      keys[0],
		Record:           rec,
		CandidateLeadIDs: append([]string(nil), candidates...),
		Reason:           reason,
		Status:           model.ConflictPending,
		CreatedAt:        e.now().UTC(),
	}
	if err := e.store.SaveConflict(ctx, c); err != nil {
		return model.MergeResult{}, storeErr("save conflict", err)
	}
	e.log.Warn("merge conflict held",
		zap.String("conflict_id", id),
		zap.String("key", c.IdentityKey),
		zap.Strings("candidates", candidates),
		zap.String("reason", reason),
	)
	return model.MergeResult{Kind: model.MergePendingConflict, Conflict: c}, nil
}

// ResolveConflict merges a held record into leadID, or into a new lead when
// leadID is empty, and marks the conflict resolved.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, leadID string, apply ApplyFunc) (*model.CanonicalLead, error) {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, eris.Wrapf(err, "merge: conflict %s", conflictID)
		}
		return nil, storeErr("get conflict", err)
	}
	if c.Status != model.ConflictPending {
		return nil, eris.Wrapf(model.ErrConflictClosed, "merge: conflict %s is already %s", conflictID, c.Status)
	}

	rec := c.Record
	keys := IdentityKeys(rec)
	unlock := e.keys.Lock(append([]string{zipLockKey(rec.Address.Zip)}, keys...)...)
	defer unlock()

	// keys owned by other leads stay with them
	owned, err := e.store.LookupKeys(ctx, keys)
	if err != nil {
		return nil, storeErr("lookup keys", err)
	}
	target := leadID
	if target == "" {
		target = LeadID("conflict:" + c.ID)
	}
	var free []string
	for _, k := range keys {
		if owner, ok := owned[k]; !ok || owner == target {
			free = append(free, k)
		}
	}

	var lead *model.CanonicalLead
	if leadID == "" {
		unlockLead := e.leads.Lock(target)
		defer unlockLead()
		lead = &model.CanonicalLead{ID: target, IdentityKey: "conflict:" + c.ID, LastSeenAt: e.now().UTC()}
		addRecord(lead, rec, append(free, lead.IdentityKey))
		e.policy.rebuild(lead)
		if apply != nil {
			if _, err := apply(ctx, lead); err != nil {
				return nil, err
			}
		}
		if err := e.store.Upsert(ctx, lead); err != nil {
			return nil, storeErr("upsert lead", err)
		}
	} else {
		res, err := e.mergeInto(ctx, leadID, rec, free, apply)
		if err != nil {
			return nil, err
		}
		if res.Kind != model.MergeResolved {
			return nil, res.Err()
		}
		lead = res.Lead
	}

	now := e.now().UTC()
	c.Status = model.ConflictResolved
	c.ResolvedAt = &now
	c.ResolvedLeadID = lead.ID
	if err := e.store.SaveConflict(ctx, c); err != nil {
		return nil, storeErr("save conflict", err)
	}
	e.log.Info("merge conflict resolved", zap.String("conflict_id", c.ID), zap.String("lead_id", lead.ID))
	return lead, nil
}

// Update runs fn on a lead under its merge lock and writes it back when fn
// reports a change.
func (e *Engine) Update(ctx context.Context, id string, fn ApplyFunc) (*model.CanonicalLead, bool, error) {
	unlock := e.leads.Lock(id)
	defer unlock()

	lead, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, false, eris.Wrapf(err, "merge: lead %s", id)
		}
		return nil, false, storeErr("get lead", err)
	}
	changed, err := fn(ctx, lead)
	if err != nil || !changed {
		return lead, false, err
	}
	if err := e.store.Upsert(ctx, lead); err != nil {
		return nil, false, storeErr("upsert lead", err)
	}
	return lead, true, nil
}

// ConflictID derives a stable conflict ID from the held record's provenance.
func ConflictID(rec model.NormalizedRecord) string {
	return uuid.NewSHA1(leadNamespace, []byte("conflict\x1f"+rec.Provenance().Key())).String()
}

func zipLockKey(zip string) string {
	return "zip:" + zip
}

func distinct(hits map[string]string) []string {
	seen := make(map[string]bool, len(hits))
	var ids []string
	for _, id := range hits {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func storeErr(op string, err error) error {
	var se *model.StoreError
	if errors.As(err, &se) || errors.Is(err, model.ErrNotFound) {
		return err
	}
	return &model.StoreError{Op: op, Err: err}
}
