package model

import "time"

// ConflictStatus is the lifecycle state of a held merge.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// MergeConflict holds a record whose identity matched more than one lead.
type MergeConflict struct {
	ID               string           `json:"id"`
	IdentityKey      string           `json:"identity_key"`
	Record           NormalizedRecord `json:"record"`
	CandidateLeadIDs []string         `json:"candidate_lead_ids"`
	Reason           string           `json:"reason"`
	Status           ConflictStatus   `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolvedLeadID   string           `json:"resolved_lead_id,omitempty"`
}

// MergeKind tags the outcome of a merge.
type MergeKind int

const (
	// MergeResolved means the record landed on exactly one lead.
	MergeResolved MergeKind = iota + 1
	// MergePendingConflict means the record is held for manual resolution.
	MergePendingConflict
)

func (k MergeKind) String() string {
	switch k {
	case MergeResolved:
		return "resolved"
	case MergePendingConflict:
		return "pending_conflict"
	default:
		return "unknown"
	}
}

// MergeResult is either Resolved (Lead set) or PendingConflict (Conflict set).
type MergeResult struct {
	Kind     MergeKind
	Lead     *CanonicalLead
	Created  bool
	Changed  bool
	Conflict *MergeConflict
}

// Err returns a *MergeConflictError for a pending conflict and nil otherwise.
func (r MergeResult) Err() error {
	if r.Kind == MergePendingConflict {
		return &MergeConflictError{Conflict: r.Conflict}
	}
	return nil
}
