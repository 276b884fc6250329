package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned when a lead, conflict or job record does not exist.
	ErrNotFound = eris.New("not found")
	// ErrRefreshInProgress rejects a refresh for a region that is already running.
	ErrRefreshInProgress = eris.New("refresh already running for region")
	// ErrStoreUnavailable marks store failures that abort a refresh cycle.
	ErrStoreUnavailable = eris.New("lead store unavailable")
	// ErrInsufficientData means a strategy lacks the attributes it needs.
	ErrInsufficientData = eris.New("insufficient data")
	// ErrConflictClosed rejects resolving a conflict that is no longer pending.
	ErrConflictClosed = eris.New("conflict is not pending")
	// ErrTerminalOutcome rejects a closing outcome that contradicts the one
	// already recorded.
	ErrTerminalOutcome = eris.New("lead already has a different terminal outcome")
	// ErrInvalidInput marks a request the caller must correct.
	ErrInvalidInput = eris.New("invalid input")
	// ErrAlreadyExists rejects creating a named record that is already registered.
	ErrAlreadyExists = eris.New("already exists")
)

// NormalizationError reports a raw record that could not be mapped.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: field %s: %s", e.Field, e.Reason)
}

// UnknownStrategyError is returned for a strategy name with no registered scorer.
type UnknownStrategyError struct {
	Name string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown strategy %q", e.Name)
}

// InsufficientDataError lists the attributes a strategy was missing.
type InsufficientDataError struct {
	Strategy string
	Missing  []string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("strategy %s: insufficient data: missing %s", e.Strategy, strings.Join(e.Missing, ", "))
}

// Is makes errors.Is(err, ErrInsufficientData) hold.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// MergeConflictError carries a held conflict out of the merge engine.
type MergeConflictError struct {
	Conflict *MergeConflict
}

func (e *MergeConflictError) Error() string {
	if e.Conflict == nil {
		return "merge conflict"
	}
	return fmt.Sprintf("merge conflict on %s: %s", e.Conflict.IdentityKey, e.Conflict.Reason)
}

// StoreError wraps a failed store operation. errors.Is(err, ErrStoreUnavailable) holds.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreUnavailable) hold.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
