package model

import "time"

// RefreshState is the per-region orchestrator state.
type RefreshState string

const (
	RefreshIdle    RefreshState = "idle"
	RefreshRunning RefreshState = "running"
)

// JobStatus is the terminal outcome of one refresh cycle.
type JobStatus string

const (
	JobCompleted       JobStatus = "completed"
	JobPartiallyFailed JobStatus = "partially_failed"
	JobFailed          JobStatus = "failed"
	JobCancelled       JobStatus = "cancelled"
)

// JobState is the persisted per-region job-state record.
type JobState struct {
	Region     string       `json:"region"`
	State      RefreshState `json:"state"`
	RunID      string       `json:"run_id,omitempty"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	LastResult *JobResult   `json:"last_result,omitempty"`
}

// ConnectorFailure names a connector that failed during a cycle.
type ConnectorFailure struct {
	Connector string `json:"connector"`
	Reason    string `json:"reason"`
}

func (f *ConnectorFailure) Error() string {
	return "connector " + f.Connector + ": " + f.Reason
}

// JobStats counts what happened to records during a cycle.
type JobStats struct {
	Fetched      int `json:"fetched"`
	Normalized   int `json:"normalized"`
	Skipped      int `json:"skipped"`
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Unchanged    int `json:"unchanged"`
	Conflicts    int `json:"conflicts"`
	Scored       int `json:"scored"`
	ScoreSkipped int `json:"score_skipped"`
	Revived      int `json:"revived"`
	MarkedStale  int `json:"marked_stale"`
}

// Add accumulates other into s.
func (s *JobStats) Add(o JobStats) {
	s.Fetched += o.Fetched
	s.Normalized += o.Normalized
	s.Skipped += o.Skipped
	s.Created += o.Created
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Conflicts += o.Conflicts
	s.Scored += o.Scored
	s.ScoreSkipped += o.ScoreSkipped
	s.Revived += o.Revived
	s.MarkedStale += o.MarkedStale
}

// JobResult is returned by a refresh request.
type JobResult struct {
	RunID            string             `json:"run_id"`
	Region           string             `json:"region"`
	Status           JobStatus          `json:"status"`
	FailedConnectors []ConnectorFailure `json:"failed_connectors"`
	Stats            JobStats           `json:"stats"`
	SkipReasons      map[string]int     `json:"skip_reasons,omitempty"`
	Error            string             `json:"error,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
}
