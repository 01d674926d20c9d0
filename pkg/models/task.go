package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

const TaskKindAudit = "post_hoc_audit"

// ScanTask is a persisted, owner-scoped unit of background work.
type ScanTask struct {
	ID         string          `json:"id" db:"id"`
	ProjectID  string          `json:"project_id" db:"project_id"`
	Kind       string          `json:"kind" db:"kind"`
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	Status     TaskStatus      `json:"status" db:"status"`
	Params     json.RawMessage `json:"params,omitempty" db:"params"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty" db:"checkpoint"`
	Result     json.RawMessage `json:"result,omitempty" db:"result"`
	Error      *string         `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

type AuditParams struct {
	Threshold float64 `json:"threshold"`
}

type AuditCheckpoint struct {
	Stage       string `json:"stage"`
	CatalogSize int    `json:"catalog_size"`
}

type StartAuditRequest struct {
	Threshold *float64 `json:"threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
}
