package models

import "time"

// MergeEvent records that SourceRecord was folded into TargetRecord. Append-only.
type MergeEvent struct {
	ID           int64     `json:"id" db:"id"`
	SourceRecord string    `json:"source_record" db:"source_record"`
	TargetRecord string    `json:"target_record" db:"target_record"`
	RunID        *int64    `json:"run_id,omitempty" db:"run_id"`
	Reason       string    `json:"reason" db:"reason"`
	PerformedBy  string    `json:"performed_by,omitempty" db:"performed_by"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// MergeRequest folds duplicates into a master record.
type MergeRequest struct {
	MasterRecordID     string            `json:"master_record_id" validate:"required"`
	DuplicateRecordIDs []string          `json:"duplicate_record_ids" validate:"required,min=1,dive,required"`
	Overrides          map[string]string `json:"overrides,omitempty"`
	HardDelete         bool              `json:"hard_delete"`
	Reason             string            `json:"reason,omitempty"`
	RunID              *int64            `json:"run_id,omitempty"`
}

// MergeResponse reports what a merge changed.
type MergeResponse struct {
	MasterRecordID  string      `json:"master_record_id"`
	MergedRecordIDs []string    `json:"merged_record_ids"`
	SkippedIDs      []string    `json:"skipped_record_ids"`
	UpdatedLinks    int         `json:"updated_links"`
	UpdatedClusters int         `json:"updated_clusters"`
	MasterAfter     PatientView `json:"master_after"`
}

// FieldConflict lists the distinct values a field takes across records.
type FieldConflict struct {
	Field  string            `json:"field"`
	Values map[string]string `json:"values"` // record_id -> value
}

// MergePreview splits fields into agreeing and conflicting ones.
type MergePreview struct {
	MasterRecordID string            `json:"master_record_id"`
	RecordIDs      []string          `json:"record_ids"`
	Identical      map[string]string `json:"identical"`
	Conflicts      []FieldConflict   `json:"conflicts"`
}
