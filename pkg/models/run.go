package models

import (
	"encoding/json"
	"time"
)

// BlockingStrategy names a candidate generation strategy.
type BlockingStrategy string

const (
	BlockingKey       BlockingStrategy = "key"
	BlockingEmbedding BlockingStrategy = "embedding"
)

// DedupeRun is the metadata of one full resolution run. ClusterSeq is the
// highest cluster sequence number minted for the run; intake continues from it.
type DedupeRun struct {
	ID           int64            `json:"id" db:"id"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	ModelVersion string           `json:"model_version" db:"model_version"`
	Strategy     BlockingStrategy `json:"strategy" db:"strategy"`
	ClusterSeq   int64            `json:"cluster_seq" db:"cluster_seq"`
	RecordCount  int              `json:"record_count" db:"record_count"`
	LinkCount    int              `json:"link_count" db:"link_count"`
	ClusterCount int              `json:"cluster_count" db:"cluster_count"`
	Vectorizer   json.RawMessage  `json:"-" db:"vectorizer"`
}

// RunRequest starts a full run. Zero values fall back to configuration.
type RunRequest struct {
	Strategy  BlockingStrategy `json:"strategy,omitempty" validate:"omitempty,oneof=key embedding"`
	Neighbors int              `json:"k,omitempty" validate:"omitempty,min=1,max=1000"`
}

// RunSummary reports the outcome of a full run.
type RunSummary struct {
	RunID        int64            `json:"run_id"`
	Strategy     BlockingStrategy `json:"strategy"`
	Records      int              `json:"records"`
	Candidates   int              `json:"candidates"`
	Links        int              `json:"links"`
	Matches      int              `json:"matches"`
	Reviews      int              `json:"reviews"`
	Clusters     int              `json:"clusters"`
	ClusterSeq   int64            `json:"cluster_seq"`
	ModelVersion string           `json:"model_version"`
}
