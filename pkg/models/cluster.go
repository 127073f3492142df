package models

import "fmt"

// ClusterIDPrefix and ClusterIDFormat define the cluster identifier shape, e.g. P00001.
const (
	ClusterIDPrefix = "P"
	ClusterIDFormat = ClusterIDPrefix + "%05d"
)

// FormatClusterID renders sequence number n as a cluster id.
func FormatClusterID(n int64) string {
	return fmt.Sprintf(ClusterIDFormat, n)
}

// ClusterAssignment maps a record to its cluster for one run.
type ClusterAssignment struct {
	RunID     int64  `json:"run_id" db:"run_id"`
	RecordID  string `json:"record_id" db:"record_id"`
	PatientID string `json:"patient_id" db:"patient_id"`
	Size      int    `json:"cluster_size" db:"cluster_size"`
}

// Cluster groups the members of one cluster id.
type Cluster struct {
	PatientID string   `json:"patient_id"`
	Size      int      `json:"size"`
	RecordIDs []string `json:"record_ids"`
}
