package models

// IntakeDecision is the outcome of checking one new record.
type IntakeDecision string

const (
	IntakeCreated        IntakeDecision = "created"
	IntakeDuplicateFound IntakeDecision = "duplicate_found"
	IntakeReviewRequired IntakeDecision = "review_required"
)

// DuplicateHit is an existing record that scored against the new one.
type DuplicateHit struct {
	OtherRecordID string       `json:"other_record_id"`
	Decision      Decision     `json:"decision"`
	Score         float64      `json:"score"`
	Reason        Reason       `json:"reason"`
	Components    Components   `json:"components"`
	ClusterID     *string      `json:"cluster_id,omitempty"`
	OtherPatient  *PatientView `json:"other_patient,omitempty"`
}

// IntakeResult is returned for every intake request.
type IntakeResult struct {
	Created    bool           `json:"created"`
	RecordID   string         `json:"record_id"`
	Decision   IntakeDecision `json:"decision"`
	PatientID  *string        `json:"patient_id"`
	Duplicates []DuplicateHit `json:"duplicates"`
	Message    string         `json:"message,omitempty"`
}
