package models

// Decision classifies a scored pair.
type Decision string

const (
	DecisionMatch    Decision = "match"
	DecisionReview   Decision = "review"
	DecisionNonMatch Decision = "non-match"
)

// Severity orders decisions for presentation: match first, non-match last.
func (d Decision) Severity() int {
	switch d {
	case DecisionMatch:
		return 0
	case DecisionReview:
		return 1
	default:
		return 2
	}
}

func (d Decision) Valid() bool {
	return d == DecisionMatch || d == DecisionReview || d == DecisionNonMatch
}

// Reason explains how a decision was reached.
type Reason string

const (
	ReasonSSNHard    Reason = "ssn_hard"
	ReasonHeurLink   Reason = "heur_link"
	ReasonHeurReview Reason = "heur_review"
	ReasonHeurBelow  Reason = "heur_below"
)

// Components holds one similarity score per compared field.
type Components struct {
	Name       float64 `json:"s_name" db:"s_name"`
	DOB        float64 `json:"s_dob" db:"s_dob"`
	Email      float64 `json:"s_email" db:"s_email"`
	Phone      float64 `json:"s_phone" db:"s_phone"`
	Address    float64 `json:"s_address" db:"s_address"`
	Gender     float64 `json:"s_gender" db:"s_gender"`
	SSNHard    float64 `json:"s_ssn_hard_match" db:"s_ssn_hard_match"`
	SameDomain float64 `json:"s_same_domain" db:"s_same_domain"`
	CosEmb     float64 `json:"s_cos_emb" db:"s_cos_emb"`
}

// Link is the scored comparison of two records in one run.
// RecordID1 < RecordID2 once persisted.
type Link struct {
	ID         int64    `json:"id" db:"id"`
	RunID      int64    `json:"run_id" db:"run_id"`
	RecordID1  string   `json:"record_id1" db:"record_id1"`
	RecordID2  string   `json:"record_id2" db:"record_id2"`
	Score      float64  `json:"score" db:"score"`
	Decision   Decision `json:"decision" db:"decision"`
	Reason     Reason   `json:"reason" db:"reason"`
	PatientID1 *string  `json:"patient_id1,omitempty" db:"patient_id1"`
	PatientID2 *string  `json:"patient_id2,omitempty" db:"patient_id2"`
	Components
}

// Canonicalize orders the endpoints so RecordID1 < RecordID2.
func (l *Link) Canonicalize() {
	if l.RecordID1 > l.RecordID2 {
		l.RecordID1, l.RecordID2 = l.RecordID2, l.RecordID1
		l.PatientID1, l.PatientID2 = l.PatientID2, l.PatientID1
	}
}

// Other returns the endpoint that is not recordID.
func (l *Link) Other(recordID string) string {
	if l.RecordID1 == recordID {
		return l.RecordID2
	}
	return l.RecordID1
}

// LinkKey identifies a link for deduplication.
type LinkKey struct {
	RunID     int64
	RecordID1 string
	RecordID2 string
	Decision  Decision
}

func (l *Link) Key() LinkKey {
	return LinkKey{RunID: l.RunID, RecordID1: l.RecordID1, RecordID2: l.RecordID2, Decision: l.Decision}
}

// LinkFilter narrows link listings.
type LinkFilter struct {
	RunID    int64
	Decision Decision
	RecordID string
	Limit    int
	Offset   int
}
