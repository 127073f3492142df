package models

import (
	"time"
)

// Patient is a demographic record as ingested from a source system.
// Field order matches schema: record_id, original_record_id, first_name, ...
type Patient struct {
	RecordID         string     `json:"record_id" db:"record_id"`
	OriginalRecordID string     `json:"original_record_id" db:"original_record_id"`
	FirstName        string     `json:"first_name" db:"first_name"`
	LastName         string     `json:"last_name" db:"last_name"`
	Gender           string     `json:"gender" db:"gender"`
	DateOfBirth      string     `json:"date_of_birth" db:"date_of_birth"`
	Address          string     `json:"address" db:"address"`
	City             string     `json:"city" db:"city"`
	County           string     `json:"county" db:"county"`
	SSN              string     `json:"ssn" db:"ssn"`
	PhoneNumber      string     `json:"phone_number" db:"phone_number"`
	Email            string     `json:"email" db:"email"`
	Source           string     `json:"source,omitempty" db:"source"`
	IsDeleted        bool       `json:"is_deleted" db:"is_deleted"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	MergedInto       *string    `json:"merged_into,omitempty" db:"merged_into"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the record takes part in clustering.
func (p *Patient) IsActive() bool {
	return !p.IsDeleted && (p.MergedInto == nil || *p.MergedInto == "")
}

// PatientInput is the demographic payload accepted by intake and ingest.
type PatientInput struct {
	RecordID         string `json:"record_id,omitempty" validate:"omitempty,max=64"`
	OriginalRecordID string `json:"original_record_id,omitempty"`
	FirstName        string `json:"first_name" validate:"required_without=LastName"`
	LastName         string `json:"last_name" validate:"required_without=FirstName"`
	Gender           string `json:"gender,omitempty"`
	DateOfBirth      string `json:"date_of_birth,omitempty"`
	Address          string `json:"address,omitempty"`
	City             string `json:"city,omitempty"`
	County           string `json:"county,omitempty"`
	SSN              string `json:"ssn,omitempty"`
	PhoneNumber      string `json:"phone_number,omitempty"`
	Email            string `json:"email,omitempty" validate:"omitempty,email"`
}

// ToPatient builds an active patient from the input.
func (in PatientInput) ToPatient() Patient {
	return Patient{
		RecordID:         in.RecordID,
		OriginalRecordID: in.OriginalRecordID,
		FirstName:        in.FirstName,
		LastName:         in.LastName,
		Gender:           in.Gender,
		DateOfBirth:      in.DateOfBirth,
		Address:          in.Address,
		City:             in.City,
		County:           in.County,
		SSN:              in.SSN,
		PhoneNumber:      in.PhoneNumber,
		Email:            in.Email,
	}
}

// PatientView is a patient together with its cluster in a run.
type PatientView struct {
	Patient
	ClusterID *string `json:"cluster_id"`
}

// NormalizedRecord is the scoring projection of a Patient. It is derived on
// demand and never persisted.
type NormalizedRecord struct {
	RecordID    string
	FirstName   string
	LastName    string
	FullName    string
	Email       string
	EmailDomain string
	Phone       string // digits only
	Address     string // "address, city, county"
	Gender      string // m, f, o or empty when unknown
	DOB         string
	SSN         string
}

// PatientWithDuplicates is a patient and its match / review links in a run.
type PatientWithDuplicates struct {
	Patient    PatientView    `json:"patient"`
	Duplicates []DuplicateHit `json:"duplicates"`
}

// IngestRequest upserts a batch of patients.
type IngestRequest struct {
	Patients       []PatientInput `json:"patients" validate:"required,min=1,dive"`
	RestoreDeleted bool           `json:"restore_deleted"`
	RejectMerged   *bool          `json:"reject_merged,omitempty"`
	Source         string         `json:"source,omitempty"`
}

// ShouldRejectMerged defaults to true when the flag is omitted.
func (r IngestRequest) ShouldRejectMerged() bool {
	return r.RejectMerged == nil || *r.RejectMerged
}

type IngestResponse struct {
	Inserted   int      `json:"inserted"`
	Updated    int      `json:"updated"`
	Restored   int      `json:"restored"`
	Redirected []string `json:"redirected,omitempty"`
}
