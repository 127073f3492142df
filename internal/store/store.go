// Package store declares the persistence contract shared by the engines.
// The postgres implementation composes internal/repositories; the memory
// implementation backs tests and local runs.
package store

import (
	"context"
	"encoding/json"

	"github.com/Ramsey-B/fern/pkg/models"
)

// CandidateQuery is the prefilter intake runs against the stored population.
// A record qualifies when any populated criterion matches. Records reached
// through an exact key (email, ssn, phone suffix, dob) are always returned;
// Limit caps only the records reached through the broad name and
// email-domain fallback.
type CandidateQuery struct {
	Email       string
	EmailDomain string
	SSN         string
	PhoneSuffix string
	DOB         string
	FirstName   string
	LastName    string
	FullName    string
	Limit       int
}

// Exact keeps the criteria that pin a record down precisely.
func (q CandidateQuery) Exact() CandidateQuery {
	return CandidateQuery{Email: q.Email, SSN: q.SSN, PhoneSuffix: q.PhoneSuffix, DOB: q.DOB}
}

// Broad keeps the fallback criteria and the limit.
func (q CandidateQuery) Broad() CandidateQuery {
	return CandidateQuery{
		EmailDomain: q.EmailDomain,
		FirstName:   q.FirstName,
		LastName:    q.LastName,
		FullName:    q.FullName,
		Limit:       q.Limit,
	}
}

// Empty reports whether no criterion is set.
func (q CandidateQuery) Empty() bool {
	return q.Email == "" && q.EmailDomain == "" && q.SSN == "" && q.PhoneSuffix == "" &&
		q.DOB == "" && q.FirstName == "" && q.LastName == "" && q.FullName == ""
}

type PatientStore interface {
	// GetPatient returns the record whatever its lifecycle state, or a not_found error.
	GetPatient(ctx context.Context, recordID string) (*models.Patient, error)
	GetPatients(ctx context.Context, recordIDs []string) ([]models.Patient, error)
	ListActivePatients(ctx context.Context) ([]models.Patient, error)
	CreatePatient(ctx context.Context, p *models.Patient) error
	UpdatePatient(ctx context.Context, p *models.Patient) error
	DeletePatient(ctx context.Context, recordID string) error
	MaxNumericRecordID(ctx context.Context) (int64, error)
	CandidatePool(ctx context.Context, q CandidateQuery) ([]models.Patient, error)
	SearchByName(ctx context.Context, name string, limit int) ([]models.Patient, error)
}

type RunStore interface {
	CreateRun(ctx context.Context, run *models.DedupeRun) error
	UpdateRun(ctx context.Context, run *models.DedupeRun) error
	GetRun(ctx context.Context, runID int64) (*models.DedupeRun, error)
	// LatestRun returns the newest run, or a not_found error when there is none.
	LatestRun(ctx context.Context) (*models.DedupeRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]models.DedupeRun, error)
	GetVectorizer(ctx context.Context, runID int64) (json.RawMessage, error)
	// NextClusterSeq atomically increments the run's cluster counter and returns the new value.
	NextClusterSeq(ctx context.Context, runID int64) (int64, error)
}

type LinkStore interface {
	InsertLinks(ctx context.Context, links []models.Link) error
	ListLinks(ctx context.Context, filter models.LinkFilter) ([]models.Link, error)
	// LinksTouching returns links in any run with an endpoint in recordIDs.
	LinksTouching(ctx context.Context, recordIDs []string) ([]models.Link, error)
	// ReplaceLinks deletes removeIDs then upserts add, keeping the higher score on conflict.
	ReplaceLinks(ctx context.Context, removeIDs []int64, add []models.Link) error
}

type ClusterStore interface {
	SaveAssignments(ctx context.Context, assignments []models.ClusterAssignment) error
	ListAssignments(ctx context.Context, runID int64) ([]models.ClusterAssignment, error)
	// AssignmentsFor returns assignments of recordIDs across all runs.
	AssignmentsFor(ctx context.Context, recordIDs []string) ([]models.ClusterAssignment, error)
	// GetAssignment returns nil without error when the record has no cluster in the run.
	GetAssignment(ctx context.Context, runID int64, recordID string) (*models.ClusterAssignment, error)
}

type MergeEventStore interface {
	AppendMergeEvent(ctx context.Context, event *models.MergeEvent) error
	ListMergeEvents(ctx context.Context, recordID string) ([]models.MergeEvent, error)
}

// Store is the full persistence surface.
type Store interface {
	PatientStore
	RunStore
	LinkStore
	ClusterStore
	MergeEventStore

	// WithTx runs fn atomically. Nested calls join the outer transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
}
