// Package postgres implements the resolution store on top of the sql
// repositories. Every repository call picks up the transaction carried by
// the context, so WithTx spans all of them.
package postgres

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/cluster"
	"github.com/Ramsey-B/fern/internal/repositories/link"
	"github.com/Ramsey-B/fern/internal/repositories/mergeevent"
	"github.com/Ramsey-B/fern/internal/repositories/patient"
	"github.com/Ramsey-B/fern/internal/repositories/run"
	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db          database.DB
	patients    *patient.Repository
	runs        *run.Repository
	links       *link.Repository
	clusters    *cluster.Repository
	mergeEvents *mergeevent.Repository
}

func New(db database.DB, logger ectologger.Logger) *Store {
	return &Store{
		db:          db,
		patients:    patient.NewRepository(db, logger),
		runs:        run.NewRepository(db, logger),
		links:       link.NewRepository(db, logger),
		clusters:    cluster.NewRepository(db, logger),
		mergeEvents: mergeevent.NewRepository(db, logger),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.WithTx(ctx, s.db, nil, fn)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetPatient(ctx context.Context, recordID string) (*models.Patient, error) {
	return s.patients.Get(ctx, recordID)
}

func (s *Store) GetPatients(ctx context.Context, recordIDs []string) ([]models.Patient, error) {
	return s.patients.GetMany(ctx, recordIDs)
}

func (s *Store) ListActivePatients(ctx context.Context) ([]models.Patient, error) {
	return s.patients.ListActive(ctx)
}

func (s *Store) CreatePatient(ctx context.Context, p *models.Patient) error {
	return s.patients.Create(ctx, p)
}

func (s *Store) UpdatePatient(ctx context.Context, p *models.Patient) error {
	return s.patients.Update(ctx, p)
}

func (s *Store) DeletePatient(ctx context.Context, recordID string) error {
	return s.patients.Delete(ctx, recordID)
}

func (s *Store) MaxNumericRecordID(ctx context.Context) (int64, error) {
	return s.patients.MaxNumericRecordID(ctx)
}

func (s *Store) CandidatePool(ctx context.Context, q store.CandidateQuery) ([]models.Patient, error) {
	return s.patients.CandidatePool(ctx, q)
}

func (s *Store) SearchByName(ctx context.Context, name string, limit int) ([]models.Patient, error) {
	return s.patients.SearchByName(ctx, name, limit)
}

func (s *Store) CreateRun(ctx context.Context, r *models.DedupeRun) error {
	return s.runs.Create(ctx, r)
}

func (s *Store) UpdateRun(ctx context.Context, r *models.DedupeRun) error {
	return s.runs.Update(ctx, r)
}

func (s *Store) GetRun(ctx context.Context, runID int64) (*models.DedupeRun, error) {
	return s.runs.Get(ctx, runID)
}

func (s *Store) LatestRun(ctx context.Context) (*models.DedupeRun, error) {
	return s.runs.Latest(ctx)
}

func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]models.DedupeRun, error) {
	return s.runs.List(ctx, limit, offset)
}

func (s *Store) GetVectorizer(ctx context.Context, runID int64) (json.RawMessage, error) {
	return s.runs.GetVectorizer(ctx, runID)
}

func (s *Store) NextClusterSeq(ctx context.Context, runID int64) (int64, error) {
	return s.runs.NextClusterSeq(ctx, runID)
}

func (s *Store) InsertLinks(ctx context.Context, links []models.Link) error {
	return s.links.Insert(ctx, links)
}

func (s *Store) ListLinks(ctx context.Context, filter models.LinkFilter) ([]models.Link, error) {
	return s.links.List(ctx, filter)
}

func (s *Store) LinksTouching(ctx context.Context, recordIDs []string) ([]models.Link, error) {
	return s.links.Touching(ctx, recordIDs)
}

func (s *Store) ReplaceLinks(ctx context.Context, removeIDs []int64, add []models.Link) error {
	return s.links.Replace(ctx, removeIDs, add)
}

func (s *Store) SaveAssignments(ctx context.Context, assignments []models.ClusterAssignment) error {
	return s.clusters.Save(ctx, assignments)
}

func (s *Store) ListAssignments(ctx context.Context, runID int64) ([]models.ClusterAssignment, error) {
	return s.clusters.ListByRun(ctx, runID)
}

func (s *Store) AssignmentsFor(ctx context.Context, recordIDs []string) ([]models.ClusterAssignment, error) {
	return s.clusters.ListForRecords(ctx, recordIDs)
}

func (s *Store) GetAssignment(ctx context.Context, runID int64, recordID string) (*models.ClusterAssignment, error) {
	return s.clusters.Get(ctx, runID, recordID)
}

func (s *Store) AppendMergeEvent(ctx context.Context, event *models.MergeEvent) error {
	return s.mergeEvents.Append(ctx, event)
}

func (s *Store) ListMergeEvents(ctx context.Context, recordID string) ([]models.MergeEvent, error) {
	return s.mergeEvents.List(ctx, recordID)
}
