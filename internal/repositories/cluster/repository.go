package cluster

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	table     = "cluster_assignments"
	batchSize = 5000
)

// sizeColumn counts the members sharing the row's cluster in its run.
const sizeColumn = `(SELECT COUNT(*) FROM cluster_assignments c WHERE c.run_id = a.run_id AND c.patient_id = a.patient_id) AS cluster_size`

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Save upserts assignments keyed by (run, record).
func (r *Repository) Save(ctx context.Context, assignments []models.ClusterAssignment) error {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.Save")
	defer span.End()

	for start := 0; start < len(assignments); start += batchSize {
		batch := assignments[start:min(start+batchSize, len(assignments))]

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(table)
		ib.Cols("run_id", "record_id", "patient_id")
		for _, a := range batch {
			ib.Values(a.RunID, a.RecordID, a.PatientID)
		}
		database.OnConflictUpdate(ib, []string{"run_id", "record_id"}, "patient_id")

		query, args := ib.Build()
		if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("count", len(batch)).Error("Failed to save cluster assignments")
			return errors.Wrap(err, "failed to save cluster assignments")
		}
	}
	return nil
}

func (r *Repository) ListByRun(ctx context.Context, runID int64) ([]models.ClusterAssignment, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.ListByRun")
	defer span.End()

	sb := r.selectBuilder()
	sb.Where(sb.Equal("a.run_id", runID))
	return r.selectAssignments(ctx, sb)
}

// ListForRecords returns assignments of recordIDs across all runs.
func (r *Repository) ListForRecords(ctx context.Context, recordIDs []string) ([]models.ClusterAssignment, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.ListForRecords")
	defer span.End()

	if len(recordIDs) == 0 {
		return []models.ClusterAssignment{}, nil
	}

	sb := r.selectBuilder()
	sb.Where(sb.In("a.record_id", sqlbuilder.Flatten(recordIDs)...))
	return r.selectAssignments(ctx, sb)
}

// Get returns nil without error when the record has no cluster in the run.
func (r *Repository) Get(ctx context.Context, runID int64, recordID string) (*models.ClusterAssignment, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.Get")
	defer span.End()

	sb := r.selectBuilder()
	sb.Where(sb.Equal("a.run_id", runID), sb.Equal("a.record_id", recordID))

	query, args := sb.Build()
	var a models.ClusterAssignment
	if err := database.Conn(ctx, r.db).GetContext(ctx, &a, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id":    runID,
			"record_id": recordID,
		}).Error("Failed to get cluster assignment")
		return nil, errors.Wrap(err, "failed to get cluster assignment")
	}
	return &a, nil
}

func (r *Repository) selectBuilder() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("a.run_id", "a.record_id", "a.patient_id", sizeColumn)
	sb.From(sb.As(table, "a"))
	sb.OrderBy("a.run_id", "a.patient_id", "a.record_id")
	return sb
}

func (r *Repository) selectAssignments(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.ClusterAssignment, error) {
	query, args := sb.Build()
	assignments := []models.ClusterAssignment{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &assignments, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list cluster assignments")
		return nil, errors.Wrap(err, "failed to list cluster assignments")
	}
	return assignments, nil
}
