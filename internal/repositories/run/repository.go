package run

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "dedupe_runs"

// columns excludes the vectorizer, which is only read through GetVectorizer.
var columns = []string{
	"id", "created_at", "model_version", "strategy", "cluster_seq",
	"record_count", "link_count", "cluster_count",
}

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

func notFound(runID int64) *errors.ResolutionError {
	return errors.Newf(errors.KindNotFound, "run %d not found", runID)
}

// Create inserts the run and fills in its id and creation time.
func (r *Repository) Create(ctx context.Context, run *models.DedupeRun) error {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.Create")
	defer span.End()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("model_version", "strategy", "cluster_seq", "record_count", "link_count", "cluster_count", "vectorizer")
	ib.Values(run.ModelVersion, run.Strategy, run.ClusterSeq, run.RecordCount, run.LinkCount, run.ClusterCount, jsonValue(run.Vectorizer))

	query, args := ib.Build()
	query += " RETURNING id, created_at"

	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&run.ID, &run.CreatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create dedupe run")
		return errors.Wrap(err, "failed to create dedupe run")
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, run *models.DedupeRun) error {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.Update")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("model_version", run.ModelVersion),
		ub.Assign("strategy", run.Strategy),
		ub.Assign("cluster_seq", run.ClusterSeq),
		ub.Assign("record_count", run.RecordCount),
		ub.Assign("link_count", run.LinkCount),
		ub.Assign("cluster_count", run.ClusterCount),
		ub.Assign("vectorizer", jsonValue(run.Vectorizer)),
	)
	ub.Where(ub.Equal("id", run.ID))

	query, args := ub.Build()
	query += " RETURNING created_at"

	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&run.CreatedAt); err != nil {
		if database.IsNoRows(err) {
			return notFound(run.ID)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("run_id", run.ID).Error("Failed to update dedupe run")
		return errors.Wrap(err, "failed to update dedupe run")
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, runID int64) (*models.DedupeRun, error) {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", runID))

	run, err := r.getOne(ctx, sb)
	if database.IsNoRows(err) {
		return nil, notFound(runID)
	}
	return run, err
}

func (r *Repository) Latest(ctx context.Context) (*models.DedupeRun, error) {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.Latest")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.OrderBy("id").Desc()
	sb.Limit(1)

	run, err := r.getOne(ctx, sb)
	if database.IsNoRows(err) {
		return nil, errors.New(errors.KindNotFound, "no dedupe run found")
	}
	return run, err
}

func (r *Repository) getOne(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.DedupeRun, error) {
	query, args := sb.Build()
	var run models.DedupeRun
	if err := database.Conn(ctx, r.db).GetContext(ctx, &run, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get dedupe run")
		return nil, errors.Wrap(err, "failed to get dedupe run")
	}
	return &run, nil
}

// List returns runs newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.DedupeRun, error) {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.OrderBy("id").Desc()
	if limit > 0 {
		sb.Limit(limit)
	}
	if offset > 0 {
		sb.Offset(offset)
	}

	query, args := sb.Build()
	runs := []models.DedupeRun{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list dedupe runs")
		return nil, errors.Wrap(err, "failed to list dedupe runs")
	}
	return runs, nil
}

// GetVectorizer returns the serialized vectorizer, or the JSON literal null when the run has none.
func (r *Repository) GetVectorizer(ctx context.Context, runID int64) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.GetVectorizer")
	defer span.End()

	query := `SELECT COALESCE(vectorizer, 'null'::JSONB)::TEXT FROM dedupe_runs WHERE id = $1`

	var raw string
	if err := database.Conn(ctx, r.db).GetContext(ctx, &raw, query, runID); err != nil {
		if database.IsNoRows(err) {
			return nil, notFound(runID)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("run_id", runID).Error("Failed to load vectorizer")
		return nil, errors.Wrap(err, "failed to load vectorizer")
	}
	return json.RawMessage(raw), nil
}

// NextClusterSeq increments the run's cluster counter in place and returns the new value.
func (r *Repository) NextClusterSeq(ctx context.Context, runID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.NextClusterSeq")
	defer span.End()

	query := `UPDATE dedupe_runs SET cluster_seq = cluster_seq + 1 WHERE id = $1 RETURNING cluster_seq`

	var seq int64
	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, runID).Scan(&seq); err != nil {
		if database.IsNoRows(err) {
			return 0, notFound(runID)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("run_id", runID).Error("Failed to allocate cluster id")
		return 0, errors.Wrap(err, "failed to allocate cluster id")
	}
	return seq, nil
}

func jsonValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
