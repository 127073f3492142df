package link

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	table     = "links"
	batchSize = 1000
)

var insertColumns = []string{
	"run_id", "record_id1", "record_id2", "score", "decision", "reason", "patient_id1", "patient_id2",
	"s_name", "s_dob", "s_email", "s_phone", "s_address", "s_gender", "s_ssn_hard_match", "s_same_domain", "s_cos_emb",
}

var columns = append([]string{"id"}, insertColumns...)

// upsertClause keeps the higher scored row per (run, id1, id2, decision).
var upsertClause = func() string {
	sets := make([]string, 0, len(insertColumns))
	for _, c := range insertColumns[3:] {
		sets = append(sets, database.Excluded(c))
	}
	return fmt.Sprintf("ON CONFLICT (run_id, record_id1, record_id2, decision) DO UPDATE SET %s WHERE links.score < EXCLUDED.score",
		strings.Join(sets, ", "))
}()

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

// Insert upserts links in batches. IDs on the input are ignored.
func (r *Repository) Insert(ctx context.Context, links []models.Link) error {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.Insert")
	defer span.End()

	for start := 0; start < len(links); start += batchSize {
		batch := links[start:min(start+batchSize, len(links))]

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(table)
		ib.Cols(insertColumns...)
		for _, l := range batch {
			ib.Values(
				l.RunID, l.RecordID1, l.RecordID2, l.Score, l.Decision, l.Reason, l.PatientID1, l.PatientID2,
				l.Name, l.DOB, l.Email, l.Phone, l.Address, l.Gender, l.SSNHard, l.SameDomain, l.CosEmb,
			)
		}
		ib.SQL(upsertClause)

		query, args := ib.Build()
		if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("count", len(batch)).Error("Failed to insert links")
			return errors.Wrap(err, "failed to insert links")
		}
	}

	r.logger.WithContext(ctx).WithField("count", len(links)).Debug("Inserted links")
	return nil
}

func (r *Repository) List(ctx context.Context, filter models.LinkFilter) ([]models.Link, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)

	var where []string
	if filter.RunID != 0 {
		where = append(where, sb.Equal("run_id", filter.RunID))
	}
	if filter.Decision != "" {
		where = append(where, sb.Equal("decision", filter.Decision))
	}
	if filter.RecordID != "" {
		where = append(where, sb.Or(
			sb.Equal("record_id1", filter.RecordID),
			sb.Equal("record_id2", filter.RecordID),
		))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("id")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	return r.selectLinks(ctx, sb)
}

// Touching returns links in any run with an endpoint in recordIDs.
func (r *Repository) Touching(ctx context.Context, recordIDs []string) ([]models.Link, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.Touching")
	defer span.End()

	if len(recordIDs) == 0 {
		return []models.Link{}, nil
	}

	ids := sqlbuilder.Flatten(recordIDs)
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Or(
		sb.In("record_id1", ids...),
		sb.In("record_id2", ids...),
	))
	sb.OrderBy("id")

	return r.selectLinks(ctx, sb)
}

// Replace deletes removeIDs then upserts add, in the caller's transaction when there is one.
func (r *Repository) Replace(ctx context.Context, removeIDs []int64, add []models.Link) error {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.Replace")
	defer span.End()

	if len(removeIDs) > 0 {
		db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
		db.DeleteFrom(table)
		db.Where(db.In("id", sqlbuilder.Flatten(removeIDs)...))

		query, args := db.Build()
		if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("count", len(removeIDs)).Error("Failed to delete links")
			return errors.Wrap(err, "failed to delete links")
		}
	}

	return r.Insert(ctx, add)
}

func (r *Repository) selectLinks(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.Link, error) {
	query, args := sb.Build()
	links := []models.Link{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &links, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list links")
		return nil, errors.Wrap(err, "failed to list links")
	}
	return links, nil
}
