package mergeevent

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "merge_events"

// Repository is append-only: merge events are never updated or deleted.
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

func (r *Repository) Append(ctx context.Context, event *models.MergeEvent) error {
	ctx, span := tracing.StartSpan(ctx, "mergeevent.Repository.Append")
	defer span.End()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("source_record", "target_record", "run_id", "reason", "performed_by")
	ib.Values(event.SourceRecord, event.TargetRecord, event.RunID, event.Reason, event.PerformedBy)

	query, args := ib.Build()
	query += " RETURNING id, created_at"

	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&event.ID, &event.CreatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_record": event.SourceRecord,
			"target_record": event.TargetRecord,
		}).Error("Failed to append merge event")
		return errors.Wrap(err, "failed to append merge event")
	}
	return nil
}

// List returns events where recordID is either side, oldest first. An empty
// recordID lists everything.
func (r *Repository) List(ctx context.Context, recordID string) ([]models.MergeEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeevent.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "source_record", "target_record", "run_id", "reason", "performed_by", "created_at")
	sb.From(table)
	if recordID != "" {
		sb.Where(sb.Or(
			sb.Equal("source_record", recordID),
			sb.Equal("target_record", recordID),
		))
	}
	sb.OrderBy("id")

	query, args := sb.Build()
	events := []models.MergeEvent{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &events, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge events")
		return nil, errors.Wrap(err, "failed to list merge events")
	}
	return events, nil
}
