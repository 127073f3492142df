package patient

import (
	"context"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "patients"

var columns = []string{
	"record_id", "original_record_id", "first_name", "last_name", "gender", "date_of_birth",
	"address", "city", "county", "ssn", "phone_number", "email", "source",
	"is_deleted", "deleted_at", "merged_into", "created_at", "updated_at",
}

// activeCondition matches records that take part in clustering.
const activeCondition = "is_deleted = FALSE AND merged_into IS NULL"

// Repository handles patient persistence
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

func (r *Repository) Get(ctx context.Context, recordID string) (*models.Patient, error) {
	ctx, span := tracing.StartSpan(ctx, "patient.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("record_id", recordID))

	query, args := sb.Build()
	var p models.Patient
	if err := database.Conn(ctx, r.db).GetContext(ctx, &p, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, errors.NotFound(recordID)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("record_id", recordID).Error("Failed to get patient")
		return nil, errors.Wrap(err, "failed to get patient")
	}
	return &p, nil
}

// GetMany returns the records that exist among recordIDs, ordered by id.
func (r *Repository) GetMany(ctx context.Context, recordIDs []string) ([]models.Patient, error) {
	ctx, span := tracing.StartSpan(ctx, "patient.Repository.GetMany")
	defer span.End()

	if len(recordIDs) == 0 {
		return []models.Patient{}, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.In("record_id", sqlbuilder.Flatten(recordIDs)...))
	sb.OrderBy("record_id")

	return r.selectPatients(ctx, sb, "Failed to get patients")
}

func (r *Repository) ListActive(ctx context.Context) ([]models.Patient, error) {
	ctx, span := tracing.StartSpan(ctx, "patient.Repository.ListActive")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(activeCondition)
	sb.OrderBy("record_id")

	return r.selectPatients(ctx, sb, "Failed to list active patients")
}

func (r *Repository) Create(ctx context.Context, p *models.Patient) error {
	ctx, span := tracing.StartSpan(ctx, "patient.Repository.Create")
	defer span.End()

	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(r.values(p)...)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Newf(errors.KindConflict, "record_id %s already exists", p.RecordID).WithRecord(p.RecordID)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("record_id", p.RecordID).Error("Failed to create patient")
		return errors.Wrap(err, "failed to create patient")
	}
	return nil
}

// Update overwrites every mutable column. CreatedAt is read back from the row.
func (r *Repository) Update(ctx context.Context, p *models.Patient) error {
	ctx, span := tracing.StartSpan(ctx, "patient.Repository.Update")
	defer span.End()

	p.UpdatedAt = time.Now().UTC()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("original_record_id", p.OriginalRecordID),
		ub.Assign("first_name", p.FirstName),
		ub.Assign("last_name", p.LastName),
		ub.Assign("gender", p.Gender),
		ub.Assign("date_of_birth", p.DateOfBirth),
		ub.Assign("address", p.Address),
		ub.Assign("city", p.City),
		ub.Assign("county", p.County),
		ub.Assign("ssn", p.SSN),
		ub.Assign("phone_number", p.PhoneNumber),
		ub.Assign("email", p.Email),
		ub.Assign("source", p.Source),
		ub.Assign("is_deleted", p.IsDeleted),
		ub.Assign("deleted_at", p.DeletedAt),
		ub.Assign("merged_into", nullable(p.MergedInto)),
		ub.Assign("updated_at", p.UpdatedAt),
	)
	ub.Where(ub.Equal("record_id", p.RecordID))

	query, args := ub.Build()
	query += " RETURNING created_at"

	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&p.CreatedAt); err != nil {
		if database.IsNoRows(err) {
			return errors.NotFound(p.RecordID)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("record_id", p.RecordID).Error("Failed to update patient")
		return errors.Wrap(err, "failed to update patient")
	}
	return nil
}

// Delete removes the row. Cluster assignments go with it (ON DELETE CASCADE).
func (r *Repository) Delete(ctx context.Context, recordID string) error {
	ctx, span := tracing.StartSpan(ctx, "patient.Repository.Delete")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(table)
	db.Where(db.Equal("record_id", recordID))

	query, args := db.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("record_id", recordID).Error("Failed to delete patient")
		return errors.Wrap(err, "failed to delete patient")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NotFound(recordID)
	}
	return nil
}

// MaxNumericRecordID returns the largest record id that parses as an integer, or 0.
func (r *Repository) MaxNumericRecordID(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "patient.Repository.MaxNumericRecordID")
	defer span.End()

	query := `SELECT COALESCE(MAX(record_id::BIGINT), 0) FROM patients WHERE record_id ~ '^[0-9]{1,18}$'`

	var maxID int64
	if err := database.Conn(ctx, r.db).GetContext(ctx, &maxID, query); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read max record id")
		return 0, errors.Wrap(err, "failed to read max record id")
	}
	return maxID, nil
}

// CandidatePool returns active records matching any populated criterion.
// Exact-key matches are loaded uncapped first; the broad fallback fills in
// up to q.Limit further records.
func (r *Repository) CandidatePool(ctx context.Context, q store.CandidateQuery) ([]models.Patient, error) {
	ctx, span := tracing.StartSpan(ctx, "patient.Repository.CandidatePool")
	defer span.End()

	pool := []models.Patient{}
	if exact := q.Exact(); !exact.Empty() {
		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select(columns...)
		sb.From(table)
		sb.Where(activeCondition, sb.Or(candidateCriteria(sb, exact)...))
		sb.OrderBy("record_id")

		found, err := r.selectPatients(ctx, sb, "Failed to load exact intake candidates")
		if err != nil {
			return nil, err
		}
		pool = append(pool, found...)
	}

	broad := q.Broad()
	if broad.Empty() {
		return pool, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(activeCondition, sb.Or(candidateCriteria(sb, broad)...))
	if len(pool) > 0 {
		seen := make([]any, len(pool))
		for i, p := range pool {
			seen[i] = p.RecordID
		}
		sb.Where(sb.NotIn("record_id", seen...))
	}
	sb.OrderBy("record_id")
	if broad.Limit > 0 {
		sb.Limit(broad.Limit)
	}

	found, err := r.selectPatients(ctx, sb, "Failed to load intake candidates")
	if err != nil {
		return nil, err
	}
	return append(pool, found...), nil
}

func candidateCriteria(sb *sqlbuilder.SelectBuilder, q store.CandidateQuery) []string {
	var criteria []string
	if q.Email != "" {
		criteria = append(criteria, sb.Equal("LOWER(email)", q.Email))
	}
	if q.EmailDomain != "" {
		criteria = append(criteria, sb.Like("LOWER(email)", "%@"+escapeLike(q.EmailDomain)))
	}
	if q.SSN != "" {
		criteria = append(criteria, sb.Equal("ssn", q.SSN))
	}
	if q.PhoneSuffix != "" {
		criteria = append(criteria, sb.Like(`REGEXP_REPLACE(phone_number, '\D', '', 'g')`, "%"+escapeLike(q.PhoneSuffix)))
	}
	if q.DOB != "" {
		criteria = append(criteria, sb.Equal("date_of_birth", q.DOB))
	}
	if q.FirstName != "" {
		criteria = append(criteria, sb.Like("LOWER(first_name)", contains(q.FirstName)))
	}
	if q.LastName != "" {
		criteria = append(criteria, sb.Like("LOWER(last_name)", contains(q.LastName)))
	}
	if q.FullName != "" {
		criteria = append(criteria, sb.Like("LOWER(first_name || ' ' || last_name)", contains(q.FullName)))
	}
	return criteria
}

// SearchByName matches first, last or full name by substring, skipping deleted
// (and so merged) records.
func (r *Repository) SearchByName(ctx context.Context, name string, limit int) ([]models.Patient, error) {
	ctx, span := tracing.StartSpan(ctx, "patient.Repository.SearchByName")
	defer span.End()

	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return []models.Patient{}, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		"is_deleted = FALSE",
		sb.Or(
			sb.Like("LOWER(first_name)", contains(needle)),
			sb.Like("LOWER(last_name)", contains(needle)),
			sb.Like("LOWER(first_name || ' ' || last_name)", contains(needle)),
		),
	)
	sb.OrderBy("record_id")
	if limit > 0 {
		sb.Limit(limit)
	}

	return r.selectPatients(ctx, sb, "Failed to search patients by name")
}

func (r *Repository) selectPatients(ctx context.Context, sb *sqlbuilder.SelectBuilder, failure string) ([]models.Patient, error) {
	query, args := sb.Build()
	patients := []models.Patient{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &patients, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error(failure)
		return nil, errors.Wrap(err, "failed to load patients")
	}
	return patients, nil
}

func (r *Repository) values(p *models.Patient) []any {
	return []any{
		p.RecordID, p.OriginalRecordID, p.FirstName, p.LastName, p.Gender, p.DateOfBirth,
		p.Address, p.City, p.County, p.SSN, p.PhoneNumber, p.Email, p.Source,
		p.IsDeleted, p.DeletedAt, nullable(p.MergedInto), p.CreatedAt, p.UpdatedAt,
	}
}

// nullable stores an empty merged_into as NULL so the active index applies.
func nullable(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func contains(s string) string {
	return "%" + escapeLike(strings.ToLower(s)) + "%"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
