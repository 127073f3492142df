// Package intake checks a single new record against the stored population
// before admitting it, without re-running full resolution.
package intake

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	gocache "github.com/patrickmn/go-cache"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/embedding"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultCandidateLimit = 500
	DefaultVectorizerTTL  = 30 * time.Minute

	maxDuplicateHits = 3
	maxReviewHits    = 10
)

type Config struct {
	CandidateLimit int
	VectorizerTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{CandidateLimit: DefaultCandidateLimit, VectorizerTTL: DefaultVectorizerTTL}
}

// Request is one intake check.
type Request struct {
	Patient models.PatientInput
	// RunID selects the run whose clusters and vectorizer are used; nil means the latest run.
	RunID               *int64
	ForceCreateOnReview bool
	// AttachTo makes a created record join this record's cluster instead of a new one.
	AttachTo string
}

type Matcher struct {
	store   store.Store
	engine  *matching.Engine
	blocker *blocking.Blocker
	locker  locks.Locker
	logger  ectologger.Logger
	emitter *events.Emitter
	config  Config
	cache   *gocache.Cache
}

// NewMatcher builds an intake matcher. emitter may be nil.
func NewMatcher(logger ectologger.Logger, st store.Store, engine *matching.Engine, blocker *blocking.Blocker, locker locks.Locker, emitter *events.Emitter, config Config) *Matcher {
	if config.CandidateLimit <= 0 {
		config.CandidateLimit = DefaultCandidateLimit
	}
	if config.VectorizerTTL <= 0 {
		config.VectorizerTTL = DefaultVectorizerTTL
	}
	return &Matcher{
		store:   st,
		engine:  engine,
		blocker: blocker,
		locker:  locker,
		logger:  logger,
		emitter: emitter,
		config:  config,
		cache:   gocache.New(config.VectorizerTTL, 2*config.VectorizerTTL),
	}
}

// AddOrCheck scores the new record against its blocking candidates. It is
// created only when nothing matches and, unless forced, nothing needs review.
func (m *Matcher) AddOrCheck(ctx context.Context, req Request) (*models.IntakeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "intake.Matcher.AddOrCheck")
	defer span.End()

	start := time.Now()
	var result *models.IntakeResult
	err := m.guard(ctx, req.Patient, req.RunID, func(ctx context.Context, run *models.DedupeRun, p *models.Patient) error {
		hits, err := m.score(ctx, run, p)
		if err != nil {
			return err
		}
		result, err = m.decide(ctx, run, p, hits, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordIntake(string(result.Decision), time.Since(start).Seconds())
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"record_id":  result.RecordID,
		"decision":   string(result.Decision),
		"duplicates": len(result.Duplicates),
	}).Info("Intake decided")

	m.emitter.IntakeDecided(ctx, *result)
	return result, nil
}

// ForceAdd creates the record without any duplicate check.
func (m *Matcher) ForceAdd(ctx context.Context, input models.PatientInput, runID *int64, attachTo string) (*models.PatientView, error) {
	ctx, span := tracing.StartSpan(ctx, "intake.Matcher.ForceAdd")
	defer span.End()

	start := time.Now()
	var view *models.PatientView
	err := m.guard(ctx, input, runID, func(ctx context.Context, run *models.DedupeRun, p *models.Patient) error {
		var err error
		view, err = m.create(ctx, run, p, attachTo)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordIntake(string(models.IntakeCreated), time.Since(start).Seconds())
	m.logger.WithContext(ctx).WithField("record_id", view.RecordID).Info("Force added record")

	m.emitter.IntakeDecided(ctx, models.IntakeResult{
		Created:    true,
		RecordID:   view.RecordID,
		Decision:   models.IntakeCreated,
		PatientID:  view.ClusterID,
		Duplicates: []models.DuplicateHit{},
	})
	return view, nil
}

// guard takes the record lock, opens the transaction, resolves the run and
// the record id, then hands the canonical patient to fn.
func (m *Matcher) guard(ctx context.Context, input models.PatientInput, runID *int64, fn func(ctx context.Context, run *models.DedupeRun, p *models.Patient) error) error {
	recordID := strings.TrimSpace(input.RecordID)
	key := locks.SequenceKey
	if recordID != "" {
		key = locks.RecordKey(recordID)
	}
	unlock, err := m.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	return m.store.WithTx(ctx, func(ctx context.Context) error {
		run, err := m.resolveRun(ctx, runID)
		if err != nil {
			return err
		}

		id, err := m.recordID(ctx, recordID)
		if err != nil {
			return err
		}

		p := input.ToPatient()
		p.RecordID = id
		normalizers.CanonicalizePatient(&p)
		return fn(ctx, run, &p)
	})
}

// resolveRun returns the requested run, the latest run, or nil when no run exists yet.
func (m *Matcher) resolveRun(ctx context.Context, runID *int64) (*models.DedupeRun, error) {
	if runID != nil {
		return m.store.GetRun(ctx, *runID)
	}
	run, err := m.store.LatestRun(ctx)
	if errors.IsKind(err, errors.KindNotFound) {
		return nil, nil
	}
	return run, err
}

// recordID validates a caller supplied id or allocates max(numeric id) + 1.
func (m *Matcher) recordID(ctx context.Context, requested string) (string, error) {
	if requested == "" {
		last, err := m.store.MaxNumericRecordID(ctx)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(last+1, 10), nil
	}

	existing, err := m.store.GetPatient(ctx, requested)
	if errors.IsKind(err, errors.KindNotFound) {
		return requested, nil
	}
	if err != nil {
		return "", err
	}
	if existing.IsActive() {
		return "", errors.New(errors.KindConflict, "record_id already exists").WithRecord(requested)
	}
	return "", errors.New(errors.KindConflict, "record_id belongs to a deleted or merged record").WithRecord(requested)
}

type hit struct {
	patient models.Patient
	link    models.Link
}

// score blocks the new record against the stored population and keeps the
// match and review hits, best first.
func (m *Matcher) score(ctx context.Context, run *models.DedupeRun, p *models.Patient) ([]hit, error) {
	target := normalizers.NormalizeRecord(p)

	pool, err := m.store.CandidatePool(ctx, candidateQuery(target, m.config.CandidateLimit))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Patient, len(pool))
	for _, c := range pool {
		byID[c.RecordID] = c
	}

	candidates := m.blocker.Against(target, normalizers.NormalizeRecords(pool))
	if len(candidates) == 0 {
		return nil, nil
	}

	vectorizer, err := m.vectorizer(ctx, run)
	if err != nil {
		return nil, err
	}
	var targetVec similarity.Vector
	if vectorizer.Fitted() {
		targetVec = vectorizer.Transform(embedding.Text(target))
	}

	hits := make([]hit, 0)
	for i := range candidates {
		cand := &candidates[i]
		var cos float64
		if vectorizer.Fitted() {
			cos = similarity.Cosine(targetVec, vectorizer.Transform(embedding.Text(*cand)))
		}
		link := m.engine.Score(&target, cand, cos)
		if link.Decision == models.DecisionNonMatch {
			continue
		}
		hits = append(hits, hit{patient: byID[cand.RecordID], link: link})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].link.Score != hits[j].link.Score {
			return hits[i].link.Score > hits[j].link.Score
		}
		return hits[i].patient.RecordID < hits[j].patient.RecordID
	})
	return hits, nil
}

// candidateQuery mirrors the blocking rules as a store prefilter.
func candidateQuery(r models.NormalizedRecord, limit int) store.CandidateQuery {
	q := store.CandidateQuery{
		Email:       r.Email,
		EmailDomain: r.EmailDomain,
		SSN:         r.SSN,
		DOB:         r.DOB,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Limit:       limit,
	}
	if len(r.Phone) >= similarity.DefaultPhoneDigits {
		q.PhoneSuffix = r.Phone[len(r.Phone)-similarity.DefaultPhoneDigits:]
	}
	if r.FirstName != "" && r.LastName != "" {
		q.FullName = r.FirstName + " " + r.LastName
	}
	return q
}

// vectorizer returns the run's persisted model, cached per run. Runs without
// a model yield nil, which scores cos_emb as 0.
func (m *Matcher) vectorizer(ctx context.Context, run *models.DedupeRun) (*embedding.Vectorizer, error) {
	if run == nil {
		return nil, nil
	}
	key := strconv.FormatInt(run.ID, 10)
	if cached, ok := m.cache.Get(key); ok {
		return cached.(*embedding.Vectorizer), nil
	}

	raw, err := m.store.GetVectorizer(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	v, err := embedding.Unmarshal(raw)
	if stderrors.Is(err, embedding.ErrNoVectorizer) {
		v, err = nil, nil
	}
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("run_id", run.ID).Warn("Ignoring unreadable vectorizer")
		v = nil
	}

	m.cache.SetDefault(key, v)
	return v, nil
}

func (m *Matcher) decide(ctx context.Context, run *models.DedupeRun, p *models.Patient, hits []hit, req Request) (*models.IntakeResult, error) {
	matches := make([]hit, 0, len(hits))
	reviews := make([]hit, 0, len(hits))
	for _, h := range hits {
		if h.link.Decision == models.DecisionMatch {
			matches = append(matches, h)
		} else {
			reviews = append(reviews, h)
		}
	}

	if len(matches) > 0 {
		dups, err := m.duplicates(ctx, run, p.RecordID, matches[:min(len(matches), maxDuplicateHits)], true)
		if err != nil {
			return nil, err
		}
		return &models.IntakeResult{
			Created:    false,
			RecordID:   p.RecordID,
			Decision:   models.IntakeDuplicateFound,
			PatientID:  dups[0].ClusterID,
			Duplicates: dups,
			Message:    "This profile appears to be a duplicate of an existing patient. A profile was not created.",
		}, nil
	}

	if len(reviews) > 0 && !req.ForceCreateOnReview {
		dups, err := m.duplicates(ctx, run, p.RecordID, reviews[:min(len(reviews), maxReviewHits)], false)
		if err != nil {
			return nil, err
		}
		return &models.IntakeResult{
			Created:    false,
			RecordID:   p.RecordID,
			Decision:   models.IntakeReviewRequired,
			Duplicates: dups,
			Message:    "Possible duplicates need review. Resubmit with force_create_on_review to create the profile.",
		}, nil
	}

	view, err := m.create(ctx, run, p, req.AttachTo)
	if err != nil {
		return nil, err
	}
	return &models.IntakeResult{
		Created:    true,
		RecordID:   view.RecordID,
		Decision:   models.IntakeCreated,
		PatientID:  view.ClusterID,
		Duplicates: []models.DuplicateHit{},
	}, nil
}

func (m *Matcher) duplicates(ctx context.Context, run *models.DedupeRun, newID string, hits []hit, withPatient bool) ([]models.DuplicateHit, error) {
	out := make([]models.DuplicateHit, 0, len(hits))
	for _, h := range hits {
		cluster, err := m.clusterOf(ctx, run, h.patient.RecordID)
		if err != nil {
			return nil, err
		}
		dup := models.DuplicateHit{
			OtherRecordID: h.link.Other(newID),
			Decision:      h.link.Decision,
			Score:         h.link.Score,
			Reason:        h.link.Reason,
			Components:    h.link.Components,
			ClusterID:     cluster,
		}
		if withPatient {
			dup.OtherPatient = &models.PatientView{Patient: h.patient, ClusterID: cluster}
		}
		out = append(out, dup)
	}
	return out, nil
}

func (m *Matcher) clusterOf(ctx context.Context, run *models.DedupeRun, recordID string) (*string, error) {
	if run == nil {
		return nil, nil
	}
	a, err := m.store.GetAssignment(ctx, run.ID, recordID)
	if err != nil || a == nil {
		return nil, err
	}
	pid := a.PatientID
	return &pid, nil
}

// create persists the record and assigns it a cluster in run: attachTo's
// cluster when given, else a freshly minted one. Without a run the record
// stays unclustered until the next full run.
func (m *Matcher) create(ctx context.Context, run *models.DedupeRun, p *models.Patient, attachTo string) (*models.PatientView, error) {
	if err := m.store.CreatePatient(ctx, p); err != nil {
		return nil, err
	}

	view := &models.PatientView{Patient: *p}
	if run == nil {
		return view, nil
	}

	var pid string
	if attachTo != "" {
		a, err := m.store.GetAssignment(ctx, run.ID, attachTo)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, errors.Newf(errors.KindNotFound, "record %s has no cluster in run %d", attachTo, run.ID).WithField("attach_to")
		}
		pid = a.PatientID
	} else {
		seq, err := m.store.NextClusterSeq(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		pid = models.FormatClusterID(seq)
	}

	if err := m.store.SaveAssignments(ctx, []models.ClusterAssignment{{RunID: run.ID, RecordID: p.RecordID, PatientID: pid}}); err != nil {
		return nil, fmt.Errorf("failed to assign cluster: %w", err)
	}
	view.ClusterID = &pid
	return view, nil
}
