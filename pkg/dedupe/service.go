// Package dedupe runs full entity resolution over the active population:
// blocking, scoring and clustering, then persists the run atomically.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/clustering"
	"github.com/Ramsey-B/fern/pkg/embedding"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Service struct {
	store     store.Store
	engine    *matching.Engine
	blocking  blocking.Config
	logger    ectologger.Logger
	emitter   *events.Emitter
	projector *graph.Projector
}

// NewService builds the run service. emitter and projector may be nil.
func NewService(logger ectologger.Logger, st store.Store, engine *matching.Engine, blockingConfig blocking.Config, emitter *events.Emitter, projector *graph.Projector) *Service {
	return &Service{
		store:     st,
		engine:    engine,
		blocking:  blockingConfig,
		logger:    logger,
		emitter:   emitter,
		projector: projector,
	}
}

// Run resolves the current active population and persists the run, its
// links and its cluster assignments in one transaction. The fitted
// vectorizer is stored on the run so intake can score against it.
func (s *Service) Run(ctx context.Context, req models.RunRequest) (*models.RunSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupe.Service.Run")
	defer span.End()

	start := time.Now()
	cfg := s.blocking
	if req.Strategy != "" {
		cfg.Strategy = req.Strategy
	}
	if req.Neighbors > 0 {
		cfg.Neighbors = req.Neighbors
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.InvalidField("strategy", err.Error())
	}

	log := s.logger.WithContext(ctx).WithField("strategy", string(cfg.Strategy))

	summary, snapshot, err := s.run(ctx, cfg)
	if err != nil {
		metrics.RecordRun(string(cfg.Strategy), "failed", time.Since(start).Seconds())
		log.WithError(err).Error("Dedupe run failed")
		return nil, err
	}
	metrics.RecordRun(string(cfg.Strategy), "success", time.Since(start).Seconds())

	log.WithFields(map[string]any{
		"run_id":      summary.RunID,
		"records":     summary.Records,
		"candidates":  summary.Candidates,
		"matches":     summary.Matches,
		"reviews":     summary.Reviews,
		"clusters":    summary.Clusters,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Dedupe run completed")

	s.emitter.RunCompleted(ctx, *summary)
	if err := s.projector.ProjectRun(ctx, summary.RunID, snapshot.patients, snapshot.assignments, snapshot.links); err != nil {
		log.WithError(err).Warn("Failed to project run into graph")
	}

	return summary, nil
}

type snapshot struct {
	patients    []models.Patient
	assignments []models.ClusterAssignment
	links       []models.Link
}

func (s *Service) run(ctx context.Context, cfg blocking.Config) (*models.RunSummary, *snapshot, error) {
	patients, err := s.store.ListActivePatients(ctx)
	if err != nil {
		return nil, nil, err
	}
	records := normalizers.NormalizeRecords(patients)

	vectorizer, vectors, err := fit(records)
	if err != nil {
		return nil, nil, err
	}

	pairs, err := blocking.NewBlocker(s.logger, cfg).Candidates(ctx, records, vectors)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*models.NormalizedRecord, len(records))
	index := make(map[string]int, len(records))
	ids := make([]string, len(records))
	for i := range records {
		byID[records[i].RecordID] = &records[i]
		index[records[i].RecordID] = i
		ids[i] = records[i].RecordID
	}
	cosine := func(id1, id2 string) float64 {
		return similarity.Cosine(vectors[index[id1]], vectors[index[id2]])
	}

	links, err := s.engine.ScorePairs(ctx, pairs, byID, cosine)
	if err != nil {
		return nil, nil, err
	}

	model, err := vectorizer.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode vectorizer: %w", err)
	}

	run := &models.DedupeRun{
		ModelVersion: s.engine.Config().ModelVersion,
		Strategy:     cfg.Strategy,
	}
	var result clustering.Result
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateRun(ctx, run); err != nil {
			return err
		}
		for i := range links {
			links[i].RunID = run.ID
		}

		result = clustering.Cluster(run.ID, ids, links)
		clustering.AnnotateLinks(links, result.ByRecord())

		if err := s.store.InsertLinks(ctx, links); err != nil {
			return err
		}
		if err := s.store.SaveAssignments(ctx, result.Assignments); err != nil {
			return err
		}

		run.ClusterSeq = result.MaxSeq
		run.RecordCount = len(records)
		run.LinkCount = len(links)
		run.ClusterCount = len(result.Clusters)
		run.Vectorizer = model
		return s.store.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, nil, err
	}

	tally := matching.Tally(links)
	counts := make(map[string]int, len(tally))
	for d, n := range tally {
		counts[string(d)] = n
	}
	metrics.RecordDecisions(counts)

	summary := &models.RunSummary{
		RunID:        run.ID,
		Strategy:     cfg.Strategy,
		Records:      len(records),
		Candidates:   len(pairs),
		Links:        len(links),
		Matches:      tally[models.DecisionMatch],
		Reviews:      tally[models.DecisionReview],
		Clusters:     len(result.Clusters),
		ClusterSeq:   result.MaxSeq,
		ModelVersion: run.ModelVersion,
	}
	return summary, &snapshot{patients: patients, assignments: result.Assignments, links: links}, nil
}

// fit trains the char n-gram vectorizer on the population. It is fitted for
// both strategies since intake scores cos_emb against the persisted model.
func fit(records []models.NormalizedRecord) (*embedding.Vectorizer, []similarity.Vector, error) {
	vectorizer, err := embedding.NewVectorizer(embedding.DefaultMinN, embedding.DefaultMaxN)
	if err != nil {
		return nil, nil, err
	}
	texts := make([]string, len(records))
	for i := range records {
		texts[i] = embedding.Text(records[i])
	}
	return vectorizer, vectorizer.FitTransform(texts), nil
}
