// Package matching scores candidate pairs and turns scores into match,
// review or non-match decisions.
package matching

import (
	"context"
	"math"
	"runtime"
	"sort"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// CosineFunc returns the embedding similarity of two records, or 0 when unknown.
type CosineFunc func(id1, id2 string) float64

// Engine implements pair scoring
type Engine struct {
	logger ectologger.Logger
	config Config
}

// NewEngine validates config and creates an engine.
func NewEngine(logger ectologger.Logger, config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.InvalidField("matching", err.Error())
	}
	return &Engine{logger: logger, config: config}, nil
}

func (e *Engine) Config() Config {
	return e.config
}

// Components computes every similarity component for a and b.
func (e *Engine) Components(a, b *models.NormalizedRecord, cosEmb float64) models.Components {
	c := models.Components{
		Name:       similarity.Name(a.FullName, b.FullName),
		DOB:        similarity.DOB(a.DOB, b.DOB),
		Email:      similarity.Email(a.Email, b.Email),
		Phone:      similarity.Phone(a.Phone, b.Phone, e.config.PhoneMatchDigits),
		Address:    similarity.Address(a.Address, b.Address),
		Gender:     similarity.Gender(a.Gender, b.Gender),
		SameDomain: similarity.SameDomain(a.Email, b.Email),
		CosEmb:     math.Max(0, math.Min(1, cosEmb)),
	}
	if similarity.SSNHard(a.SSN, b.SSN) {
		c.SSNHard = 1
	}
	return c
}

// Heuristic is the weighted sum of the components plus the synergy bonus, capped at 1.
func (e *Engine) Heuristic(c models.Components) float64 {
	w := e.config.Weights
	s := w.Name*c.Name +
		w.Email*c.Email +
		w.Phone*c.Phone +
		w.Address*c.Address +
		w.DOB*c.DOB +
		w.SameDomain*c.SameDomain +
		w.CosEmb*c.CosEmb +
		w.Gender*c.Gender
	if c.SameDomain == 1 && c.Name >= e.config.SynergyNameMin {
		s += e.config.SynergyBonus
	}
	return math.Min(1, s)
}

// Decide maps a score to a decision and its reason.
func (e *Engine) Decide(score float64) (models.Decision, models.Reason) {
	switch {
	case score >= e.config.LinkThreshold:
		return models.DecisionMatch, models.ReasonHeurLink
	case score >= e.config.ReviewThreshold:
		return models.DecisionReview, models.ReasonHeurReview
	default:
		return models.DecisionNonMatch, models.ReasonHeurBelow
	}
}

// Score compares two records. A national id match overrides the heuristic.
// The returned link is canonicalized and rounded; RunID is left zero.
func (e *Engine) Score(a, b *models.NormalizedRecord, cosEmb float64) models.Link {
	c := e.Components(a, b, cosEmb)

	var (
		score    float64
		decision models.Decision
		reason   models.Reason
	)
	if c.SSNHard == 1 {
		score, decision, reason = 1, models.DecisionMatch, models.ReasonSSNHard
	} else {
		score = e.Heuristic(c)
		decision, reason = e.Decide(score)
	}

	link := models.Link{
		RecordID1:  a.RecordID,
		RecordID2:  b.RecordID,
		Score:      similarity.Round4(score),
		Decision:   decision,
		Reason:     reason,
		Components: roundComponents(c),
	}
	link.Canonicalize()
	return link
}

func roundComponents(c models.Components) models.Components {
	return models.Components{
		Name:       similarity.Round4(c.Name),
		DOB:        similarity.Round4(c.DOB),
		Email:      similarity.Round4(c.Email),
		Phone:      similarity.Round4(c.Phone),
		Address:    similarity.Round4(c.Address),
		Gender:     similarity.Round4(c.Gender),
		SSNHard:    similarity.Round4(c.SSNHard),
		SameDomain: similarity.Round4(c.SameDomain),
		CosEmb:     similarity.Round4(c.CosEmb),
	}
}

// ScorePairs scores every candidate pair in parallel and returns the links
// sorted by SortLinks. Self pairs and pairs naming unknown records are skipped.
func (e *Engine) ScorePairs(ctx context.Context, pairs []blocking.Pair, records map[string]*models.NormalizedRecord, cosine CosineFunc) ([]models.Link, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.ScorePairs")
	defer span.End()

	workers := e.config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]*models.Link, len(pairs))
	chunk := (len(pairs) + workers - 1) / workers
	if chunk == 0 {
		chunk = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(pairs); start += chunk {
		end := min(start+chunk, len(pairs))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				p := pairs[i]
				if p.ID1 == p.ID2 {
					continue
				}
				a, okA := records[p.ID1]
				b, okB := records[p.ID2]
				if !okA || !okB {
					continue
				}
				cos := 0.0
				if cosine != nil {
					cos = cosine(p.ID1, p.ID2)
				}
				link := e.Score(a, b, cos)
				results[i] = &link
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	links := make([]models.Link, 0, len(results))
	for _, l := range results {
		if l != nil {
			links = append(links, *l)
		}
	}
	SortLinks(links)

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"pairs":   len(pairs),
		"links":   len(links),
		"workers": workers,
	}).Debug("Scored candidate pairs")
	return links, nil
}

// SortLinks orders links by decision (match, review, non-match), score
// descending, then record ids.
func SortLinks(links []models.Link) {
	sort.SliceStable(links, func(i, j int) bool {
		a, b := links[i], links[j]
		if a.Decision.Severity() != b.Decision.Severity() {
			return a.Decision.Severity() < b.Decision.Severity()
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.RecordID1 != b.RecordID1 {
			return a.RecordID1 < b.RecordID1
		}
		return a.RecordID2 < b.RecordID2
	})
}

// Tally counts links per decision.
func Tally(links []models.Link) map[models.Decision]int {
	counts := map[models.Decision]int{
		models.DecisionMatch:    0,
		models.DecisionReview:   0,
		models.DecisionNonMatch: 0,
	}
	for _, l := range links {
		counts[l.Decision]++
	}
	return counts
}
