// Package blocking generates the candidate pairs that the scorer compares.
// Two strategies are available: shared blocking keys, or nearest neighbours
// in the TF-IDF embedding space.
package blocking

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/embedding"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Pair is an unordered candidate pair with ID1 < ID2.
type Pair struct {
	ID1 string
	ID2 string
}

// NewPair orders a and b.
func NewPair(a, b string) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{ID1: a, ID2: b}
}

// Config controls candidate generation.
type Config struct {
	Strategy         models.BlockingStrategy
	Neighbors        int // K for the embedding strategy
	PhoneBlockDigits int // trailing phone digits used as a key
	MaxBlockSize     int // 0 means unlimited
	Workers          int
}

// DefaultConfig returns key blocking with the default limits.
func DefaultConfig() Config {
	return Config{
		Strategy:         models.BlockingKey,
		Neighbors:        embedding.DefaultNeighbors,
		PhoneBlockDigits: 3,
		MaxBlockSize:     0,
	}
}

func (c Config) Validate() error {
	switch c.Strategy {
	case models.BlockingKey, models.BlockingEmbedding:
	default:
		return fmt.Errorf("unknown blocking strategy %q", c.Strategy)
	}
	if c.Neighbors <= 0 {
		return fmt.Errorf("neighbors must be positive, got %d", c.Neighbors)
	}
	if c.PhoneBlockDigits <= 0 {
		return fmt.Errorf("phone block digits must be positive, got %d", c.PhoneBlockDigits)
	}
	if c.MaxBlockSize < 0 {
		return fmt.Errorf("max block size must not be negative, got %d", c.MaxBlockSize)
	}
	return nil
}

// Blocker generates candidate pairs.
type Blocker struct {
	logger ectologger.Logger
	config Config
}

func NewBlocker(logger ectologger.Logger, config Config) *Blocker {
	return &Blocker{logger: logger, config: config}
}

func (b *Blocker) Config() Config {
	return b.config
}

// Candidates dispatches to the configured strategy. vectors is only read by
// the embedding strategy and must align with records.
func (b *Blocker) Candidates(ctx context.Context, records []models.NormalizedRecord, vectors []similarity.Vector) ([]Pair, error) {
	switch b.config.Strategy {
	case models.BlockingEmbedding:
		return b.Embedding(ctx, records, vectors)
	default:
		return b.Keys(ctx, records)
	}
}

// Keys pairs every two records that share at least one blocking key.
func (b *Blocker) Keys(ctx context.Context, records []models.NormalizedRecord) ([]Pair, error) {
	_, span := tracing.StartSpan(ctx, "blocking.Blocker.Keys")
	defer span.End()

	blocks := make(map[string][]int)
	order := make([]string, 0)
	for i := range records {
		for _, key := range b.keys(&records[i]) {
			if _, ok := blocks[key]; !ok {
				order = append(order, key)
			}
			blocks[key] = append(blocks[key], i)
		}
	}

	seen := make(map[Pair]struct{})
	for _, key := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		members := blocks[key]
		if b.config.MaxBlockSize > 0 && len(members) > b.config.MaxBlockSize {
			b.logger.WithContext(ctx).WithFields(map[string]any{
				"key":  key,
				"size": len(members),
				"cap":  b.config.MaxBlockSize,
			}).Warn("Blocking key exceeds max block size, truncating")
			members = members[:b.config.MaxBlockSize]
		}
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				id1, id2 := records[members[x]].RecordID, records[members[y]].RecordID
				if id1 == id2 {
					continue
				}
				seen[NewPair(id1, id2)] = struct{}{}
			}
		}
	}

	pairs := sortedPairs(seen)
	b.logger.WithContext(ctx).WithFields(map[string]any{
		"records": len(records),
		"blocks":  len(blocks),
		"pairs":   len(pairs),
	}).Debug("Key blocking complete")
	return pairs, nil
}

// keys lists the blocking keys of one record, prefixed by rule.
func (b *Blocker) keys(r *models.NormalizedRecord) []string {
	keys := make([]string, 0, 5)
	if r.DOB != "" {
		keys = append(keys, "dob:"+r.DOB)
	}
	if len(r.Phone) >= b.config.PhoneBlockDigits {
		keys = append(keys, "phone:"+r.Phone[len(r.Phone)-b.config.PhoneBlockDigits:])
	}
	if r.EmailDomain != "" {
		keys = append(keys, "domain:"+r.EmailDomain)
	}
	if ln := []rune(r.LastName); len(ln) > 0 {
		keys = append(keys, "ln2:"+string(ln[:min(2, len(ln))]))
	}
	if r.SSN != "" {
		keys = append(keys, "ssn:"+r.SSN)
	}
	return keys
}

// Embedding pairs every record with its top-K cosine neighbours.
func (b *Blocker) Embedding(ctx context.Context, records []models.NormalizedRecord, vectors []similarity.Vector) ([]Pair, error) {
	ctx, span := tracing.StartSpan(ctx, "blocking.Blocker.Embedding")
	defer span.End()

	if len(vectors) != len(records) {
		return nil, fmt.Errorf("embedding blocking needs one vector per record: %d records, %d vectors", len(records), len(vectors))
	}

	neighbors, err := embedding.NewIndex(vectors).TopK(ctx, b.config.Neighbors, b.config.Workers)
	if err != nil {
		return nil, err
	}

	seen := make(map[Pair]struct{})
	for i, hits := range neighbors {
		for _, h := range hits {
			id1, id2 := records[i].RecordID, records[h.Index].RecordID
			if id1 == id2 {
				continue
			}
			seen[NewPair(id1, id2)] = struct{}{}
		}
	}

	pairs := sortedPairs(seen)
	b.logger.WithContext(ctx).WithFields(map[string]any{
		"records":   len(records),
		"neighbors": b.config.Neighbors,
		"pairs":     len(pairs),
	}).Debug("Embedding blocking complete")
	return pairs, nil
}

// Against returns the members of population that could match target: they
// share a blocking key, the exact email, or one name contains the other.
// Population order is preserved and target itself is skipped.
func (b *Blocker) Against(target models.NormalizedRecord, population []models.NormalizedRecord) []models.NormalizedRecord {
	targetKeys := make(map[string]struct{})
	for _, k := range b.keys(&target) {
		targetKeys[k] = struct{}{}
	}
	phone4 := ""
	if len(target.Phone) >= 4 {
		phone4 = target.Phone[len(target.Phone)-4:]
	}

	out := make([]models.NormalizedRecord, 0)
	for i := range population {
		cand := &population[i]
		if cand.RecordID == target.RecordID {
			continue
		}
		if b.related(&target, cand, targetKeys, phone4) {
			out = append(out, *cand)
		}
	}
	return out
}

func (b *Blocker) related(target, cand *models.NormalizedRecord, targetKeys map[string]struct{}, phone4 string) bool {
	for _, k := range b.keys(cand) {
		if _, ok := targetKeys[k]; ok {
			return true
		}
	}
	if target.Email != "" && target.Email == cand.Email {
		return true
	}
	if phone4 != "" && strings.HasSuffix(cand.Phone, phone4) {
		return true
	}
	return nameContains(target, cand)
}

// nameContains reports whether the candidate's first, last or full name
// contains the corresponding part of the target.
func nameContains(target, cand *models.NormalizedRecord) bool {
	if target.FirstName != "" && strings.Contains(cand.FirstName, target.FirstName) {
		return true
	}
	if target.LastName != "" && strings.Contains(cand.LastName, target.LastName) {
		return true
	}
	full := strings.ToLower(target.FullName)
	return full != "" && strings.Contains(strings.ToLower(cand.FullName), full)
}

func sortedPairs(set map[Pair]struct{}) []Pair {
	pairs := make([]Pair, 0, len(set))
	for p := range set {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].ID1 != pairs[j].ID1 {
			return pairs[i].ID1 < pairs[j].ID1
		}
		return pairs[i].ID2 < pairs[j].ID2
	})
	return pairs
}
