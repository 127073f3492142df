// Package patients serves record lookups, name search and bulk upserts.
package patients

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultSearchLimit = 50

type Service struct {
	store  store.Store
	locker locks.Locker
	logger ectologger.Logger
}

func NewService(logger ectologger.Logger, st store.Store, locker locks.Locker) *Service {
	return &Service{
		store:  st,
		locker: locker,
		logger: logger,
	}
}

// resolveRun returns the requested run, the latest run, or nil when none exists.
func (s *Service) resolveRun(ctx context.Context, runID *int64) (*models.DedupeRun, error) {
	if runID != nil {
		return s.store.GetRun(ctx, *runID)
	}
	run, err := s.store.LatestRun(ctx)
	if errors.IsKind(err, errors.KindNotFound) {
		return nil, nil
	}
	return run, err
}

// Get returns the record with its cluster and its match / review links in the run.
func (s *Service) Get(ctx context.Context, recordID string, runID *int64) (*models.PatientWithDuplicates, error) {
	ctx, span := tracing.StartSpan(ctx, "patients.Service.Get")
	defer span.End()

	p, err := s.store.GetPatient(ctx, recordID)
	if err != nil {
		return nil, err
	}
	run, err := s.resolveRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	group := []models.Patient{*p}
	clusters, err := s.clusters(ctx, run, []string{recordID})
	if err != nil {
		return nil, err
	}
	dups, err := s.duplicates(ctx, run, group)
	if err != nil {
		return nil, err
	}
	return &models.PatientWithDuplicates{
		Patient:    models.PatientView{Patient: *p, ClusterID: clusters[recordID]},
		Duplicates: dups,
	}, nil
}

// MergeHistory returns the merge events naming the record as source or
// target, oldest first. Hard-deleted records keep their history.
func (s *Service) MergeHistory(ctx context.Context, recordID string) ([]models.MergeEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "patients.Service.MergeHistory")
	defer span.End()

	if recordID == "" {
		return nil, errors.InvalidField("record_id", "is required")
	}
	events, err := s.store.ListMergeEvents(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		return events, nil
	}
	if _, err := s.store.GetPatient(ctx, recordID); err != nil {
		return nil, err
	}
	return events, nil
}

// Search finds records by name and returns one entry per cluster. The entry
// shows the member closest to the query and the links of every member.
func (s *Service) Search(ctx context.Context, name string, runID *int64, limit int) ([]models.PatientWithDuplicates, error) {
	ctx, span := tracing.StartSpan(ctx, "patients.Service.Search")
	defer span.End()

	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil, errors.InvalidField("name", "must not be empty")
	}

	found, err := s.store.SearchByName(ctx, needle, limit)
	if err != nil {
		return nil, err
	}
	run, err := s.resolveRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(found))
	for i := range found {
		ids[i] = found[i].RecordID
	}
	clusters, err := s.clusters(ctx, run, ids)
	if err != nil {
		return nil, err
	}

	var order []string
	groups := make(map[string][]models.Patient)
	for _, p := range found {
		key := "record:" + p.RecordID
		if cid := clusters[p.RecordID]; cid != nil {
			key = "cluster:" + *cid
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p)
	}

	results := make([]models.PatientWithDuplicates, 0, len(order))
	for _, key := range order {
		members := groups[key]
		rep := representative(members, needle)

		dups, err := s.duplicates(ctx, run, members)
		if err != nil {
			return nil, err
		}
		results = append(results, models.PatientWithDuplicates{
			Patient:    models.PatientView{Patient: rep, ClusterID: clusters[rep.RecordID]},
			Duplicates: dups,
		})
	}
	return results, nil
}

// relevance ranks how naturally a record answers the query.
func relevance(p models.Patient, needle string) int {
	first := strings.ToLower(p.FirstName)
	last := strings.ToLower(p.LastName)
	full := strings.TrimSpace(first + " " + last)

	score := 0
	if needle == full {
		score += 100
	}
	if strings.Contains(full, needle) {
		score += 10
	}
	if strings.Contains(first, needle) {
		score += 5
	}
	if strings.Contains(last, needle) {
		score += 5
	}
	return score
}

func representative(members []models.Patient, needle string) models.Patient {
	best := members[0]
	bestScore := relevance(best, needle)
	for _, m := range members[1:] {
		score := relevance(m, needle)
		if score > bestScore || (score == bestScore && m.RecordID < best.RecordID) {
			best, bestScore = m, score
		}
	}
	return best
}

// clusters maps record ids to their cluster in run. Unclustered ids map to nil.
func (s *Service) clusters(ctx context.Context, run *models.DedupeRun, recordIDs []string) (map[string]*string, error) {
	out := make(map[string]*string, len(recordIDs))
	if run == nil || len(recordIDs) == 0 {
		return out, nil
	}
	assignments, err := s.store.AssignmentsFor(ctx, recordIDs)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if a.RunID == run.ID {
			pid := a.PatientID
			out[a.RecordID] = &pid
		}
	}
	return out, nil
}

// duplicates collects the match and review links of members in run, keeps
// the best link per outside record and orders them match first, then by score.
func (s *Service) duplicates(ctx context.Context, run *models.DedupeRun, members []models.Patient) ([]models.DuplicateHit, error) {
	if run == nil {
		return []models.DuplicateHit{}, nil
	}

	memberSet := make(map[string]bool, len(members))
	ids := make([]string, len(members))
	for i, m := range members {
		memberSet[m.RecordID] = true
		ids[i] = m.RecordID
	}

	links, err := s.store.LinksTouching(ctx, ids)
	if err != nil {
		return nil, err
	}

	best := make(map[string]models.Link)
	for _, l := range links {
		if l.RunID != run.ID || l.Decision == models.DecisionNonMatch {
			continue
		}
		other := l.RecordID2
		if !memberSet[l.RecordID1] {
			other = l.RecordID1
		}
		if memberSet[other] {
			continue
		}
		if cur, ok := best[other]; !ok || outranks(l, cur) {
			best[other] = l
		}
	}

	others := make([]string, 0, len(best))
	for id := range best {
		others = append(others, id)
	}
	sort.Slice(others, func(i, j int) bool {
		a, b := best[others[i]], best[others[j]]
		if outranks(a, b) != outranks(b, a) {
			return outranks(a, b)
		}
		return others[i] < others[j]
	})

	patients, err := s.store.GetPatients(ctx, others)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Patient, len(patients))
	for _, p := range patients {
		byID[p.RecordID] = p
	}
	clusters, err := s.clusters(ctx, run, others)
	if err != nil {
		return nil, err
	}

	out := make([]models.DuplicateHit, 0, len(others))
	for _, id := range others {
		l := best[id]
		dup := models.DuplicateHit{
			OtherRecordID: id,
			Decision:      l.Decision,
			Score:         l.Score,
			Reason:        l.Reason,
			Components:    l.Components,
			ClusterID:     clusters[id],
		}
		if p, ok := byID[id]; ok {
			dup.OtherPatient = &models.PatientView{Patient: p, ClusterID: clusters[id]}
		}
		out = append(out, dup)
	}
	return out, nil
}

func outranks(a, b models.Link) bool {
	if a.Decision.Severity() != b.Decision.Severity() {
		return a.Decision.Severity() < b.Decision.Severity()
	}
	return a.Score > b.Score
}

// Ingest upserts a batch atomically. Updates to a merged record are rejected
// or redirected to its master; deleted records are restored on request.
func (s *Service) Ingest(ctx context.Context, req models.IngestRequest) (*models.IngestResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "patients.Service.Ingest")
	defer span.End()

	ids := make([]string, 0, len(req.Patients))
	for i, in := range req.Patients {
		id := strings.TrimSpace(in.RecordID)
		if id == "" {
			return nil, errors.InvalidField(fmt.Sprintf("patients[%d].record_id", i), "is required for ingest")
		}
		ids = append(ids, id)
	}

	unlock, err := s.locker.Lock(ctx, locks.RecordKeys(ids...)...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	resp := &models.IngestResponse{}
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		*resp = models.IngestResponse{}
		for _, in := range req.Patients {
			if err := s.upsert(ctx, in, req, resp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"inserted":   resp.Inserted,
		"updated":    resp.Updated,
		"restored":   resp.Restored,
		"redirected": len(resp.Redirected),
		"source":     req.Source,
	}).Info("Ingested patients")
	return resp, nil
}

func (s *Service) upsert(ctx context.Context, in models.PatientInput, req models.IngestRequest, resp *models.IngestResponse) error {
	incoming := in.ToPatient()
	incoming.Source = req.Source
	normalizers.CanonicalizePatient(&incoming)

	existing, err := s.store.GetPatient(ctx, incoming.RecordID)
	if errors.IsKind(err, errors.KindNotFound) {
		if err := s.store.CreatePatient(ctx, &incoming); err != nil {
			return err
		}
		resp.Inserted++
		return nil
	}
	if err != nil {
		return err
	}

	target := existing
	if existing.MergedInto != nil && *existing.MergedInto != "" {
		master := *existing.MergedInto
		if req.ShouldRejectMerged() {
			return errors.Newf(errors.KindConflict, "record %s was merged into %s; update rejected", existing.RecordID, master).
				WithRecord(existing.RecordID)
		}
		target, err = s.store.GetPatient(ctx, master)
		if errors.IsKind(err, errors.KindNotFound) {
			return errors.Newf(errors.KindConflict, "record %s references missing master %s", existing.RecordID, master).
				WithRecord(existing.RecordID)
		}
		if err != nil {
			return err
		}
		resp.Redirected = append(resp.Redirected, existing.RecordID)
	}

	if target.IsDeleted && req.RestoreDeleted {
		target.IsDeleted = false
		target.DeletedAt = nil
		resp.Restored++
	}

	overwrite(target, &incoming)
	if err := s.store.UpdatePatient(ctx, target); err != nil {
		return err
	}
	resp.Updated++
	return nil
}

// overwrite copies the demographic fields of src onto dst, keeping dst's identity and lifecycle.
func overwrite(dst, src *models.Patient) {
	dst.OriginalRecordID = src.OriginalRecordID
	dst.FirstName = src.FirstName
	dst.LastName = src.LastName
	dst.Gender = src.Gender
	dst.DateOfBirth = src.DateOfBirth
	dst.Address = src.Address
	dst.City = src.City
	dst.County = src.County
	dst.SSN = src.SSN
	dst.PhoneNumber = src.PhoneNumber
	dst.Email = src.Email
	if src.Source != "" {
		dst.Source = src.Source
	}
}
