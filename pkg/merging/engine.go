// Package merging folds duplicate patient records into a master while keeping
// links and cluster assignments consistent with the surviving record.
package merging

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultReason = "manual merge"

type Engine struct {
	store     store.Store
	locker    locks.Locker
	logger    ectologger.Logger
	emitter   *events.Emitter
	projector *graph.Projector
	nowFn     func() time.Time
}

// NewEngine builds a merge engine. emitter and projector may be nil.
func NewEngine(logger ectologger.Logger, st store.Store, locker locks.Locker, emitter *events.Emitter, projector *graph.Projector) *Engine {
	return &Engine{
		store:     st,
		locker:    locker,
		logger:    logger,
		emitter:   emitter,
		projector: projector,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// Merge folds req.DuplicateRecordIDs into req.MasterRecordID. Duplicates that
// are missing or already inactive are skipped and reported, not raised.
func (e *Engine) Merge(ctx context.Context, req models.MergeRequest, performedBy string) (*models.MergeResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Merge")
	defer span.End()

	dupIDs, err := e.validate(req)
	if err != nil {
		metrics.RecordMerge("rejected", 0)
		return nil, err
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"master_record_id": req.MasterRecordID,
		"duplicates":       len(dupIDs),
		"hard_delete":      req.HardDelete,
	})

	unlock, err := e.locker.Lock(ctx, locks.RecordKeys(append([]string{req.MasterRecordID}, dupIDs...)...)...)
	if err != nil {
		metrics.RecordMerge("lock_failed", 0)
		return nil, err
	}
	defer unlock()

	var resp *models.MergeResponse
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		var txErr error
		resp, txErr = e.merge(ctx, req, dupIDs, performedBy)
		return txErr
	})
	if err != nil {
		metrics.RecordMerge("failed", 0)
		log.WithError(err).Warn("Merge failed")
		return nil, err
	}

	metrics.RecordMerge("success", len(resp.MergedRecordIDs))
	log.WithFields(map[string]any{
		"merged":           len(resp.MergedRecordIDs),
		"skipped":          len(resp.SkippedIDs),
		"updated_links":    resp.UpdatedLinks,
		"updated_clusters": resp.UpdatedClusters,
	}).Info("Merged records")

	e.emitter.PatientsMerged(ctx, *resp, req.HardDelete)
	if err := e.projector.ProjectMerge(ctx, resp.MasterRecordID, resp.MergedRecordIDs); err != nil {
		log.WithError(err).Warn("Failed to project merge into graph")
	}

	return resp, nil
}

// validate checks what can be checked without reading the store and returns
// the sorted, de-duplicated duplicate ids.
func (e *Engine) validate(req models.MergeRequest) ([]string, error) {
	if req.MasterRecordID == "" {
		return nil, errors.InvalidField("master_record_id", "is required")
	}
	if len(req.DuplicateRecordIDs) == 0 {
		return nil, errors.InvalidField("duplicate_record_ids", "at least one duplicate is required")
	}

	seen := make(map[string]struct{}, len(req.DuplicateRecordIDs))
	ids := make([]string, 0, len(req.DuplicateRecordIDs))
	for _, id := range req.DuplicateRecordIDs {
		if id == "" {
			return nil, errors.InvalidField("duplicate_record_ids", "ids must not be empty")
		}
		if id == req.MasterRecordID {
			return nil, errors.New(errors.KindConsistencyViolation, "a record cannot be merged into itself").WithRecord(id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if err := validateOverrides(req.Overrides); err != nil {
		return nil, err
	}
	return ids, nil
}

func (e *Engine) merge(ctx context.Context, req models.MergeRequest, dupIDs []string, performedBy string) (*models.MergeResponse, error) {
	master, err := e.store.GetPatient(ctx, req.MasterRecordID)
	if err != nil {
		return nil, err
	}
	if !master.IsActive() {
		return nil, errors.New(errors.KindConsistencyViolation, "master record is not active").WithRecord(master.RecordID)
	}

	// read before any mutation: hard deletes cascade to assignment rows
	assignments, err := e.store.AssignmentsFor(ctx, append([]string{master.RecordID}, dupIDs...))
	if err != nil {
		return nil, err
	}

	merged, skipped, err := e.retire(ctx, req, master.RecordID, dupIDs, performedBy)
	if err != nil {
		return nil, err
	}

	resp := &models.MergeResponse{
		MasterRecordID:  master.RecordID,
		MergedRecordIDs: merged,
		SkippedIDs:      skipped,
	}

	if len(merged) > 0 {
		clusters, updated, err := e.rewriteAssignments(ctx, master.RecordID, merged, assignments, req.HardDelete)
		if err != nil {
			return nil, err
		}
		resp.UpdatedClusters = updated

		resp.UpdatedLinks, err = e.remapLinks(ctx, master.RecordID, merged, clusters)
		if err != nil {
			return nil, err
		}
	}

	if len(req.Overrides) > 0 {
		applyOverrides(master, req.Overrides)
		normalizers.CanonicalizePatient(master)
		if err := e.store.UpdatePatient(ctx, master); err != nil {
			return nil, err
		}
	}

	resp.MasterAfter, err = e.view(ctx, master, req.RunID)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// retire marks each active duplicate inactive (or deletes it) and appends a
// merge event for it.
func (e *Engine) retire(ctx context.Context, req models.MergeRequest, masterID string, dupIDs []string, performedBy string) ([]string, []string, error) {
	found, err := e.store.GetPatients(ctx, dupIDs)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]*models.Patient, len(found))
	for i := range found {
		byID[found[i].RecordID] = &found[i]
	}

	reason := req.Reason
	if reason == "" {
		reason = DefaultReason
	}

	merged := make([]string, 0, len(dupIDs))
	skipped := make([]string, 0)
	for _, id := range dupIDs {
		dup, ok := byID[id]
		if !ok || !dup.IsActive() {
			skipped = append(skipped, id)
			continue
		}

		if req.HardDelete {
			err = e.store.DeletePatient(ctx, id)
		} else {
			now := e.nowFn()
			target := masterID
			dup.IsDeleted = true
			dup.DeletedAt = &now
			dup.MergedInto = &target
			err = e.store.UpdatePatient(ctx, dup)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to retire record %s: %w", id, err)
		}

		if err := e.store.AppendMergeEvent(ctx, &models.MergeEvent{
			SourceRecord: id,
			TargetRecord: masterID,
			RunID:        req.RunID,
			Reason:       reason,
			PerformedBy:  performedBy,
		}); err != nil {
			return nil, nil, err
		}
		merged = append(merged, id)
	}
	return merged, skipped, nil
}

// rewriteAssignments moves merged records into the master's cluster in
// every run. When the master has no cluster in a run it joins the cluster of
// the first merged record that has one. Returns run -> surviving cluster id
// and the number of rows written.
func (e *Engine) rewriteAssignments(ctx context.Context, masterID string, merged []string, before []models.ClusterAssignment, hardDelete bool) (map[int64]string, int, error) {
	isMerged := toSet(merged)
	masterCluster := make(map[int64]string)
	dupRows := make(map[int64][]models.ClusterAssignment)
	for _, a := range before {
		switch {
		case a.RecordID == masterID:
			masterCluster[a.RunID] = a.PatientID
		case isMerged[a.RecordID]:
			dupRows[a.RunID] = append(dupRows[a.RunID], a)
		}
	}

	runs := make([]int64, 0, len(dupRows))
	for runID := range dupRows {
		runs = append(runs, runID)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i] < runs[j] })

	targets := make(map[int64]string, len(masterCluster))
	for runID, pid := range masterCluster {
		targets[runID] = pid
	}

	writes := make([]models.ClusterAssignment, 0)
	for _, runID := range runs {
		rows := dupRows[runID]
		sort.Slice(rows, func(i, j int) bool { return rows[i].RecordID < rows[j].RecordID })

		target, ok := masterCluster[runID]
		if !ok {
			target = rows[0].PatientID
			targets[runID] = target
			writes = append(writes, models.ClusterAssignment{RunID: runID, RecordID: masterID, PatientID: target})
		}
		if hardDelete {
			continue
		}
		for _, a := range rows {
			if a.PatientID != target {
				writes = append(writes, models.ClusterAssignment{RunID: runID, RecordID: a.RecordID, PatientID: target})
			}
		}
	}

	if len(writes) == 0 {
		return targets, 0, nil
	}
	if err := e.store.SaveAssignments(ctx, writes); err != nil {
		return nil, 0, err
	}
	return targets, len(writes), nil
}

// remapLinks points every link endpoint held by a merged record at the
// master, drops self-loops and keeps the highest score per (run, id1, id2,
// decision). Returns how many links were remapped.
func (e *Engine) remapLinks(ctx context.Context, masterID string, merged []string, clusters map[int64]string) (int, error) {
	touching, err := e.store.LinksTouching(ctx, append([]string{masterID}, merged...))
	if err != nil {
		return 0, err
	}

	result := remap(touching, masterID, toSet(merged))
	for i := range result.add {
		l := &result.add[i]
		if pid, ok := clusters[l.RunID]; ok {
			p := pid
			if l.RecordID1 == masterID {
				l.PatientID1 = &p
			} else {
				l.PatientID2 = &p
			}
		}
	}

	if len(result.remove) == 0 && len(result.add) == 0 {
		return result.remapped, nil
	}
	if err := e.store.ReplaceLinks(ctx, result.remove, result.add); err != nil {
		return 0, err
	}
	return result.remapped, nil
}

type remapResult struct {
	remove   []int64
	add      []models.Link
	remapped int
}

func remap(links []models.Link, masterID string, merged map[string]bool) remapResult {
	type candidate struct {
		link    models.Link
		changed bool
	}

	var out remapResult
	winners := make(map[models.LinkKey]candidate)
	order := make([]models.LinkKey, 0)

	for _, l := range links {
		changed := false
		if merged[l.RecordID1] {
			l.RecordID1 = masterID
			changed = true
		}
		if merged[l.RecordID2] {
			l.RecordID2 = masterID
			changed = true
		}
		if changed {
			out.remapped++
		}
		if l.RecordID1 == l.RecordID2 {
			continue
		}
		l.Canonicalize()

		key := l.Key()
		cur, ok := winners[key]
		if !ok {
			order = append(order, key)
			winners[key] = candidate{link: l, changed: changed}
			continue
		}
		if l.Score > cur.link.Score || (l.Score == cur.link.Score && l.ID < cur.link.ID) {
			winners[key] = candidate{link: l, changed: changed}
		}
	}

	kept := make(map[int64]bool, len(winners))
	for _, key := range order {
		w := winners[key]
		if !w.changed {
			kept[w.link.ID] = true
			continue
		}
		w.link.ID = 0
		out.add = append(out.add, w.link)
	}

	for _, l := range links {
		if !kept[l.ID] {
			out.remove = append(out.remove, l.ID)
		}
	}
	return out
}

// view projects a patient with its cluster in runID, or in the latest run
// when runID is nil.
func (e *Engine) view(ctx context.Context, p *models.Patient, runID *int64) (models.PatientView, error) {
	out := models.PatientView{Patient: *p}

	var id int64
	if runID != nil {
		id = *runID
	} else {
		run, err := e.store.LatestRun(ctx)
		if errors.IsKind(err, errors.KindNotFound) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		id = run.ID
	}

	a, err := e.store.GetAssignment(ctx, id, p.RecordID)
	if err != nil {
		return out, err
	}
	if a != nil {
		pid := a.PatientID
		out.ClusterID = &pid
	}
	return out, nil
}

// Preview compares the master with its prospective duplicates field by field.
// Missing duplicates are left out.
func (e *Engine) Preview(ctx context.Context, masterID string, dupIDs []string) (*models.MergePreview, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Preview")
	defer span.End()

	master, err := e.store.GetPatient(ctx, masterID)
	if err != nil {
		return nil, err
	}

	others := make([]string, 0, len(dupIDs))
	for _, id := range dupIDs {
		if id != masterID {
			others = append(others, id)
		}
	}
	dups, err := e.store.GetPatients(ctx, others)
	if err != nil {
		return nil, err
	}

	records := append([]models.Patient{*master}, dups...)
	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].RecordID
	}

	identical, conflicts := compare(records)
	return &models.MergePreview{
		MasterRecordID: masterID,
		RecordIDs:      ids,
		Identical:      identical,
		Conflicts:      conflicts,
	}, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
