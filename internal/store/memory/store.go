// Package memory provides an in-memory implementation of the resolution
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

var _ store.Store = (*Store)(nil)

type txKey struct{}

// Store keeps all data behind one mutex. A transaction works on a cloned
// state while holding the lock and swaps it in on success.
type Store struct {
	mu    sync.Mutex
	state *state
	nowFn func() time.Time
}

func New() *Store {
	return &Store{
		state: newState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock.
func (s *Store) SetNow(fn func() time.Time) {
	s.nowFn = fn
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(context.WithValue(ctx, txKey{}, working)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

// do runs fn on the transaction state carried by ctx, or on the live state under the lock.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if st, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

// Patients

func (s *Store) GetPatient(ctx context.Context, recordID string) (*models.Patient, error) {
	var out *models.Patient
	err := s.do(ctx, func(st *state) error {
		p, ok := st.patients[recordID]
		if !ok {
			return errors.NotFound(recordID)
		}
		cp := clonePatient(p)
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) GetPatients(ctx context.Context, recordIDs []string) ([]models.Patient, error) {
	var out []models.Patient
	err := s.do(ctx, func(st *state) error {
		out = make([]models.Patient, 0, len(recordIDs))
		for _, id := range uniqueSorted(recordIDs) {
			if p, ok := st.patients[id]; ok {
				out = append(out, clonePatient(p))
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) ListActivePatients(ctx context.Context) ([]models.Patient, error) {
	return s.filterPatients(ctx, 0, func(p *models.Patient) bool { return p.IsActive() })
}

func (s *Store) filterPatients(ctx context.Context, limit int, keep func(p *models.Patient) bool) ([]models.Patient, error) {
	var out []models.Patient
	err := s.do(ctx, func(st *state) error {
		ids := make([]string, 0, len(st.patients))
		for id := range st.patients {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = make([]models.Patient, 0)
		for _, id := range ids {
			p := st.patients[id]
			if !keep(&p) {
				continue
			}
			out = append(out, clonePatient(p))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) CreatePatient(ctx context.Context, p *models.Patient) error {
	return s.do(ctx, func(st *state) error {
		if _, ok := st.patients[p.RecordID]; ok {
			return errors.Newf(errors.KindConflict, "record_id %s already exists", p.RecordID).WithRecord(p.RecordID)
		}
		now := s.nowFn()
		p.CreatedAt, p.UpdatedAt = now, now
		st.patients[p.RecordID] = clonePatient(*p)
		return nil
	})
}

func (s *Store) UpdatePatient(ctx context.Context, p *models.Patient) error {
	return s.do(ctx, func(st *state) error {
		existing, ok := st.patients[p.RecordID]
		if !ok {
			return errors.NotFound(p.RecordID)
		}
		p.CreatedAt = existing.CreatedAt
		p.UpdatedAt = s.nowFn()
		st.patients[p.RecordID] = clonePatient(*p)
		return nil
	})
}

func (s *Store) DeletePatient(ctx context.Context, recordID string) error {
	return s.do(ctx, func(st *state) error {
		if _, ok := st.patients[recordID]; !ok {
			return errors.NotFound(recordID)
		}
		delete(st.patients, recordID)
		for k := range st.assignments {
			if k.recordID == recordID {
				delete(st.assignments, k)
			}
		}
		return nil
	})
}

// numericID matches the ids the postgres store treats as numeric.
var numericID = regexp.MustCompile(`^[0-9]{1,18}$`)

func (s *Store) MaxNumericRecordID(ctx context.Context) (int64, error) {
	var maxID int64
	err := s.do(ctx, func(st *state) error {
		for id := range st.patients {
			if !numericID.MatchString(id) {
				continue
			}
			if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > maxID {
				maxID = n
			}
		}
		return nil
	})
	return maxID, err
}

func (s *Store) CandidatePool(ctx context.Context, q store.CandidateQuery) ([]models.Patient, error) {
	exact, broad := q.Exact(), q.Broad()

	pool := []models.Patient{}
	if !exact.Empty() {
		found, err := s.filterPatients(ctx, 0, func(p *models.Patient) bool {
			return p.IsActive() && matchesCandidate(p, exact)
		})
		if err != nil {
			return nil, err
		}
		pool = append(pool, found...)
	}
	if broad.Empty() {
		return pool, nil
	}

	seen := make(map[string]bool, len(pool))
	for _, p := range pool {
		seen[p.RecordID] = true
	}
	found, err := s.filterPatients(ctx, broad.Limit, func(p *models.Patient) bool {
		return p.IsActive() && !seen[p.RecordID] && matchesCandidate(p, broad)
	})
	if err != nil {
		return nil, err
	}
	return append(pool, found...), nil
}

func matchesCandidate(p *models.Patient, q store.CandidateQuery) bool {
	email := strings.ToLower(p.Email)
	first := strings.ToLower(p.FirstName)
	last := strings.ToLower(p.LastName)
	switch {
	case q.Email != "" && email == q.Email:
	case q.EmailDomain != "" && strings.HasSuffix(email, "@"+q.EmailDomain):
	case q.SSN != "" && p.SSN == q.SSN:
	case q.PhoneSuffix != "" && strings.HasSuffix(normalizers.DigitsOnly(p.PhoneNumber), q.PhoneSuffix):
	case q.DOB != "" && p.DateOfBirth == q.DOB:
	case q.FirstName != "" && strings.Contains(first, q.FirstName):
	case q.LastName != "" && strings.Contains(last, q.LastName):
	case q.FullName != "" && strings.Contains(first+" "+last, q.FullName):
	default:
		return false
	}
	return true
}

func (s *Store) SearchByName(ctx context.Context, name string, limit int) ([]models.Patient, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return []models.Patient{}, nil
	}
	return s.filterPatients(ctx, limit, func(p *models.Patient) bool {
		if p.IsDeleted {
			return false
		}
		first, last := strings.ToLower(p.FirstName), strings.ToLower(p.LastName)
		return strings.Contains(first, needle) || strings.Contains(last, needle) ||
			strings.Contains(first+" "+last, needle)
	})
}

// Runs

func (s *Store) CreateRun(ctx context.Context, run *models.DedupeRun) error {
	return s.do(ctx, func(st *state) error {
		st.nextRunID++
		run.ID = st.nextRunID
		run.CreatedAt = s.nowFn()
		st.runs[run.ID] = cloneRun(*run)
		return nil
	})
}

func (s *Store) UpdateRun(ctx context.Context, run *models.DedupeRun) error {
	return s.do(ctx, func(st *state) error {
		existing, ok := st.runs[run.ID]
		if !ok {
			return runNotFound(run.ID)
		}
		run.CreatedAt = existing.CreatedAt
		st.runs[run.ID] = cloneRun(*run)
		return nil
	})
}

func runNotFound(runID int64) *errors.ResolutionError {
	return errors.Newf(errors.KindNotFound, "run %d not found", runID)
}

func (s *Store) GetRun(ctx context.Context, runID int64) (*models.DedupeRun, error) {
	var out *models.DedupeRun
	err := s.do(ctx, func(st *state) error {
		r, ok := st.runs[runID]
		if !ok {
			return runNotFound(runID)
		}
		cp := cloneRun(r)
		cp.Vectorizer = nil
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) LatestRun(ctx context.Context) (*models.DedupeRun, error) {
	var latest int64
	_ = s.do(ctx, func(st *state) error {
		for id := range st.runs {
			latest = max(latest, id)
		}
		return nil
	})
	if latest == 0 {
		return nil, errors.New(errors.KindNotFound, "no dedupe run found")
	}
	return s.GetRun(ctx, latest)
}

func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]models.DedupeRun, error) {
	var out []models.DedupeRun
	err := s.do(ctx, func(st *state) error {
		ids := make([]int64, 0, len(st.runs))
		for id := range st.runs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
		out = make([]models.DedupeRun, 0)
		for _, id := range page(ids, limit, offset) {
			r := cloneRun(st.runs[id])
			r.Vectorizer = nil
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *Store) GetVectorizer(ctx context.Context, runID int64) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.do(ctx, func(st *state) error {
		r, ok := st.runs[runID]
		if !ok {
			return runNotFound(runID)
		}
		out = append(json.RawMessage(nil), r.Vectorizer...)
		return nil
	})
	return out, err
}

func (s *Store) NextClusterSeq(ctx context.Context, runID int64) (int64, error) {
	var seq int64
	err := s.do(ctx, func(st *state) error {
		r, ok := st.runs[runID]
		if !ok {
			return runNotFound(runID)
		}
		r.ClusterSeq++
		st.runs[runID] = r
		seq = r.ClusterSeq
		return nil
	})
	return seq, err
}

// Links

func (s *Store) InsertLinks(ctx context.Context, links []models.Link) error {
	return s.do(ctx, func(st *state) error {
		for _, l := range links {
			st.upsertLink(l)
		}
		return nil
	})
}

func (s *Store) ListLinks(ctx context.Context, filter models.LinkFilter) ([]models.Link, error) {
	return s.selectLinks(ctx, filter.Limit, filter.Offset, func(l *models.Link) bool {
		if filter.RunID != 0 && l.RunID != filter.RunID {
			return false
		}
		if filter.Decision != "" && l.Decision != filter.Decision {
			return false
		}
		if filter.RecordID != "" && l.RecordID1 != filter.RecordID && l.RecordID2 != filter.RecordID {
			return false
		}
		return true
	})
}

func (s *Store) LinksTouching(ctx context.Context, recordIDs []string) ([]models.Link, error) {
	set := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		set[id] = struct{}{}
	}
	return s.selectLinks(ctx, 0, 0, func(l *models.Link) bool {
		_, a := set[l.RecordID1]
		_, b := set[l.RecordID2]
		return a || b
	})
}

func (s *Store) selectLinks(ctx context.Context, limit, offset int, keep func(l *models.Link) bool) ([]models.Link, error) {
	var out []models.Link
	err := s.do(ctx, func(st *state) error {
		ids := make([]int64, 0, len(st.links))
		for id, l := range st.links {
			if keep(&l) {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = make([]models.Link, 0)
		for _, id := range page(ids, limit, offset) {
			out = append(out, cloneLink(st.links[id]))
		}
		return nil
	})
	return out, err
}

func (s *Store) ReplaceLinks(ctx context.Context, removeIDs []int64, add []models.Link) error {
	return s.do(ctx, func(st *state) error {
		for _, id := range removeIDs {
			st.deleteLink(id)
		}
		for _, l := range add {
			st.upsertLink(l)
		}
		return nil
	})
}

// Cluster assignments

func (s *Store) SaveAssignments(ctx context.Context, assignments []models.ClusterAssignment) error {
	return s.do(ctx, func(st *state) error {
		for _, a := range assignments {
			a.Size = 0
			st.assignments[assignmentKey{runID: a.RunID, recordID: a.RecordID}] = a
		}
		return nil
	})
}

func (s *Store) ListAssignments(ctx context.Context, runID int64) ([]models.ClusterAssignment, error) {
	return s.selectAssignments(ctx, func(a *models.ClusterAssignment) bool { return a.RunID == runID })
}

func (s *Store) AssignmentsFor(ctx context.Context, recordIDs []string) ([]models.ClusterAssignment, error) {
	set := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		set[id] = struct{}{}
	}
	return s.selectAssignments(ctx, func(a *models.ClusterAssignment) bool {
		_, ok := set[a.RecordID]
		return ok
	})
}

func (s *Store) GetAssignment(ctx context.Context, runID int64, recordID string) (*models.ClusterAssignment, error) {
	var out *models.ClusterAssignment
	err := s.do(ctx, func(st *state) error {
		a, ok := st.assignments[assignmentKey{runID: runID, recordID: recordID}]
		if !ok {
			return nil
		}
		a = st.withSize(a, st.clusterSizes())
		out = &a
		return nil
	})
	return out, err
}

func (s *Store) selectAssignments(ctx context.Context, keep func(a *models.ClusterAssignment) bool) ([]models.ClusterAssignment, error) {
	var out []models.ClusterAssignment
	err := s.do(ctx, func(st *state) error {
		sizes := st.clusterSizes()
		out = make([]models.ClusterAssignment, 0)
		for _, a := range st.assignments {
			if keep(&a) {
				out = append(out, st.withSize(a, sizes))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		if out[i].PatientID != out[j].PatientID {
			return out[i].PatientID < out[j].PatientID
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, err
}

// Merge events

func (s *Store) AppendMergeEvent(ctx context.Context, event *models.MergeEvent) error {
	return s.do(ctx, func(st *state) error {
		st.nextEventID++
		event.ID = st.nextEventID
		event.CreatedAt = s.nowFn()
		st.events = append(st.events, *event)
		return nil
	})
}

func (s *Store) ListMergeEvents(ctx context.Context, recordID string) ([]models.MergeEvent, error) {
	var out []models.MergeEvent
	err := s.do(ctx, func(st *state) error {
		out = make([]models.MergeEvent, 0)
		for _, e := range st.events {
			if recordID == "" || e.SourceRecord == recordID || e.TargetRecord == recordID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func uniqueSorted(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
