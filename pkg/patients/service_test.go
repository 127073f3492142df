package patients

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/store/memory"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/models"
)

func newTestService(t *testing.T) (*Service, *memory.Store, int64) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	merged := "1"
	for _, p := range []models.Patient{
		{RecordID: "1", FirstName: "Ion", LastName: "Pop", Email: "ion@x.com"},
		{RecordID: "2", FirstName: "Ion", LastName: "Popescu", Email: "ion.popescu@x.com"},
		{RecordID: "3", FirstName: "Ioana", LastName: "Pop"},
		{RecordID: "4", FirstName: "Maria", LastName: "Ionescu"},
		{RecordID: "5", FirstName: "Ion", LastName: "Pop", IsDeleted: true, MergedInto: &merged},
		{RecordID: "6", FirstName: "Dan", LastName: "Gol", IsDeleted: true},
		{RecordID: "7", FirstName: "Ion", LastName: "Popa"},
	} {
		require.NoError(t, st.CreatePatient(ctx, &p))
	}

	run := &models.DedupeRun{ModelVersion: "heuristic-v1", Strategy: models.BlockingKey, ClusterSeq: 3}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NoError(t, st.SaveAssignments(ctx, []models.ClusterAssignment{
		{RunID: run.ID, RecordID: "1", PatientID: "P00001"},
		{RunID: run.ID, RecordID: "2", PatientID: "P00001"},
		{RunID: run.ID, RecordID: "3", PatientID: "P00002"},
		{RunID: run.ID, RecordID: "4", PatientID: "P00003"},
	}))
	require.NoError(t, st.InsertLinks(ctx, []models.Link{
		{RunID: run.ID, RecordID1: "1", RecordID2: "2", Score: 0.91, Decision: models.DecisionMatch, Reason: models.ReasonHeurLink},
		{RunID: run.ID, RecordID1: "1", RecordID2: "3", Score: 0.74, Decision: models.DecisionReview, Reason: models.ReasonHeurReview},
		{RunID: run.ID, RecordID1: "2", RecordID2: "3", Score: 0.78, Decision: models.DecisionReview, Reason: models.ReasonHeurReview},
		{RunID: run.ID, RecordID1: "1", RecordID2: "4", Score: 0.31, Decision: models.DecisionNonMatch, Reason: models.ReasonHeurBelow},
	}))

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewService(logger, st, locks.NewKeyedMutex()), st, run.ID
}

func TestService_Get(t *testing.T) {
	ctx := context.Background()
	svc, _, runID := newTestService(t)

	t.Run("should list match and review links ordered by decision", func(t *testing.T) {
		got, err := svc.Get(ctx, "1", &runID)
		require.NoError(t, err)

		require.NotNil(t, got.Patient.ClusterID)
		assert.Equal(t, "P00001", *got.Patient.ClusterID)
		require.Len(t, got.Duplicates, 2)

		assert.Equal(t, "2", got.Duplicates[0].OtherRecordID)
		assert.Equal(t, models.DecisionMatch, got.Duplicates[0].Decision)
		require.NotNil(t, got.Duplicates[0].OtherPatient)
		assert.Equal(t, "Popescu", got.Duplicates[0].OtherPatient.LastName)

		assert.Equal(t, "3", got.Duplicates[1].OtherRecordID)
		assert.Equal(t, models.DecisionReview, got.Duplicates[1].Decision)
		require.NotNil(t, got.Duplicates[1].ClusterID)
		assert.Equal(t, "P00002", *got.Duplicates[1].ClusterID)
	})

	t.Run("should default to the latest run", func(t *testing.T) {
		got, err := svc.Get(ctx, "4", nil)
		require.NoError(t, err)
		assert.Equal(t, "P00003", *got.Patient.ClusterID)
		assert.Empty(t, got.Duplicates)
	})

	t.Run("should return not found", func(t *testing.T) {
		_, err := svc.Get(ctx, "99", nil)
		assert.True(t, errors.IsKind(err, errors.KindNotFound))

		missingRun := int64(42)
		_, err = svc.Get(ctx, "1", &missingRun)
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
	})

	t.Run("should work before any run", func(t *testing.T) {
		st := memory.New()
		require.NoError(t, st.CreatePatient(ctx, &models.Patient{RecordID: "1", FirstName: "Ion"}))
		empty := NewService(svc.logger, st, locks.NewKeyedMutex())

		got, err := empty.Get(ctx, "1", nil)
		require.NoError(t, err)
		assert.Nil(t, got.Patient.ClusterID)
		assert.Empty(t, got.Duplicates)
	})
}

func TestService_Search(t *testing.T) {
	ctx := context.Background()
	svc, _, runID := newTestService(t)

	t.Run("should group members by cluster", func(t *testing.T) {
		got, err := svc.Search(ctx, " ion pop ", &runID, 0)
		require.NoError(t, err)

		// 1 and 2 share P00001, 7 has no cluster, 5 is merged away
		require.Len(t, got, 2)

		assert.Equal(t, "1", got[0].Patient.RecordID)
		assert.Equal(t, "P00001", *got[0].Patient.ClusterID)
		require.Len(t, got[0].Duplicates, 1)
		assert.Equal(t, "3", got[0].Duplicates[0].OtherRecordID)
		assert.Equal(t, 0.78, got[0].Duplicates[0].Score)

		assert.Equal(t, "7", got[1].Patient.RecordID)
		assert.Nil(t, got[1].Patient.ClusterID)
		assert.Empty(t, got[1].Duplicates)
	})

	t.Run("should prefer the exact full name as representative", func(t *testing.T) {
		got, err := svc.Search(ctx, "ion popescu", &runID, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "2", got[0].Patient.RecordID)
	})

	t.Run("should exclude deleted records", func(t *testing.T) {
		got, err := svc.Search(ctx, "gol", &runID, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("should reject an empty name", func(t *testing.T) {
		_, err := svc.Search(ctx, "  ", nil, 0)
		assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
	})
}

func TestService_MergeHistory(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	require.NoError(t, st.AppendMergeEvent(ctx, &models.MergeEvent{SourceRecord: "5", TargetRecord: "1", Reason: "same person", PerformedBy: "dr.house"}))
	require.NoError(t, st.AppendMergeEvent(ctx, &models.MergeEvent{SourceRecord: "9", TargetRecord: "1", Reason: "hard delete"}))

	tests := []struct {
		name     string
		recordID string
		want     []string
		kind     errors.Kind
	}{
		{name: "master sees every event", recordID: "1", want: []string{"5", "9"}},
		{name: "merged source", recordID: "5", want: []string{"5"}},
		{name: "hard deleted source keeps history", recordID: "9", want: []string{"9"}},
		{name: "record without merges", recordID: "4", want: []string{}},
		{name: "unknown record", recordID: "404", kind: errors.KindNotFound},
		{name: "empty id", recordID: "", kind: errors.KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := svc.MergeHistory(ctx, tt.recordID)
			if tt.kind != "" {
				assert.True(t, errors.IsKind(err, tt.kind), "got %v", err)
				return
			}
			require.NoError(t, err)
			sources := make([]string, 0, len(events))
			for _, e := range events {
				sources = append(sources, e.SourceRecord)
			}
			assert.Equal(t, tt.want, sources)
		})
	}
}

func TestRelevance(t *testing.T) {
	tests := []struct {
		name    string
		patient models.Patient
		needle  string
		want    int
	}{
		{name: "exact full name", patient: models.Patient{FirstName: "Ion", LastName: "Pop"}, needle: "ion pop", want: 110},
		{name: "first name only", patient: models.Patient{FirstName: "Ion", LastName: "Pop"}, needle: "ion", want: 15},
		{name: "in both names", patient: models.Patient{FirstName: "Ion", LastName: "Ionescu"}, needle: "ion", want: 20},
		{name: "no overlap", patient: models.Patient{FirstName: "Dan", LastName: "Gol"}, needle: "ion", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relevance(tt.patient, tt.needle))
		})
	}
}

func TestService_Ingest(t *testing.T) {
	ctx := context.Background()
	reject := true
	redirect := false

	tests := []struct {
		name    string
		req     models.IngestRequest
		want    models.IngestResponse
		wantErr errors.Kind
		check   func(t *testing.T, st *memory.Store)
	}{
		{
			name: "inserts and updates",
			req: models.IngestRequest{
				Source: "clinic-a",
				Patients: []models.PatientInput{
					{RecordID: "10", FirstName: "Elena", LastName: "Rusu", DateOfBirth: "03/04/1985"},
					{RecordID: "4", FirstName: "Maria", LastName: "Ionescu", Email: "Maria@X.com"},
				},
			},
			want: models.IngestResponse{Inserted: 1, Updated: 1},
			check: func(t *testing.T, st *memory.Store) {
				p, err := st.GetPatient(ctx, "10")
				require.NoError(t, err)
				assert.Equal(t, "1985-03-04", p.DateOfBirth)
				assert.Equal(t, "clinic-a", p.Source)

				p, err = st.GetPatient(ctx, "4")
				require.NoError(t, err)
				assert.Equal(t, "maria@x.com", p.Email)
			},
		},
		{
			name:    "rejects updates to merged records",
			req:     models.IngestRequest{RejectMerged: &reject, Patients: []models.PatientInput{{RecordID: "5", FirstName: "Ion"}}},
			wantErr: errors.KindConflict,
		},
		{
			name:    "rejects merged by default",
			req:     models.IngestRequest{Patients: []models.PatientInput{{RecordID: "11", FirstName: "New"}, {RecordID: "5", FirstName: "Ion"}}},
			wantErr: errors.KindConflict,
			check: func(t *testing.T, st *memory.Store) {
				_, err := st.GetPatient(ctx, "11")
				assert.True(t, errors.IsKind(err, errors.KindNotFound), "batch should roll back")
			},
		},
		{
			name: "redirects merged records to the master",
			req:  models.IngestRequest{RejectMerged: &redirect, Patients: []models.PatientInput{{RecordID: "5", FirstName: "Ion", LastName: "Pop", Email: "ion.new@x.com"}}},
			want: models.IngestResponse{Updated: 1, Redirected: []string{"5"}},
			check: func(t *testing.T, st *memory.Store) {
				master, err := st.GetPatient(ctx, "1")
				require.NoError(t, err)
				assert.Equal(t, "ion.new@x.com", master.Email)

				merged, err := st.GetPatient(ctx, "5")
				require.NoError(t, err)
				assert.Empty(t, merged.Email)
			},
		},
		{
			name: "restores deleted records on request",
			req:  models.IngestRequest{RestoreDeleted: true, Patients: []models.PatientInput{{RecordID: "6", FirstName: "Dan", LastName: "Gol"}}},
			want: models.IngestResponse{Updated: 1, Restored: 1},
			check: func(t *testing.T, st *memory.Store) {
				p, err := st.GetPatient(ctx, "6")
				require.NoError(t, err)
				assert.True(t, p.IsActive())
				assert.Nil(t, p.DeletedAt)
			},
		},
		{
			name: "keeps deleted records deleted otherwise",
			req:  models.IngestRequest{Patients: []models.PatientInput{{RecordID: "6", FirstName: "Dan", LastName: "Gol"}}},
			want: models.IngestResponse{Updated: 1},
			check: func(t *testing.T, st *memory.Store) {
				p, err := st.GetPatient(ctx, "6")
				require.NoError(t, err)
				assert.True(t, p.IsDeleted)
			},
		},
		{
			name:    "requires record ids",
			req:     models.IngestRequest{Patients: []models.PatientInput{{FirstName: "Nobody"}}},
			wantErr: errors.KindInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, _ := newTestService(t)

			got, err := svc.Ingest(ctx, tt.req)
			if tt.wantErr != "" {
				assert.True(t, errors.IsKind(err, tt.wantErr), "got %v", err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, *got)
			}
			if tt.check != nil {
				tt.check(t, st)
			}
		})
	}
}
