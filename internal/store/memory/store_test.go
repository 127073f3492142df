package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
)

func seed(t *testing.T, s *Store, patients ...models.Patient) {
	t.Helper()
	for i := range patients {
		require.NoError(t, s.CreatePatient(context.Background(), &patients[i]))
	}
}

func TestStore_Patients(t *testing.T) {
	ctx := context.Background()
	s := New()
	merged := "1"
	seed(t, s,
		models.Patient{RecordID: "1", FirstName: "Ana", LastName: "Pop", Email: "ana@x.com", PhoneNumber: "0722-123-456"},
		models.Patient{RecordID: "10", FirstName: "Ion", LastName: "Popescu", DateOfBirth: "1990-01-01"},
		models.Patient{RecordID: "2", FirstName: "Ana", LastName: "Pop", MergedInto: &merged, IsDeleted: true},
		models.Patient{RecordID: "abc", FirstName: "Maria", LastName: "Ionescu", SSN: "999"},
	)

	t.Run("should reject duplicate ids", func(t *testing.T) {
		err := s.CreatePatient(ctx, &models.Patient{RecordID: "1"})
		assert.True(t, errors.IsKind(err, errors.KindConflict))
	})

	t.Run("should return not found", func(t *testing.T) {
		_, err := s.GetPatient(ctx, "nope")
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
	})

	t.Run("should list only active patients", func(t *testing.T) {
		active, err := s.ListActivePatients(ctx)
		require.NoError(t, err)
		ids := make([]string, 0)
		for _, p := range active {
			ids = append(ids, p.RecordID)
		}
		assert.Equal(t, []string{"1", "10", "abc"}, ids)
	})

	t.Run("should compute the max numeric id", func(t *testing.T) {
		n, err := s.MaxNumericRecordID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)
	})

	t.Run("should prefilter candidates", func(t *testing.T) {
		tests := []struct {
			name  string
			query store.CandidateQuery
			want  []string
		}{
			{name: "email domain", query: store.CandidateQuery{EmailDomain: "x.com"}, want: []string{"1"}},
			{name: "phone suffix", query: store.CandidateQuery{PhoneSuffix: "3456"}, want: []string{"1"}},
			{name: "last name contains", query: store.CandidateQuery{LastName: "pop"}, want: []string{"1", "10"}},
			{name: "ssn", query: store.CandidateQuery{SSN: "999"}, want: []string{"abc"}},
			{name: "limit", query: store.CandidateQuery{LastName: "pop", Limit: 1}, want: []string{"1"}},
			{name: "exact keys ignore the limit", query: store.CandidateQuery{LastName: "pop", SSN: "999", Limit: 1}, want: []string{"abc", "1"}},
			{name: "exact match not repeated by fallback", query: store.CandidateQuery{LastName: "pop", DOB: "1990-01-01", Limit: 1}, want: []string{"10", "1"}},
			{name: "empty query", query: store.CandidateQuery{}, want: []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.CandidatePool(ctx, tt.query)
				require.NoError(t, err)
				ids := make([]string, 0)
				for _, p := range got {
					ids = append(ids, p.RecordID)
				}
				assert.Equal(t, tt.want, ids)
			})
		}
	})

	t.Run("should delete assignments with the patient", func(t *testing.T) {
		require.NoError(t, s.SaveAssignments(ctx, []models.ClusterAssignment{{RunID: 1, RecordID: "abc", PatientID: "P00001"}}))
		require.NoError(t, s.DeletePatient(ctx, "abc"))
		a, err := s.GetAssignment(ctx, 1, "abc")
		require.NoError(t, err)
		assert.Nil(t, a)
	})
}

func TestStore_MaxNumericRecordID(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		want int64
	}{
		{name: "empty", want: 0},
		{name: "mixed ids", ids: []string{"3", "12", "abc", "7"}, want: 12},
		{name: "signed ids are not numeric", ids: []string{"4", "+50", "-3"}, want: 4},
		{name: "ids past 18 digits are skipped", ids: []string{"9", "9223372036854775807"}, want: 9},
		{name: "18 digits", ids: []string{"999999999999999999"}, want: 999999999999999999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			for _, id := range tt.ids {
				seed(t, s, models.Patient{RecordID: id})
			}
			n, err := s.MaxNumericRecordID(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.CreatePatient(ctx, &models.Patient{RecordID: "1"}))
		return s.WithTx(ctx, func(ctx context.Context) error {
			require.NoError(t, s.CreatePatient(ctx, &models.Patient{RecordID: "2"}))
			return fmt.Errorf("boom")
		})
	})
	require.Error(t, err)

	_, err = s.GetPatient(ctx, "1")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context) error {
		return s.CreatePatient(ctx, &models.Patient{RecordID: "3"})
	}))
	_, err = s.GetPatient(ctx, "3")
	assert.NoError(t, err)
}

func TestStore_Links(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InsertLinks(ctx, []models.Link{
		{RunID: 1, RecordID1: "1", RecordID2: "2", Score: 0.9, Decision: models.DecisionMatch},
		{RunID: 1, RecordID1: "2", RecordID2: "3", Score: 0.75, Decision: models.DecisionReview},
		{RunID: 2, RecordID1: "4", RecordID2: "5", Score: 0.1, Decision: models.DecisionNonMatch},
	}))

	t.Run("should filter", func(t *testing.T) {
		links, err := s.ListLinks(ctx, models.LinkFilter{RunID: 1, Decision: models.DecisionReview})
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, "3", links[0].RecordID2)

		links, err = s.ListLinks(ctx, models.LinkFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, int64(2), links[0].ID)
	})

	t.Run("should keep the higher score on conflict", func(t *testing.T) {
		require.NoError(t, s.InsertLinks(ctx, []models.Link{
			{RunID: 1, RecordID1: "1", RecordID2: "2", Score: 0.5, Decision: models.DecisionMatch},
			{RunID: 1, RecordID1: "2", RecordID2: "3", Score: 0.8, Decision: models.DecisionReview},
		}))
		links, err := s.ListLinks(ctx, models.LinkFilter{RunID: 1})
		require.NoError(t, err)
		require.Len(t, links, 2)
		assert.Equal(t, 0.9, links[0].Score)
		assert.Equal(t, 0.8, links[1].Score)
	})

	t.Run("should replace links", func(t *testing.T) {
		touching, err := s.LinksTouching(ctx, []string{"3"})
		require.NoError(t, err)
		require.Len(t, touching, 1)

		require.NoError(t, s.ReplaceLinks(ctx, []int64{touching[0].ID}, []models.Link{
			{RunID: 1, RecordID1: "1", RecordID2: "2", Score: 0.95, Decision: models.DecisionMatch},
		}))
		links, err := s.ListLinks(ctx, models.LinkFilter{RunID: 1})
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, 0.95, links[0].Score)
	})
}

func TestStore_RunsAndAssignments(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.LatestRun(ctx)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	run := &models.DedupeRun{Strategy: models.BlockingKey, ClusterSeq: 2, Vectorizer: []byte(`{"min_n":3}`)}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.CreateRun(ctx, &models.DedupeRun{}))

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.ID)

	seq, err := s.NextClusterSeq(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)

	raw, err := s.GetVectorizer(ctx, run.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"min_n":3}`, string(raw))

	runs, err := s.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(2), runs[0].ID)
	assert.Nil(t, runs[1].Vectorizer)

	require.NoError(t, s.SaveAssignments(ctx, []models.ClusterAssignment{
		{RunID: 1, RecordID: "1", PatientID: "P00001"},
		{RunID: 1, RecordID: "2", PatientID: "P00001"},
		{RunID: 1, RecordID: "3", PatientID: "P00002"},
		{RunID: 2, RecordID: "1", PatientID: "P00001"},
	}))

	assignments, err := s.ListAssignments(ctx, 1)
	require.NoError(t, err)
	require.Len(t, assignments, 3)
	assert.Equal(t, 2, assignments[0].Size)
	assert.Equal(t, 1, assignments[2].Size)

	across, err := s.AssignmentsFor(ctx, []string{"1"})
	require.NoError(t, err)
	assert.Len(t, across, 2)

	_, err = s.NextClusterSeq(ctx, 99)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestStore_MergeEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AppendMergeEvent(ctx, &models.MergeEvent{SourceRecord: "2", TargetRecord: "1"}))
	require.NoError(t, s.AppendMergeEvent(ctx, &models.MergeEvent{SourceRecord: "4", TargetRecord: "3"}))

	events, err := s.ListMergeEvents(ctx, "1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].ID)
}
