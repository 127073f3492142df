package intake

import (
	"context"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/store/memory"
	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/embedding"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

var ana = models.PatientInput{
	FirstName:   "Ana",
	LastName:    "Popescu",
	Gender:      "F",
	DateOfBirth: "1990-01-02",
	Address:     "Str. Lalelelor 5",
	City:        "Cluj",
	PhoneNumber: "0722123456",
	Email:       "ana.popescu@mail.com",
}

func newTestMatcher(t *testing.T, withRun bool) (*Matcher, *memory.Store, *models.DedupeRun) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	existing := ana.ToPatient()
	existing.RecordID = "1"
	merged := "1"
	for _, p := range []models.Patient{
		existing,
		{RecordID: "2", FirstName: "Ion", LastName: "Ionescu", DateOfBirth: "1961-05-05", Email: "ion@other.org"},
		{RecordID: "7", FirstName: "Ana", LastName: "Popescu", IsDeleted: true, MergedInto: &merged},
	} {
		require.NoError(t, st.CreatePatient(ctx, &p))
	}

	var run *models.DedupeRun
	if withRun {
		run = &models.DedupeRun{Strategy: models.BlockingKey, ModelVersion: "heuristic-v1", ClusterSeq: 2}
		require.NoError(t, st.CreateRun(ctx, run))
		require.NoError(t, st.SaveAssignments(ctx, []models.ClusterAssignment{
			{RunID: run.ID, RecordID: "1", PatientID: "P00001"},
			{RunID: run.ID, RecordID: "2", PatientID: "P00002"},
		}))
	}

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	engine, err := matching.NewEngine(logger, matching.DefaultConfig())
	require.NoError(t, err)

	m := NewMatcher(logger, st, engine, blocking.NewBlocker(logger, blocking.DefaultConfig()), locks.NewKeyedMutex(), nil, DefaultConfig())
	return m, st, run
}

func TestMatcher_DuplicateFound(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestMatcher(t, true)

	result, err := m.AddOrCheck(ctx, Request{Patient: ana})
	require.NoError(t, err)

	assert.False(t, result.Created)
	assert.Equal(t, models.IntakeDuplicateFound, result.Decision)
	assert.Equal(t, "8", result.RecordID)
	require.NotNil(t, result.PatientID)
	assert.Equal(t, "P00001", *result.PatientID)

	require.Len(t, result.Duplicates, 1)
	dup := result.Duplicates[0]
	assert.Equal(t, "1", dup.OtherRecordID)
	assert.Equal(t, models.DecisionMatch, dup.Decision)
	assert.GreaterOrEqual(t, dup.Score, 0.85)
	require.NotNil(t, dup.OtherPatient)
	assert.Equal(t, "Ana", dup.OtherPatient.FirstName)

	_, err = st.GetPatient(ctx, "8")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func reviewInput() models.PatientInput {
	in := ana
	in.PhoneNumber = ""
	in.Gender = ""
	return in
}

func TestMatcher_ReviewRequired(t *testing.T) {
	ctx := context.Background()
	m, st, run := newTestMatcher(t, true)

	result, err := m.AddOrCheck(ctx, Request{Patient: reviewInput()})
	require.NoError(t, err)

	assert.False(t, result.Created)
	assert.Equal(t, models.IntakeReviewRequired, result.Decision)
	assert.Nil(t, result.PatientID)
	require.Len(t, result.Duplicates, 1)
	assert.Equal(t, models.DecisionReview, result.Duplicates[0].Decision)
	assert.Nil(t, result.Duplicates[0].OtherPatient)

	_, err = st.GetPatient(ctx, result.RecordID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	t.Run("should create when forced", func(t *testing.T) {
		forced, err := m.AddOrCheck(ctx, Request{Patient: reviewInput(), ForceCreateOnReview: true})
		require.NoError(t, err)
		assert.True(t, forced.Created)
		assert.Equal(t, models.IntakeCreated, forced.Decision)
		require.NotNil(t, forced.PatientID)
		assert.Equal(t, "P00003", *forced.PatientID)
		assert.Empty(t, forced.Duplicates)

		stored, err := st.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stored.ClusterSeq)

		a, err := st.GetAssignment(ctx, run.ID, forced.RecordID)
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, "P00003", a.PatientID)
	})
}

func TestMatcher_SSNTwinBeyondCandidateLimit(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestMatcher(t, true)

	// a crowd sharing the new record's email domain, sorting ahead of the twin
	for i := range DefaultCandidateLimit + 100 {
		require.NoError(t, st.CreatePatient(ctx, &models.Patient{
			RecordID:  fmt.Sprintf("a%04d", i),
			FirstName: "Pat",
			LastName:  fmt.Sprintf("Crowd%04d", i),
			Email:     fmt.Sprintf("pat%04d@gmail.com", i),
		}))
	}
	require.NoError(t, st.CreatePatient(ctx, &models.Patient{
		RecordID:  "z1",
		FirstName: "Zed",
		LastName:  "Zamfir",
		Email:     "zed@yahoo.com",
		SSN:       "123-45-6789",
	}))

	result, err := m.AddOrCheck(ctx, Request{Patient: models.PatientInput{
		FirstName: "Ana",
		LastName:  "Marin",
		Email:     "new@gmail.com",
		SSN:       "123-45-6789",
	}})
	require.NoError(t, err)

	assert.Equal(t, models.IntakeDuplicateFound, result.Decision)
	assert.False(t, result.Created)
	require.NotEmpty(t, result.Duplicates)
	assert.Equal(t, "z1", result.Duplicates[0].OtherRecordID)
	assert.Equal(t, models.ReasonSSNHard, result.Duplicates[0].Reason)
	assert.Equal(t, 1.0, result.Duplicates[0].Score)

	_, err = st.GetPatient(ctx, result.RecordID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestMatcher_CreatedWhenNothingMatches(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestMatcher(t, true)

	result, err := m.AddOrCheck(ctx, Request{Patient: models.PatientInput{
		RecordID:    "abc-1",
		FirstName:   "Maria",
		LastName:    "Georgescu",
		DateOfBirth: "12/12/1980",
	}})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, "abc-1", result.RecordID)
	require.NotNil(t, result.PatientID)
	assert.Equal(t, "P00003", *result.PatientID)

	p, err := st.GetPatient(ctx, "abc-1")
	require.NoError(t, err)
	assert.Equal(t, "1980-12-12", p.DateOfBirth)
}

func TestMatcher_RecordIDConflicts(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMatcher(t, true)

	tests := []struct {
		name string
		id   string
	}{
		{name: "active record", id: "2"},
		{name: "merged record", id: "7"},
		{name: "padded id", id: " 2 "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := ana
			in.RecordID = tt.id
			_, err := m.AddOrCheck(ctx, Request{Patient: in})
			assert.True(t, errors.IsKind(err, errors.KindConflict), "got %v", err)
		})
	}
}

func TestMatcher_WithoutRun(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMatcher(t, false)

	result, err := m.AddOrCheck(ctx, Request{Patient: models.PatientInput{FirstName: "Maria", LastName: "Georgescu"}})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Nil(t, result.PatientID)

	_, err = m.AddOrCheck(ctx, Request{Patient: models.PatientInput{FirstName: "Maria"}, RunID: ptr(int64(42))})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestMatcher_ForceAdd(t *testing.T) {
	ctx := context.Background()
	m, st, run := newTestMatcher(t, true)

	t.Run("should skip duplicate checks", func(t *testing.T) {
		view, err := m.ForceAdd(ctx, ana, nil, "")
		require.NoError(t, err)
		assert.Equal(t, "8", view.RecordID)
		require.NotNil(t, view.ClusterID)
		assert.Equal(t, "P00003", *view.ClusterID)
	})

	t.Run("should attach to an existing cluster", func(t *testing.T) {
		view, err := m.ForceAdd(ctx, ana, &run.ID, "1")
		require.NoError(t, err)
		assert.Equal(t, "9", view.RecordID)
		require.NotNil(t, view.ClusterID)
		assert.Equal(t, "P00001", *view.ClusterID)
	})

	t.Run("should reject attach targets without a cluster", func(t *testing.T) {
		_, err := m.ForceAdd(ctx, ana, &run.ID, "7")
		assert.True(t, errors.IsKind(err, errors.KindNotFound))

		_, err = st.GetPatient(ctx, "10")
		assert.True(t, errors.IsKind(err, errors.KindNotFound), "transaction must roll back")
	})
}

func TestMatcher_UsesPersistedVectorizer(t *testing.T) {
	ctx := context.Background()
	m, st, run := newTestMatcher(t, true)

	patients, err := st.ListActivePatients(ctx)
	require.NoError(t, err)
	texts := make([]string, 0, len(patients))
	for _, r := range normalizers.NormalizeRecords(patients) {
		texts = append(texts, embedding.Text(r))
	}
	v, err := embedding.NewVectorizer(embedding.DefaultMinN, embedding.DefaultMaxN)
	require.NoError(t, err)
	v.Fit(texts)
	raw, err := v.Marshal()
	require.NoError(t, err)

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	stored.Vectorizer = raw
	require.NoError(t, st.UpdateRun(ctx, stored))

	result, err := m.AddOrCheck(ctx, Request{Patient: ana})
	require.NoError(t, err)
	require.Len(t, result.Duplicates, 1)
	assert.Greater(t, result.Duplicates[0].Components.CosEmb, 0.9)

	cached, ok := m.cache.Get("1")
	require.True(t, ok)
	assert.True(t, cached.(*embedding.Vectorizer).Fitted())
}

func TestCandidateQuery(t *testing.T) {
	q := candidateQuery(models.NormalizedRecord{
		FirstName:   "ana",
		LastName:    "pop",
		Email:       "ana@x.com",
		EmailDomain: "x.com",
		Phone:       "0722123456",
	}, 500)

	assert.Equal(t, "3456", q.PhoneSuffix)
	assert.Equal(t, "ana pop", q.FullName)
	assert.Equal(t, 500, q.Limit)
	assert.True(t, candidateQuery(models.NormalizedRecord{}, 10).Empty())
}

func ptr[T any](v T) *T {
	return &v
}
