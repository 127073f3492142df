package dedupe

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/store/memory"
	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/clustering"
	"github.com/Ramsey-B/fern/pkg/embedding"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
)

func newTestService(t *testing.T, patients ...models.Patient) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	for i := range patients {
		require.NoError(t, st.CreatePatient(context.Background(), &patients[i]))
	}

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	engine, err := matching.NewEngine(logger, matching.DefaultConfig())
	require.NoError(t, err)

	return NewService(logger, st, engine, blocking.DefaultConfig(), nil, nil), st
}

func population() []models.Patient {
	merged := "1"
	return []models.Patient{
		{RecordID: "1", FirstName: "Ana", LastName: "Popescu", DateOfBirth: "1990-01-02", PhoneNumber: "0722123456", Email: "ana.popescu@mail.com", Address: "Str. Lalelelor 5", City: "Cluj", Gender: "F"},
		{RecordID: "2", FirstName: "Ana", LastName: "Popescu", DateOfBirth: "01/02/1990", PhoneNumber: "0722-123-456", Email: "ana.popescu@mail.com", Address: "Str. Lalelelor 5", City: "Cluj", Gender: "female"},
		{RecordID: "3", FirstName: "Ion", LastName: "Ionescu", DateOfBirth: "1961-05-05", PhoneNumber: "0744000111", Email: "ion@other.org", SSN: "1610505"},
		{RecordID: "4", FirstName: "I.", LastName: "Ionescu-Vlad", DateOfBirth: "1975-03-03", PhoneNumber: "0755999888", SSN: "1610505"},
		{RecordID: "5", FirstName: "Maria", LastName: "Georgescu", DateOfBirth: "1980-12-12", PhoneNumber: "0766555444", Email: "maria@x.ro"},
		{RecordID: "6", FirstName: "Ana", LastName: "Popescu", DateOfBirth: "1990-01-02", IsDeleted: true, MergedInto: &merged},
	}
}

func TestService_Run(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, population()...)

	summary, err := svc.Run(ctx, models.RunRequest{})
	require.NoError(t, err)

	t.Run("should summarize the run", func(t *testing.T) {
		assert.Equal(t, models.BlockingKey, summary.Strategy)
		assert.Equal(t, 5, summary.Records)
		assert.Equal(t, 2, summary.Matches)
		assert.Equal(t, 3, summary.Clusters)
		assert.Equal(t, int64(3), summary.ClusterSeq)
		assert.Equal(t, "heuristic-v1", summary.ModelVersion)
	})

	t.Run("should persist assignments for every active record", func(t *testing.T) {
		assignments, err := st.ListAssignments(ctx, summary.RunID)
		require.NoError(t, err)
		require.Len(t, assignments, 5)

		byRecord := map[string]models.ClusterAssignment{}
		for _, a := range assignments {
			byRecord[a.RecordID] = a
		}
		assert.Equal(t, byRecord["1"].PatientID, byRecord["2"].PatientID)
		assert.Equal(t, byRecord["3"].PatientID, byRecord["4"].PatientID)
		assert.Equal(t, "P00003", byRecord["5"].PatientID)
		assert.Equal(t, 2, byRecord["1"].Size)

		groups := clustering.Group(assignments)
		assert.Len(t, groups, 3)
	})

	t.Run("should persist links with cluster ids", func(t *testing.T) {
		links, err := st.ListLinks(ctx, models.LinkFilter{RunID: summary.RunID, Decision: models.DecisionMatch})
		require.NoError(t, err)
		require.Len(t, links, 2)
		for _, l := range links {
			require.NotNil(t, l.PatientID1)
			require.NotNil(t, l.PatientID2)
			assert.Equal(t, *l.PatientID1, *l.PatientID2)
		}
	})

	t.Run("should persist the vectorizer and counts", func(t *testing.T) {
		run, err := st.GetRun(ctx, summary.RunID)
		require.NoError(t, err)
		assert.Equal(t, 5, run.RecordCount)
		assert.Equal(t, 3, run.ClusterCount)
		assert.Equal(t, summary.Links, run.LinkCount)

		raw, err := st.GetVectorizer(ctx, summary.RunID)
		require.NoError(t, err)
		v, err := embedding.Unmarshal(raw)
		require.NoError(t, err)
		assert.True(t, v.Fitted())
	})
}

func TestService_RunEmbedding(t *testing.T) {
	svc, _ := newTestService(t, population()...)

	summary, err := svc.Run(context.Background(), models.RunRequest{Strategy: models.BlockingEmbedding, Neighbors: 2})
	require.NoError(t, err)
	assert.Equal(t, models.BlockingEmbedding, summary.Strategy)
	assert.Equal(t, 5, summary.Records)
	assert.GreaterOrEqual(t, summary.Matches, 1)
}

func TestService_RunEmptyPopulation(t *testing.T) {
	svc, _ := newTestService(t)

	summary, err := svc.Run(context.Background(), models.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Records)
	assert.Equal(t, 0, summary.Clusters)
	assert.Equal(t, int64(0), summary.ClusterSeq)
}

func TestService_RunInvalidStrategy(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Run(context.Background(), models.RunRequest{Strategy: "lsh"})
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
}
