package routes

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/store/memory"
	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/container"
	"github.com/Ramsey-B/fern/pkg/export"
	dedupesvc "github.com/Ramsey-B/fern/pkg/dedupe"
	intakesvc "github.com/Ramsey-B/fern/pkg/intake"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	patientsvc "github.com/Ramsey-B/fern/pkg/patients"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/server"
)

type testAPI struct {
	e     *echo.Echo
	store *memory.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	st := memory.New()
	locker := locks.NewKeyedMutex()

	engine, err := matching.NewEngine(logger, matching.DefaultConfig())
	require.NoError(t, err)
	blocker := blocking.NewBlocker(logger, blocking.DefaultConfig())

	dedupeService := dedupesvc.NewService(logger, st, engine, blocking.DefaultConfig(), nil, nil)
	merger := merging.NewEngine(logger, st, locker, nil, nil)
	matcher := intakesvc.NewMatcher(logger, st, engine, blocker, locker, nil, intakesvc.DefaultConfig())
	patientService := patientsvc.NewService(logger, st, locker)

	checker := health.NewChecker("test")
	checker.AddCheck("store", st.Ping)
	checker.SetReady(true)

	// Each API gets its own container so tests never share services.
	di, err := container.New(uuid.NewString(), container.Dependencies{
		Logger:   logger,
		Store:    st,
		Dedupe:   dedupeService,
		Merger:   merger,
		Matcher:  matcher,
		Patients: patientService,
	})
	require.NoError(t, err)

	srv := server.New(server.Config{ServiceName: "fern-test"}, logger)
	Handlers{
		Health:      checker,
		ContainerID: di.GetContainerID(),
	}.Mount(srv.Echo())

	return &testAPI{e: srv.Echo(), store: st}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, Prefix+path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func seed() models.IngestRequest {
	return models.IngestRequest{Patients: []models.PatientInput{
		{RecordID: "1", FirstName: "Ana", LastName: "Popescu", DateOfBirth: "1990-01-02", PhoneNumber: "0722123456", Email: "ana.popescu@mail.com", Address: "Str. Lalelelor 5", City: "Cluj", Gender: "F"},
		{RecordID: "2", FirstName: "Ana", LastName: "Popescu", DateOfBirth: "01/02/1990", PhoneNumber: "0722-123-456", Email: "ana.popescu@mail.com", Address: "Str. Lalelelor 5", City: "Cluj", Gender: "female"},
		{RecordID: "3", FirstName: "Maria", LastName: "Georgescu", DateOfBirth: "1980-12-12", PhoneNumber: "0766555444", Email: "maria@x.ro"},
	}}
}

func TestAPI_NoRunYet(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		path string
	}{
		{name: "links", path: "/links"},
		{name: "clusters", path: "/clusters"},
		{name: "link export", path: "/export/links.csv"},
	}

	for _, tt := range tests {
		t.Run("should return not found for "+tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodGet, tt.path, nil)
			require.Equal(t, http.StatusNotFound, rec.Code)

			resp := decode[middleware.ErrorResponse](t, rec)
			assert.Equal(t, "not_found", resp.Meta["kind"])
		})
	}

	t.Run("should return not found for a run without links", func(t *testing.T) {
		run := &models.DedupeRun{ModelVersion: "heuristic-v1", Strategy: models.BlockingKey}
		require.NoError(t, api.store.CreateRun(context.Background(), run))

		rec := api.do(t, http.MethodGet, "/export/links.csv", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		resp := decode[middleware.ErrorResponse](t, rec)
		assert.Equal(t, "not_found", resp.Meta["kind"])
	})
}

func TestAPI_ResolutionFlow(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	rec := api.do(t, http.MethodPost, "/patients/ingest", seed())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ingested := decode[models.IngestResponse](t, rec)
	assert.Equal(t, 3, ingested.Inserted)

	rec = api.do(t, http.MethodPost, "/dedupe/runs", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	summary := decode[models.RunSummary](t, rec)
	assert.Equal(t, 3, summary.Records)
	assert.Equal(t, 1, summary.Matches)
	assert.Equal(t, 2, summary.Clusters)

	t.Run("should list and fetch runs", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/dedupe/runs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		runs := decode[[]models.DedupeRun](t, rec)
		require.Len(t, runs, 1)
		assert.Equal(t, summary.RunID, runs[0].ID)

		rec = api.do(t, http.MethodGet, "/dedupe/runs/abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = api.do(t, http.MethodGet, "/dedupe/runs/999", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should list links of the latest run", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/links?decision=match", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[[]models.Link](t, rec)
		require.Len(t, got, 1)
		assert.Equal(t, "1", got[0].RecordID1)
		assert.Equal(t, "2", got[0].RecordID2)

		rec = api.do(t, http.MethodGet, "/links?decision=maybe", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should export the run's links as csv", func(t *testing.T) {
		stored, err := api.store.ListLinks(ctx, models.LinkFilter{RunID: summary.RunID})
		require.NoError(t, err)
		require.NotEmpty(t, stored)

		for _, path := range []string{"/export/links.csv", fmt.Sprintf("/export/links.csv?run_id=%d", summary.RunID)} {
			rec := api.do(t, http.MethodGet, path, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get(echo.HeaderContentType))
			assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), fmt.Sprintf("links-run-%d.csv", summary.RunID))

			rows, err := csv.NewReader(rec.Body).ReadAll()
			require.NoError(t, err)
			require.Len(t, rows, len(stored)+1)
			assert.Equal(t, export.LinkColumns, rows[0])

			first := rows[1]
			assert.Equal(t, strconv.FormatInt(summary.RunID, 10), first[0])
			assert.Equal(t, stored[0].RecordID1, first[1])
			assert.Equal(t, stored[0].RecordID2, first[2])
			assert.Equal(t, string(stored[0].Decision), first[6])
			assert.Len(t, first, len(export.LinkColumns))
		}

		rec := api.do(t, http.MethodGet, "/export/links.csv?run_id=999", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = api.do(t, http.MethodGet, "/export/links.csv?run_id=x", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should group clusters", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/clusters", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[[]models.Cluster](t, rec)
		assert.Len(t, got, 2)
	})

	t.Run("should return the patient with duplicates", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/patients/1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[models.PatientWithDuplicates](t, rec)
		assert.Equal(t, "1", got.Patient.RecordID)
		require.NotNil(t, got.Patient.ClusterID)
		require.Len(t, got.Duplicates, 1)
		assert.Equal(t, "2", got.Duplicates[0].OtherRecordID)

		rec = api.do(t, http.MethodGet, "/patients/404", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		resp := decode[middleware.ErrorResponse](t, rec)
		assert.Equal(t, "not_found", resp.Meta["kind"])
	})

	t.Run("should search by name", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/patients/search?name=popescu", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[[]models.PatientWithDuplicates](t, rec)
		require.Len(t, got, 1)

		rec = api.do(t, http.MethodGet, "/patients/search", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should check an incoming duplicate without creating it", func(t *testing.T) {
		input := seed().Patients[0]
		input.RecordID = ""

		rec := api.do(t, http.MethodPost, "/intake/add_or_check", input)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decode[models.IntakeResult](t, rec)
		assert.False(t, got.Created)
		assert.Equal(t, models.IntakeDuplicateFound, got.Decision)
		assert.NotEmpty(t, got.Duplicates)
	})

	t.Run("should force add a record", func(t *testing.T) {
		input := models.PatientInput{FirstName: "Elena", LastName: "Dobre", DateOfBirth: "2001-07-07"}

		rec := api.do(t, http.MethodPost, "/intake/force_add", input)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		got := decode[models.PatientView](t, rec)
		assert.Equal(t, "4", got.RecordID)
		assert.NotNil(t, got.ClusterID)
	})

	t.Run("should reject an invalid intake body", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/intake/add_or_check", models.PatientInput{Email: "not-an-email"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decode[middleware.ErrorResponse](t, rec)
		assert.Equal(t, "invalid_input", resp.Meta["kind"])
	})

	req := models.MergeRequest{MasterRecordID: "1", DuplicateRecordIDs: []string{"2"}, Reason: "same person"}

	t.Run("should preview a merge", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/patients/merge/preview", req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decode[models.MergePreview](t, rec)
		assert.Equal(t, "1", got.MasterRecordID)
		assert.Equal(t, []string{"1", "2"}, got.RecordIDs)
	})

	t.Run("should merge and record the operator", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/patients/merge", req, middleware.HeaderOperator, "dr.house")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decode[models.MergeResponse](t, rec)
		assert.Equal(t, []string{"2"}, got.MergedRecordIDs)

		events, err := api.store.ListMergeEvents(ctx, "2")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "dr.house", events[0].PerformedBy)

		merged, err := api.store.GetPatient(ctx, "2")
		require.NoError(t, err)
		require.NotNil(t, merged.MergedInto)
		assert.Equal(t, "1", *merged.MergedInto)
	})

	t.Run("should list the merges of a record", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/patients/1/merges", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decode[[]models.MergeEvent](t, rec)
		require.Len(t, got, 1)
		assert.Equal(t, "2", got[0].SourceRecord)
		assert.Equal(t, "1", got[0].TargetRecord)
		assert.Equal(t, "same person", got[0].Reason)
		assert.Equal(t, "dr.house", got[0].PerformedBy)

		rec = api.do(t, http.MethodGet, "/patients/3/merges", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[[]models.MergeEvent](t, rec))

		rec = api.do(t, http.MethodGet, "/patients/404/merges", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should reject a merge without duplicates", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/patients/merge", models.MergeRequest{MasterRecordID: "1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPI_Health(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		path   string
		status int
	}{
		{path: "/health", status: http.StatusOK},
		{path: "/health/live", status: http.StatusOK},
		{path: "/health/ready", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := api.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
