package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave.evalgo.org/destination"
	"weave.evalgo.org/progress"
	"weave.evalgo.org/queue"
	"weave.evalgo.org/search"
	"weave.evalgo.org/security"
	"weave.evalgo.org/source"
	"weave.evalgo.org/store"
)

type fakeQueue struct {
	jobs []queue.Job
}

func (f *fakeQueue) Enqueue(ctx context.Context, job queue.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeSearcher struct {
	namespace string
	query     string
	opts      search.Options
}

func (f *fakeSearcher) Search(ctx context.Context, namespace, query string, opts search.Options) (*search.Response, error) {
	f.namespace, f.query, f.opts = namespace, query, opts
	return &search.Response{Results: []destination.Result{{Score: 0.9}}}, nil
}

type fixture struct {
	server   *Server
	store    *store.MemoryStore
	queue    *fakeQueue
	searcher *fakeSearcher
	jwt      *security.JWTService
}

const testAPIKey = "test-key"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	q := &fakeQueue{}
	srch := &fakeSearcher{}
	jwtSvc := security.NewJWTService("test-secret")

	h := &Handlers{
		Store:          st,
		Queue:          q,
		Stream:         progress.NewBus(),
		Searcher:       srch,
		Sources:        source.DefaultRegistry(),
		JWT:            jwtSvc,
		TokenTTL:       time.Hour,
		SearchMaxLimit: 50,
	}
	srv := NewServer(ServerConfig{APIKey: testAPIKey}, h, jwtSvc)
	return &fixture{server: srv, store: st, queue: q, searcher: srch, jwt: jwtSvc}
}

func (f *fixture) do(t *testing.T, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("X-API-Key", testAPIKey)
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	f.server.Echo().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createConnection(t *testing.T, tenant string) store.SyncConnection {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/sync/connections", tenant,
		`{"name":"docs","source_name":"memory","collection_id":"col-1","schedule":"every 2h"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var conn store.SyncConnection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conn))
	return conn
}

func TestCreateAndListConnections(t *testing.T) {
	f := newFixture(t)

	conn := f.createConnection(t, "tenant-a")
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, "tenant-a", conn.TenantID)
	assert.Equal(t, "memory", conn.SourceName)

	rec := f.do(t, http.MethodGet, "/api/v1/sync/connections", "tenant-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var conns []store.SyncConnection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conns))
	assert.Len(t, conns, 1)

	// Another tenant sees nothing.
	rec = f.do(t, http.MethodGet, "/api/v1/sync/connections", "tenant-b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCreateConnectionValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sync/connections", "tenant-a",
		`{"name":"docs","source_name":"ftp","collection_id":"col-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sync/connections", "tenant-a",
		`{"name":"docs","source_name":"memory","collection_id":"col-1","schedule":"whenever"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sync/connections", "tenant-a",
		`{"source_name":"memory"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateConnectionEnforcesConnectorMinimumInterval(t *testing.T) {
	f := newFixture(t)

	// gitea full-scans the repository per run; minute-level schedules are
	// held to the batch floor.
	rec := f.do(t, http.MethodPost, "/api/v1/sync/connections", "tenant-a",
		`{"name":"repo","source_name":"gitea","collection_id":"col-1","schedule":"every 1m"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "minimum")

	rec = f.do(t, http.MethodPost, "/api/v1/sync/connections", "tenant-a",
		`{"name":"repo","source_name":"gitea","collection_id":"col-1","schedule":"every 2h"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// A continuous connector accepts the same minute-level cadence.
	rec = f.do(t, http.MethodPost, "/api/v1/sync/connections", "tenant-a",
		`{"name":"docs","source_name":"memory","collection_id":"col-1","schedule":"every 1m"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestTenantIsolationOnGet(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "tenant-a")

	rec := f.do(t, http.MethodGet, "/api/v1/sync/connections/"+conn.ID, "tenant-b", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/sync/connections/"+conn.ID, "tenant-a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunConnectionEnqueuesJob(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "tenant-a")

	rec := f.do(t, http.MethodPost, "/api/v1/sync/connections/"+conn.ID+"/run", "tenant-a", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job store.SyncJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, store.JobPending, job.State)
	assert.Equal(t, store.TriggerManual, job.Trigger)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, job.ID, f.queue.jobs[0].JobID)
	assert.Equal(t, conn.ID, f.queue.jobs[0].ConnectionID)

	rec = f.do(t, http.MethodGet, "/api/v1/sync/jobs/"+job.ID, "tenant-a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunPausedConnectionConflicts(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "tenant-a")

	rec := f.do(t, http.MethodPost, "/api/v1/sync/connections/"+conn.ID+"/pause", "tenant-a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sync/connections/"+conn.ID+"/run", "tenant-a", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sync/connections/"+conn.ID+"/resume", "tenant-a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sync/connections/"+conn.ID+"/run", "tenant-a", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSearchCollection(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/collections/col-1/search", "tenant-a",
		`{"query":"redis caching","options":{"limit":5,"search_method":"neural"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "tenant-a-col-1", f.searcher.namespace)
	assert.Equal(t, "redis caching", f.searcher.query)
	assert.Equal(t, 5, f.searcher.opts.Limit)
}

func TestSearchRejectsUnknownOptionAndOversizedLimit(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/collections/col-1/search", "tenant-a",
		`{"query":"x","options":{"rerank":true}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/collections/col-1/search", "tenant-a",
		`{"query":"x","options":{"limit":500}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/sync/connections", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong API key.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/connections", nil)
	req.Header.Set("X-API-Key", "wrong")
	req.Header.Set("X-Tenant-ID", "tenant-a")
	rec = httptest.NewRecorder()
	f.server.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerTokenFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/token", "tenant-a", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tok TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/connections", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	resp := httptest.NewRecorder()
	f.server.Echo().ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sync/connections", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp = httptest.NewRecorder()
	f.server.Echo().ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestHealthAndVersionAreOpen(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/version", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goVersion")
}
