package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresstree/internal/jobs"
	"github.com/JakeFAU/progresstree/internal/metrics"
	"github.com/JakeFAU/progresstree/internal/storage/memory"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(Deps{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_ReadyzReportsFailures(t *testing.T) {
	t.Parallel()

	down := newTestServer(Deps{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	up := newTestServer(Deps{Ready: func(context.Context) error { return nil }})
	rec = httptest.NewRecorder()
	up.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsRouteAndMiddleware(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewHTTP(reg)
	require.NoError(t, err)
	server := newTestServer(Deps{Gatherer: reg, Metrics: m})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")

	count, err := testutil.GatherAndCount(reg, "http_requests_total")
	require.NoError(t, err)
	require.Positive(t, count)
}

func TestServer_MetricsRouteDisabled(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(Deps{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SubmitImportThenReadProgress(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{id: uuid.MustParse("00000000-0000-0000-0000-0000000000bb")}
	server := newTestServer(Deps{Submitter: submitter, MaxWorkers: 4})

	body := bytes.NewBufferString(`{"rows":120,"batch":10,"workers":16}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, submitter.id.String(), payload["job_id"])
	require.Equal(t, jobs.KindRowImport, payload["kind"])

	job := submitter.last()
	require.Equal(t, jobs.KindRowImport, job.Kind)
	require.Len(t, job.Stages, 3)
	require.Equal(t, int64(120), job.Stages[1].Units)
}

func TestServer_SubmitImportRejectsBadInput(t *testing.T) {
	t.Parallel()

	server := newTestServer(Deps{Submitter: &fakeSubmitter{}})
	for _, body := range []string{"{invalid", `{"rows":-1}`} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := httptest.NewRecorder()
	noRunner := newTestServer(Deps{})
	noRunner.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString(`{"rows":1}`)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_SubmitImportRunnerError(t *testing.T) {
	t.Parallel()

	server := newTestServer(Deps{Submitter: &fakeSubmitter{err: errors.New("entropy")}})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString(`{"rows":1}`)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_GetJobRoute(t *testing.T) {
	t.Parallel()

	repo := memory.NewProgressStore()
	jobID := uuid.New()
	require.NoError(t, repo.UpsertJobStart(context.Background(), jobID, "row_import", time.Now()))
	server := newTestServer(Deps{Repo: repo})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), jobID.String())

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer(Deps{}).Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeSubmitter struct {
	mu   sync.Mutex
	id   uuid.UUID
	err  error
	jobs []jobs.Job
}

func (f *fakeSubmitter) Submit(_ context.Context, job jobs.Job) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.jobs = append(f.jobs, job)
	return f.id, nil
}

func (f *fakeSubmitter) last() jobs.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[len(f.jobs)-1]
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(deps Deps) *Server {
	if deps.Repo == nil {
		deps.Repo = memory.NewProgressStore()
	}
	deps.Logger = zap.NewNop()
	return NewServer(deps)
}
