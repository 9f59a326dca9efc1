package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/ingest"
	"github.com/xhad/dossier/pkg/jobs"
	"github.com/xhad/dossier/pkg/orchestrator"
	"github.com/xhad/dossier/pkg/search"
	"github.com/xhad/dossier/pkg/store"
	"github.com/xhad/dossier/server"
)

type echoGenerator struct {
	delay time.Duration
}

func (g echoGenerator) Generate(ctx context.Context, p types.Prompt, _ types.GenerateOptions) (string, error) {
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "The records describe the case in detail. The claimant was treated for back pain.", nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testApp struct {
	handler http.Handler
	orch    *orchestrator.Orchestrator
}

func newTestApp(t *testing.T, gen types.Generator, health map[string]server.Pinger) testApp {
	t.Helper()
	return newTestAppWithQueue(t, gen, health, nil)
}

func newTestAppWithQueue(t *testing.T, gen types.Generator, health map[string]server.Pinger, q ingest.Enqueuer) testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	vs := store.NewMemoryStore()
	m, err := cache.NewWithConfig(cache.ManagerConfig{})
	require.NoError(t, err)

	pipeline, err := ingest.NewWithConfig(ingest.PipelineConfig{Store: vs, Cache: m, Queue: q})
	require.NoError(t, err)
	engine, err := search.NewWithConfig(search.EngineConfig{Store: vs, Cache: m})
	require.NoError(t, err)
	orch, err := orchestrator.NewWithConfig(orchestrator.Config{
		Search:    engine,
		Generator: gen,
		Store:     vs,
		Cache:     m,
	})
	require.NoError(t, err)

	srv, err := server.New(server.Config{
		Ingest:  pipeline,
		Search:  engine,
		Reports: orch,
		Cache:   m,
		Health:  health,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Wait)
	return testApp{handler: srv.Handler(), orch: orch}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, echoGenerator{}, nil)
	rec := do(t, app.handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	app = newTestApp(t, echoGenerator{}, map[string]server.Pinger{"database": failingPinger{}})
	rec = do(t, app.handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
}

func TestDocumentsAndSearch(t *testing.T) {
	app := newTestApp(t, echoGenerator{}, nil)

	rec := do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/documents", map[string]string{
		"documentId": "doc-1",
		"title":      "GP letter",
		"text":       "Diagnosis: chronic back pain.\n\nTreatment with physiotherapy since 2021.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	assert.Equal(t, "doc-1", created["documentId"])
	assert.Equal(t, "direct", created["strategy"])
	assert.Equal(t, "processed", created["status"])

	rec = do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/documents", map[string]string{
		"documentId": "doc-1", "text": "again",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorEnvelope](t, rec).Error.Code)

	rec = do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/documents", map[string]string{"title": "empty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[errorEnvelope](t, rec).Error.Code)

	rec = do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/search", map[string]any{"query": "physiotherapy treatment"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var found struct {
		Results []struct {
			ChunkID string  `json:"chunkId"`
			Score   float64 `json:"score"`
			Method  string  `json:"method"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.NotEmpty(t, found.Results)
	assert.Equal(t, "keyword", found.Results[0].Method)

	rec = do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/search", map[string]any{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, app.handler, http.MethodDelete, "/api/v1/documents/doc-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, app.handler, http.MethodDelete, "/api/v1/documents/doc-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, rec).Error.Code)

	rec = do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/search", map[string]any{"query": "physiotherapy"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	assert.Empty(t, found.Results, "deleting a document drops cached search results")

	rec = do(t, app.handler, http.MethodPost, "/api/v1/documents/doc-1/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportLifecycle(t *testing.T) {
	app := newTestApp(t, echoGenerator{}, nil)
	rec := do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/documents", map[string]string{
		"documentId": "doc-1", "text": "The claimant was treated for back pain after the incident.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/reports", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	reportID := decode[map[string]string](t, rec)["reportId"]
	require.NotEmpty(t, reportID)
	app.orch.Wait()

	rec = do(t, app.handler, http.MethodGet, "/api/v1/reports/"+reportID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Status   string `json:"status"`
		Sections []struct {
			ID           string   `json:"id"`
			Status       string   `json:"status"`
			QualityScore *float64 `json:"qualityScore"`
			Flagged      bool     `json:"flagged"`
		} `json:"sections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "done", st.Status)
	require.Len(t, st.Sections, len(orchestrator.DefaultManifest().Sections))
	assert.Equal(t, "introduction", st.Sections[0].ID)
	assert.NotNil(t, st.Sections[0].QualityScore)

	rec = do(t, app.handler, http.MethodGet, "/api/v1/reports/"+reportID+"/content", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	content := decode[map[string]any](t, rec)["content"].(string)
	assert.True(t, strings.HasPrefix(content, "## Introduction\n\n"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+reportID+"/content", nil)
	req.Header.Set("Accept", "text/markdown")
	md := httptest.NewRecorder()
	app.handler.ServeHTTP(md, req)
	assert.Equal(t, content, md.Body.String())

	rec = do(t, app.handler, http.MethodPost, "/api/v1/reports/"+reportID+"/sections/background/regenerate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "done", decode[map[string]any](t, rec)["status"])

	rec = do(t, app.handler, http.MethodPost, "/api/v1/reports/"+reportID+"/sections/nope/regenerate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, app.handler, http.MethodGet, "/api/v1/reports/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/reports", map[string]string{"manifest": "unknown"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, app.handler, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[map[string]any](t, rec), "cache")
}

func TestWatchReport(t *testing.T) {
	app := newTestApp(t, echoGenerator{delay: 5 * time.Millisecond}, nil)
	ts := httptest.NewServer(app.handler)
	defer ts.Close()

	rec := do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/reports", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	reportID := decode[map[string]string](t, rec)["reportId"]

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/reports/" + reportID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msgs []server.Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg server.Message
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		msgs = append(msgs, msg)
	}

	require.NotEmpty(t, msgs)
	assert.Equal(t, "status", msgs[0].Type)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "status", last.Type)
	assert.Equal(t, "done", last.Data.(map[string]any)["status"])

	// a finished report gets its snapshot and a close
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn2.Close()
	var snap server.Message
	require.NoError(t, conn2.ReadJSON(&snap))
	assert.Equal(t, "status", snap.Type)
	_, _, err = conn2.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	rec = do(t, app.handler, http.MethodGet, "/api/v1/reports/missing/ws", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddr(t *testing.T) {
	assert.Equal(t, ":8080", server.Addr(""))
	assert.Equal(t, ":9000", server.Addr("9000"))
	assert.Equal(t, ":9000", server.Addr(":9000"))
}

type jobRecorder struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (r *jobRecorder) Enqueue(j jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

func TestRetryDocument_DegradedQueuesEmbedding(t *testing.T) {
	q := &jobRecorder{}
	app := newTestAppWithQueue(t, echoGenerator{}, nil, q)

	long := strings.Repeat("The claimant was treated for back pain after the incident. ", 1200)
	rec := do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/documents", map[string]string{
		"documentId": "doc-1", "text": long,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, q.jobs, 1)

	rec = do(t, app.handler, http.MethodPost, "/api/v1/documents/doc-1/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["degraded"])
	assert.Equal(t, true, body["embeddingQueued"])
	assert.Equal(t, "processed", body["status"])
	require.Len(t, q.jobs, 2)
	assert.Equal(t, ingest.JobEmbed, q.jobs[1].Kind)
	assert.Equal(t, "doc-1", q.jobs[1].Key)

	short := do(t, app.handler, http.MethodPost, "/api/v1/cases/case-1/documents", map[string]string{
		"documentId": "doc-2", "text": "A short note.",
	})
	require.Equal(t, http.StatusCreated, short.Code)
	rec = do(t, app.handler, http.MethodPost, "/api/v1/documents/doc-2/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
