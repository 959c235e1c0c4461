package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilcrawl/veilcrawl/internal/clock/manual"
	"github.com/veilcrawl/veilcrawl/internal/detect"
	"github.com/veilcrawl/veilcrawl/internal/orchestrator"
	"github.com/veilcrawl/veilcrawl/internal/pacer"
	"github.com/veilcrawl/veilcrawl/internal/ratelimit"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

type cannedFetcher struct {
	mu   sync.Mutex
	resp stealth.FetchResponse
}

func (f *cannedFetcher) Do(_ context.Context, _ stealth.FetchRequest) (stealth.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, nil
}

func newTestServer(t *testing.T) (*Server, *cannedFetcher) {
	t.Helper()
	clk := manual.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	limCfg := ratelimit.DefaultConfig()
	limCfg.Defaults = ratelimit.Limits{
		RequestsPerMinute: 1000,
		RequestsPerHour:   10000,
		MaxConcurrent:     16,
	}
	limCfg.GlobalRPS = 0
	limCfg.JitterMax = 0
	limiter, err := ratelimit.New(limCfg, clk, nil)
	require.NoError(t, err)

	pacerCfg := pacer.DefaultConfig()
	pacerCfg.MinThink = time.Nanosecond
	pacerCfg.MaxThink = time.Nanosecond
	pacerCfg.MinRead = time.Nanosecond
	pacerCfg.MaxRead = time.Nanosecond
	pacerCfg.MaxDelay = time.Millisecond

	fetcher := &cannedFetcher{resp: stealth.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("<html>fine</html>"),
	}}
	orch, err := orchestrator.New(orchestrator.Config{
		RecoveryBase:     time.Millisecond,
		MaxAdmissionWait: 5 * time.Millisecond,
	}, orchestrator.Deps{
		Limiter: limiter,
		Pacer:   pacer.New(pacerCfg, clk, nil),
		Fetcher: fetcher,
		Scanner: detect.New(detect.DefaultConfig()),
		Clock:   clk,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return NewServer(orch, zap.NewNop()), fetcher
}

func createSession(t *testing.T, server *Server, target string) string {
	t.Helper()
	body := []byte(`{"target":"` + target + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["session_id"])
	return resp["session_id"]
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CreateSession_MissingTarget(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "target required")
}

func TestServer_Fetch_Succeeds(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	id := createSession(t, server, "example.org")

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/fetch",
		bytes.NewBufferString(`{"url":"https://example.org/page"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp fetchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "none", resp.Detection)
	require.Contains(t, resp.Body, "fine")
}

func TestServer_Fetch_DetectionKeepsBody(t *testing.T) {
	t.Parallel()

	server, fetcher := newTestServer(t)
	fetcher.mu.Lock()
	fetcher.resp = stealth.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("<html>Please verify you are human</html>"),
	}
	fetcher.mu.Unlock()
	id := createSession(t, server, "example.org")

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/fetch",
		bytes.NewBufferString(`{"url":"https://example.org/page"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp fetchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "captcha", resp.Detection)
	require.NotEmpty(t, resp.Error)
	require.Contains(t, resp.Body, "verify")
}

func TestServer_Fetch_UnknownSession(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/nope/fetch",
		bytes.NewBufferString(`{"url":"https://example.org/"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Fetch_MissingURL(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	id := createSession(t, server, "example.org")

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/fetch",
		bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetSession_ReturnsStats(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	id := createSession(t, server, "example.org")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "example.org")
}

func TestServer_CloseSession(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	id := createSession(t, server, "example.org")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+id, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	id := createSession(t, server, "example.org")

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/fetch",
		bytes.NewBufferString(`{"url":"https://example.org/page"}`))
	server.Handler().ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "example.org")

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats/example.org", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "closed")
}
