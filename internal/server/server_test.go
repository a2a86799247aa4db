package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roeeharel/project-dashboard/internal/config"
	"github.com/roeeharel/project-dashboard/internal/logs"
	"github.com/roeeharel/project-dashboard/internal/metrics"
	"github.com/roeeharel/project-dashboard/internal/process"
	"github.com/roeeharel/project-dashboard/internal/protocol"
	"github.com/roeeharel/project-dashboard/internal/state"
	"github.com/roeeharel/project-dashboard/internal/storage"
)

const testConfig = `{
  "port": 4000,
  "projects": [
    {"id": "web", "name": "Web", "dir": "apps/web", "start": "npm run dev", "port": 3000},
    {"id": "api", "name": "API", "dir": "apps/api", "start": "go run .", "port": 8080, "tunnelPort": 8081}
  ]
}`

// fakeLiveness treats every pid in alive as running.
type fakeLiveness struct {
	mu    sync.Mutex
	alive map[int]bool
}

func (f *fakeLiveness) IsAlive(pid *int) bool {
	if pid == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[*pid]
}

func (f *fakeLiveness) set(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = alive
}

// fakeLifecycle records into the state store the way the real managers do.
type fakeLifecycle struct {
	store   *state.Store
	live    *fakeLiveness
	tunnel  bool
	nextPid int
	err     error
	panics  bool
}

func (f *fakeLifecycle) Start(p config.Project) (int, error) {
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return 0, f.err
	}
	f.nextPid++
	pid := f.nextPid
	now := time.Now().UnixMilli()
	_, err := f.store.Update(p.ID, func(rt *state.ProjectRuntime) {
		if f.tunnel {
			rt.TunnelPid = state.IntPtr(pid)
			rt.TunnelStartedAt = state.Int64Ptr(now)
			rt.TunnelURL = state.StringPtr("https://quiet-lake.trycloudflare.com")
		} else {
			rt.Pid = state.IntPtr(pid)
			rt.StartedAt = state.Int64Ptr(now)
		}
	})
	f.live.set(pid, true)
	return pid, err
}

func (f *fakeLifecycle) Stop(p config.Project) (bool, error) {
	rt, err := f.store.Get(p.ID)
	if err != nil {
		return false, err
	}
	pid := rt.Pid
	if f.tunnel {
		pid = rt.TunnelPid
	}
	if pid == nil {
		return false, nil
	}
	f.live.set(*pid, false)
	_, err = f.store.Update(p.ID, func(rt *state.ProjectRuntime) {
		if f.tunnel {
			rt.TunnelPid, rt.TunnelStartedAt, rt.TunnelURL, rt.TunnelURLAt = nil, nil, nil, nil
		} else {
			rt.Pid, rt.StartedAt = nil, nil
		}
	})
	return true, err
}

type fixture struct {
	dir        string
	configPath string
	store      *state.Store
	sink       *logs.Sink
	live       *fakeLiveness
	apps       *fakeLifecycle
	tunnels    *fakeLifecycle
	history    *storage.Store
	metrics    *metrics.Collector
	events     *process.Fanout
	srv        *Server
}

func newFixture(t *testing.T, env string) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dashboard.config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o644))

	static := filepath.Join(dir, "public")
	require.NoError(t, os.MkdirAll(filepath.Join(static, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>dashboard</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(static, "assets", "app.js"), []byte("console.log(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("secret"), 0o644))

	loader, err := config.NewLoader(cfgPath)
	require.NoError(t, err)

	history, err := storage.NewStore(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	f := &fixture{
		dir:        dir,
		configPath: cfgPath,
		store:      state.NewStore(filepath.Join(dir, "state.json")),
		sink:       logs.NewSink(filepath.Join(dir, "logs")),
		live:       &fakeLiveness{alive: map[int]bool{}},
		history:    history,
		metrics:    metrics.NewCollector("test"),
		events:     &process.Fanout{},
	}
	f.apps = &fakeLifecycle{store: f.store, live: f.live, nextPid: 100}
	f.tunnels = &fakeLifecycle{store: f.store, live: f.live, tunnel: true, nextPid: 900}

	f.srv = New(Options{
		Env:       env,
		StaticDir: static,
		Loader:    loader,
		State:     f.store,
		Logs:      f.sink,
		Apps:      f.apps,
		Tunnels:   f.tunnels,
		Liveness:  f.live,
		History:   history,
		Metrics:   f.metrics,
		Events:    f.events,
	})
	return f
}

func (f *fixture) do(method, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestListProjectsReportsNullsForIdleProjects(t *testing.T) {
	f := newFixture(t, "development")

	rec := f.do("GET", "/api/projects")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var raw struct {
		Projects []map[string]any `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw.Projects, 2)

	web := raw.Projects[0]
	assert.Equal(t, "web", web["id"])
	assert.Equal(t, false, web["running"])
	for _, key := range []string{"pid", "startedAt", "tunnelPid", "tunnelUrl", "tunnelStartedAt"} {
		v, ok := web[key]
		assert.True(t, ok, "missing %s", key)
		assert.Nil(t, v, key)
	}
	assert.EqualValues(t, 3000, web["tunnelPort"])
	assert.EqualValues(t, 8081, raw.Projects[1]["tunnelPort"])
}

func TestUnknownProjectIs404(t *testing.T) {
	f := newFixture(t, "production")

	for _, target := range []string{
		"/api/projects/nope",
		"/api/projects/nope/logs",
		"/api/projects/nope/history",
	} {
		rec := f.do("GET", target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.JSONEq(t, `{"error":"Project not found"}`, rec.Body.String(), target)
	}
	rec := f.do("POST", "/api/projects/nope/start")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorBodyCarriesDiagnosticsOutsideProduction(t *testing.T) {
	f := newFixture(t, "development")

	rec := f.do("GET", "/api/projects/nope", requestIDHeader, "req-42")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody[protocol.ErrorResponse](t, rec)
	assert.Equal(t, "Project not found", body.Error)
	assert.Equal(t, "/api/projects/nope", body.Path)
	assert.Equal(t, "GET", body.Method)
	assert.Equal(t, "req-42", body.RequestID)
	assert.NotEmpty(t, body.Timestamp)
	assert.Equal(t, "req-42", rec.Header().Get(requestIDHeader))
}

func TestStartAndStopProject(t *testing.T) {
	f := newFixture(t, "development")

	rec := f.do("POST", "/api/projects/web/start")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decodeBody[protocol.ProjectResponse](t, rec).Project
	assert.True(t, started.Running)
	require.NotNil(t, started.Pid)
	assert.Equal(t, 101, *started.Pid)
	assert.NotNil(t, started.StartedAt)
	assert.False(t, started.TunnelRunning)

	rec = f.do("POST", "/api/projects/web/start")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("POST", "/api/projects/web/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	stopped := decodeBody[protocol.ProjectResponse](t, rec).Project
	assert.False(t, stopped.Running)
	assert.Nil(t, stopped.Pid)

	rec = f.do("POST", "/api/projects/web/stop")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTunnelStatusHidesDeadTunnel(t *testing.T) {
	f := newFixture(t, "development")

	rec := f.do("POST", "/api/projects/api/tunnel-start")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[protocol.ProjectResponse](t, rec).Project
	assert.True(t, st.TunnelRunning)
	require.NotNil(t, st.TunnelURL)
	assert.Equal(t, "https://quiet-lake.trycloudflare.com", *st.TunnelURL)

	f.live.set(*st.TunnelPid, false)
	rec = f.do("GET", "/api/projects/api")
	st = decodeBody[protocol.ProjectResponse](t, rec).Project
	assert.False(t, st.TunnelRunning)
	assert.Nil(t, st.TunnelPid)
	assert.Nil(t, st.TunnelURL)

	rec = f.do("POST", "/api/projects/api/tunnel-stop")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartFailureMapsArgumentErrorsTo400(t *testing.T) {
	f := newFixture(t, "production")
	f.apps.err = process.ErrInvalidArgument

	rec := f.do("POST", "/api/projects/web/start")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerErrorCarriesStackOutsideProduction(t *testing.T) {
	f := newFixture(t, "development")
	f.apps.err = errors.New("disk on fire")

	rec := f.do("POST", "/api/projects/web/start")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[protocol.ErrorResponse](t, rec)
	assert.Equal(t, "disk on fire", body.Error)
	assert.Contains(t, body.Stack, "goroutine")

	f = newFixture(t, "production")
	f.apps.err = errors.New("disk on fire")
	rec = f.do("POST", "/api/projects/web/start")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, decodeBody[protocol.ErrorResponse](t, rec).Stack)
}

func TestPanicIsRecoveredAs500(t *testing.T) {
	f := newFixture(t, "development")
	f.apps.panics = true

	rec := f.do("POST", "/api/projects/web/start")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[protocol.ErrorResponse](t, rec)
	assert.Equal(t, "boom", body.Error)
	assert.Contains(t, body.Stack, "goroutine")
}

func TestReadLogs(t *testing.T) {
	f := newFixture(t, "development")
	require.NoError(t, f.sink.Append("web", logs.TypeApp, "hello app\n"))
	require.NoError(t, f.sink.Append("web", logs.TypeTunnel, "hello tunnel\n"))

	rec := f.do("GET", "/api/projects/web/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody[protocol.LogsResponse](t, rec).Logs, "hello app")

	rec = f.do("GET", "/api/projects/web/logs?type=tunnel")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody[protocol.LogsResponse](t, rec).Logs, "hello tunnel")

	rec = f.do("GET", "/api/projects/api/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", decodeBody[protocol.LogsResponse](t, rec).Logs)
}

func TestReadLogsRejectsBadQuery(t *testing.T) {
	f := newFixture(t, "production")

	for _, q := range []string{"type=invalid", "maxBytes=-5", "maxBytes=lots"} {
		rec := f.do("GET", "/api/projects/web/logs?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestClearLogs(t *testing.T) {
	f := newFixture(t, "development")
	require.NoError(t, f.sink.Append("web", logs.TypeApp, "line\n"))

	rec := f.do("DELETE", "/api/projects/web/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":true}`, rec.Body.String())

	rec = f.do("GET", "/api/projects/web/logs")
	assert.Equal(t, "", decodeBody[protocol.LogsResponse](t, rec).Logs)
}

func TestClearLogsAlsoClearsHistory(t *testing.T) {
	f := newFixture(t, "development")
	f.events.Observe(process.Event{ProjectID: "web", Kind: process.KindApp, Action: process.ActionStart, Pid: 101, At: time.UnixMilli(1000)})
	f.events.Observe(process.Event{ProjectID: "api", Kind: process.KindApp, Action: process.ActionStart, Pid: 102, At: time.UnixMilli(1000)})

	rec := f.do("DELETE", "/api/projects/web/logs")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("GET", "/api/projects/web/history")
	assert.Empty(t, decodeBody[protocol.HistoryResponse](t, rec).History)
	rec = f.do("GET", "/api/projects/api/history")
	assert.Len(t, decodeBody[protocol.HistoryResponse](t, rec).History, 1)
}

func TestHistoryRecordsLifecycleEvents(t *testing.T) {
	f := newFixture(t, "development")

	f.events.Observe(process.Event{ProjectID: "web", Kind: process.KindApp, Action: process.ActionStart, Pid: 101, At: time.UnixMilli(1000)})
	f.events.Observe(process.Event{ProjectID: "web", Kind: process.KindTunnel, Action: process.ActionURL, URL: "https://a.trycloudflare.com", At: time.UnixMilli(2000)})
	f.events.Observe(process.Event{ProjectID: "web", Kind: process.KindApp, Action: process.ActionOutput, Line: "noise", At: time.UnixMilli(2500)})

	rec := f.do("GET", "/api/projects/web/history")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[protocol.HistoryResponse](t, rec)
	assert.Equal(t, "web", resp.ProjectID)
	require.Len(t, resp.History, 2)
	assert.Equal(t, "url", resp.History[0].Action)
	require.NotNil(t, resp.History[0].URL)
	assert.Equal(t, "https://a.trycloudflare.com", *resp.History[0].URL)
	assert.Equal(t, "start", resp.History[1].Action)
	require.NotNil(t, resp.History[1].Pid)
	assert.Equal(t, 101, *resp.History[1].Pid)

	rec = f.do("GET", "/api/projects/web/history?limit=1")
	assert.Len(t, decodeBody[protocol.HistoryResponse](t, rec).History, 1)

	for _, q := range []string{"limit=0", "limit=501", "limit=x"} {
		rec = f.do("GET", "/api/projects/web/history?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetConfig(t *testing.T) {
	f := newFixture(t, "development")

	rec := f.do("GET", "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"port":4000,"env":"development"}`, rec.Body.String())
}

func TestReloadConfig(t *testing.T) {
	f := newFixture(t, "production")

	require.NoError(t, os.WriteFile(f.configPath, []byte(`{"port": 4000, "projects": [
		{"id": "solo", "name": "Solo", "dir": ".", "start": "make run", "port": 5000}
	]}`), 0o644))
	rec := f.do("POST", "/api/config/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"projects":1}`, rec.Body.String())
	assert.Equal(t, http.StatusOK, f.do("GET", "/api/projects/solo").Code)

	require.NoError(t, os.WriteFile(f.configPath, []byte(`{"port": 99999, "projects": []}`), 0o644))
	rec = f.do("POST", "/api/config/reload")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/api/projects/solo").Code)
}

func TestUnknownAPIPathIsJSON404(t *testing.T) {
	f := newFixture(t, "production")

	rec := f.do("GET", "/api/nothing/here")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "development")

	rec := f.do("GET", "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	f.do("POST", "/api/projects/web/start")
	rec = f.do("GET", "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `test_lifecycle_operations_total{action="start",kind="app",result="started"} 1`)
	assert.Contains(t, body, `route="/api/projects/{id}/start"`)
	assert.Contains(t, body, "test_websocket_sessions 0")
}

func TestCORS(t *testing.T) {
	f := newFixture(t, "development")

	rec := f.do("OPTIONS", "/api/projects/web/start", "Origin", "http://localhost:5173")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	rec = f.do("GET", "/api/projects")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestStaticFiles(t *testing.T) {
	f := newFixture(t, "development")

	rec := f.do("GET", "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, htmlCacheHeader, rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "dashboard")

	rec = f.do("GET", "/assets/app.js")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/javascript; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, assetCacheHeader, rec.Header().Get("Cache-Control"))

	rec = f.do("GET", "/projects/web/settings")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dashboard")

	rec = f.do("POST", "/")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStaticRejectsTraversal(t *testing.T) {
	f := newFixture(t, "development")

	// The router cleans paths before matching, so hit the handler directly.
	for _, p := range []string{"/../secret.txt", "/assets/../../secret.txt"} {
		req := httptest.NewRequest("GET", "/", nil)
		req.URL.Path = p
		rec := httptest.NewRecorder()
		f.srv.static.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, p)
		assert.NotContains(t, rec.Body.String(), "secret")
	}
}

func TestStaticMissingIndex(t *testing.T) {
	h := newStaticHandler(t.TempDir())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/anything", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "text/css; charset=utf-8", contentTypeFor("a/b/site.CSS"))
	assert.Equal(t, "image/svg+xml", contentTypeFor("logo.svg"))
	assert.Equal(t, "font/woff2", contentTypeFor("x.woff2"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("blob.zzz-unknown"))
}

func TestServeStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, "development")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = http.Get("http://" + ln.Addr().String() + "/healthz")
	assert.Error(t, err)
}
