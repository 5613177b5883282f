package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanguard/internal/alerts"
	"scanguard/internal/config"
	"scanguard/internal/engine"
	"scanguard/internal/metrics"
	"scanguard/internal/model"
)

const testConfigYAML = `
ingest:
  parser_format: gaia
  syslog:
    enabled: false
detection:
  fast_scan_port_threshold: 3
  fast_scan_window_duration: 10s
  slow_scan_port_threshold: 10
  slow_scan_window_duration: 1h
api:
  enabled: true
  addr: "127.0.0.1:0"
`

type fixture struct {
	server *httptest.Server
	engine *engine.Engine
	alerts *alerts.Store
	hub    *Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scanguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))
	mgr, err := config.NewManager(path)
	require.NoError(t, err)

	store := alerts.NewStore(100)
	hub := NewHub(nil)
	m := metrics.New()
	pub := &syncPublisher{sinks: []alerts.Sink{store, hub}}
	eng, err := engine.NewEngine(mgr.Get(), nil, m, pub)
	require.NoError(t, err)

	srv := NewServer(mgr, eng, nil, Options{
		Metrics: m,
		Alerts:  store,
		Hub:     hub,
		Sinks:   func() []string { return []string{"memory", "stream"} },
		Version: "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = hub.Close()
		ts.Close()
	})
	return &fixture{server: ts, engine: eng, alerts: store, hub: hub}
}

// syncPublisher delivers inline so tests observe alerts immediately.
type syncPublisher struct {
	sinks []alerts.Sink
}

func (p *syncPublisher) Publish(a model.AlertEvent) bool {
	for _, s := range p.sinks {
		_ = s.Send(context.Background(), a)
	}
	return true
}

func (f *fixture) scan(src string, ports int) {
	for p := 1; p <= ports; p++ {
		f.engine.ProcessRecord(model.Record{
			Line: fmt.Sprintf("Sep 3 15:12:20 10.0.0.1 Checkpoint: drop %s proto: tcp; service: %d; s_port: 40000", src, p),
		})
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.scan("203.0.113.5", 4)

	var resp statusResponse
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/status", &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "gaia", resp.Ingest.Format)
	assert.Equal(t, 3, resp.Detection.FastThreshold)
	assert.Equal(t, "10s", resp.Detection.FastCooldown)
	assert.EqualValues(t, 4, resp.Engine.Events)
	assert.EqualValues(t, 1, resp.Engine.FastAlerts)
	assert.Equal(t, 1, resp.Engine.TrackedSources)
	assert.Equal(t, []string{"memory", "stream"}, resp.Sinks)
}

func TestAlertsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.scan("203.0.113.5", 4)
	f.scan("203.0.113.6", 4)

	var resp struct {
		Alerts []map[string]any `json:"alerts"`
		Count  int              `json:"count"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/alerts", &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "FAST_SCAN", resp.Alerts[0]["kind"])
	assert.Equal(t, "203.0.113.5", resp.Alerts[0]["src"])

	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/alerts?limit=1", &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "203.0.113.6", resp.Alerts[0]["src"])

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/alerts?since="+future, &resp))
	assert.Equal(t, 0, resp.Count)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.server.URL+"/alerts?since=yesterday", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.server.URL+"/alerts/archive", nil), "no archive configured")
}

func TestSourcesEndpoints(t *testing.T) {
	f := newFixture(t)
	f.scan("203.0.113.5", 2)
	f.scan("198.51.100.9", 5)

	var list struct {
		Sources []engine.SourceSnapshot `json:"sources"`
		Count   int                     `json:"count"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/sources", &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "198.51.100.9", list.Sources[0].Addr.String())
	assert.Equal(t, 5, list.Sources[0].Counts.Fast)

	var one engine.SourceSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/sources/203.0.113.5", &one))
	assert.Equal(t, []uint16{1, 2}, one.FastPorts)

	assert.Equal(t, http.StatusNotFound, getJSON(t, f.server.URL+"/sources/192.0.2.1", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.server.URL+"/sources/not-an-ip", nil))
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	f.scan("203.0.113.5", 4)
	require.Equal(t, 1, f.alerts.Len())

	resp, err := http.Post(f.server.URL+"/admin/clear", "application/json", strings.NewReader(`{"target":"alerts"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, f.alerts.Len())
	assert.Equal(t, 1, f.engine.Stats().TrackedSources)

	resp, err = http.Post(f.server.URL+"/admin/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, f.engine.Stats().TrackedSources)

	resp, err = http.Post(f.server.URL+"/admin/clear", "application/json", strings.NewReader(`{"target":"bogus"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, f.server.URL+"/admin/reset", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.scan("203.0.113.5", 4)
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `scanguard_alerts_total{kind="FAST_SCAN"} 1`)
}

func TestAlertStream(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/alerts/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.scan("203.0.113.5", 4)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "FAST_SCAN", got["kind"])
	assert.Equal(t, "203.0.113.5", got["src"])
	assert.EqualValues(t, 4, got["ports"])
}
