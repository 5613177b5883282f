package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanguard/internal/config"
	"scanguard/internal/metrics"
	"scanguard/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, time.September, 3, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	alerts []model.AlertEvent
}

func (r *recorder) Publish(a model.AlertEvent) bool {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return true
}

func (r *recorder) byKind(kind model.AlertKind) []model.AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AlertEvent
	for _, a := range r.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Detection.FastScanPortThreshold = 15
	cfg.Detection.FastScanWindowDuration = 10 * time.Second
	cfg.Detection.SlowScanPortThreshold = 30
	cfg.Detection.SlowScanWindowDuration = 60 * time.Minute
	cfg.Detection.Shards = 8
	cfg.Detection.Workers = 4
	return cfg
}

func newEngineForTest(t *testing.T, cfg *config.Config) (*Engine, *fakeClock, *recorder) {
	t.Helper()
	rec := &recorder{}
	eng, err := NewEngine(cfg, nil, metrics.New(), rec)
	require.NoError(t, err)
	clock := newFakeClock()
	eng.SetClock(clock.Now)
	return eng, clock, rec
}

func gaiaDrop(src string, port int) model.Record {
	return model.Record{Line: fmt.Sprintf("Sep 3 15:12:20 192.168.99.1 Checkpoint: drop %s proto: tcp; service: %d; s_port: 40000", src, port)}
}

func gaiaAccept(src string, port int) model.Record {
	return model.Record{Line: fmt.Sprintf("Sep 3 15:12:20 192.168.99.1 Checkpoint: accept %s proto: tcp; service: %d; s_port: 40000", src, port)}
}

func cefLine(src string, port int, act string) model.Record {
	return model.Record{Line: fmt.Sprintf("CEF:0|Check Point|VPN-1 & FireWall-1|R81|firewall|Log|5|src=%s dpt=%d act=%s", src, port, act)}
}

func TestFastScanFiresOnceAtCrossing(t *testing.T) {
	eng, clock, rec := newEngineForTest(t, testConfig())
	for port := 1; port <= 16; port++ {
		got := eng.ProcessRecord(gaiaDrop("192.168.11.7", port))
		if port < 16 {
			require.Empty(t, got, "port %d", port)
		} else {
			require.Len(t, got, 1)
			assert.Equal(t, model.AlertFastScan, got[0].Kind)
			assert.Equal(t, 16, got[0].DistinctPorts)
			assert.Equal(t, 10*time.Second, got[0].Window)
			assert.Equal(t, 15, got[0].Threshold)
			assert.Equal(t, netip.MustParseAddr("192.168.11.7"), got[0].SourceAddr)
			assert.NotEmpty(t, got[0].ID)
		}
		clock.Advance(125 * time.Millisecond)
	}
	assert.Len(t, rec.byKind(model.AlertFastScan), 1)
	assert.Empty(t, rec.byKind(model.AlertSlowScan))
}

func TestAlertIsLoggedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng, err := NewEngine(testConfig(), logger, metrics.New(), &recorder{})
	require.NoError(t, err)
	clock := newFakeClock()
	eng.SetClock(clock.Now)
	for port := 1; port <= 16; port++ {
		eng.ProcessRecord(gaiaDrop("192.168.11.7", port))
	}

	var found map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "scan alert" {
			found = entry
		}
	}
	require.NotNil(t, found, "scan alert line missing from %s", buf.String())
	assert.Equal(t, "INFO", found["level"])
	assert.Equal(t, "FAST_SCAN", found["kind"])
	assert.Equal(t, "192.168.11.7", found["src"])
}

func TestSamePortNeverRaisesCount(t *testing.T) {
	eng, clock, rec := newEngineForTest(t, testConfig())
	for i := 0; i < 20; i++ {
		assert.Empty(t, eng.ProcessRecord(gaiaDrop("192.168.11.7", 22)))
		clock.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, rec.alerts)
	snap, ok := eng.Source(netip.MustParseAddr("192.168.11.7"))
	require.True(t, ok)
	assert.Equal(t, Counts{Fast: 1, Slow: 1}, snap.Counts)
	assert.Equal(t, uint64(20), snap.Events)
}

func TestAllowedRecordIsExcluded(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.ParserFormat = "cef"
	cfg.Detection.FastScanPortThreshold = 1
	eng, _, rec := newEngineForTest(t, cfg)

	assert.Empty(t, eng.ProcessRecord(cefLine("10.9.8.7", 80, "Drop")))
	assert.Empty(t, eng.ProcessRecord(cefLine("10.9.8.7", 443, "Allow")))
	assert.Empty(t, rec.alerts)

	snap, ok := eng.Source(netip.MustParseAddr("10.9.8.7"))
	require.True(t, ok)
	assert.Equal(t, 1, snap.Counts.Fast)
	assert.Equal(t, uint64(1), eng.Stats().Allowed)
}

func TestAllowedNeverCountsInEitherFormat(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FastScanPortThreshold = 1
	cfg.Detection.SlowScanPortThreshold = 1
	gaia, _, gaiaRec := newEngineForTest(t, cfg)
	for port := 1; port <= 50; port++ {
		gaia.ProcessRecord(gaiaAccept("10.1.1.1", port))
	}
	assert.Empty(t, gaiaRec.alerts)
	assert.Equal(t, 0, gaia.Store().Len())

	cfg = testConfig()
	cfg.Ingest.ParserFormat = "cef"
	cfg.Detection.FastScanPortThreshold = 1
	cef, _, cefRec := newEngineForTest(t, cfg)
	for port := 1; port <= 50; port++ {
		cef.ProcessRecord(cefLine("10.1.1.1", port, "accept"))
	}
	assert.Empty(t, cefRec.alerts)
	assert.Equal(t, 0, cef.Store().Len())
}

func TestSlowScanAcrossTheHour(t *testing.T) {
	eng, clock, rec := newEngineForTest(t, testConfig())
	for port := 1; port <= 31; port++ {
		got := eng.ProcessRecord(gaiaDrop("172.16.4.4", 1000+port))
		if port < 31 {
			require.Empty(t, got, "port %d", port)
			clock.Advance(115 * time.Second)
			continue
		}
		require.Len(t, got, 1)
		assert.Equal(t, model.AlertSlowScan, got[0].Kind)
		assert.Equal(t, 31, got[0].DistinctPorts)
		assert.Equal(t, time.Hour, got[0].Window)
	}
	assert.Len(t, rec.byKind(model.AlertSlowScan), 1)
	assert.Empty(t, rec.byKind(model.AlertFastScan))
}

func TestMalformedLineChangesNothing(t *testing.T) {
	eng, _, rec := newEngineForTest(t, testConfig())
	assert.Empty(t, eng.ProcessRecord(model.Record{Line: "garbage without structure"}))
	assert.Empty(t, eng.ProcessRecord(model.Record{Line: "Sep 3 15:12:20 fw Checkpoint: drop 10.0.0.1 proto: tcp; service: 0"}))
	assert.Empty(t, rec.alerts)
	assert.Equal(t, 0, eng.Store().Len())
	assert.Equal(t, uint64(2), eng.Stats().Malformed)

	assert.Empty(t, eng.ProcessRecord(gaiaDrop("10.0.0.1", 22)))
	assert.Equal(t, 1, eng.Store().Len())
}

func TestDebounceWaitsForFullHorizon(t *testing.T) {
	eng, clock, rec := newEngineForTest(t, testConfig())
	t0 := clock.Now()
	for port := 1; port <= 16; port++ {
		eng.ProcessRecord(gaiaDrop("192.168.11.7", port))
	}
	require.Len(t, rec.byKind(model.AlertFastScan), 1)

	clock.Advance(5 * time.Second)
	for port := 17; port <= 20; port++ {
		assert.Empty(t, eng.ProcessRecord(gaiaDrop("192.168.11.7", port)))
	}
	clock.Advance(4 * time.Second)
	assert.Empty(t, eng.ProcessRecord(gaiaDrop("192.168.11.7", 21)))

	clock.Advance(time.Second)
	got := eng.ProcessRecord(gaiaDrop("192.168.11.7", 22))
	require.Len(t, got, 1)
	assert.Equal(t, t0.Add(10*time.Second), got[0].Timestamp)
	assert.Equal(t, 22, got[0].DistinctPorts)
	assert.Len(t, rec.byKind(model.AlertFastScan), 2)
}

func TestCustomCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FastScanPortThreshold = 2
	cfg.Detection.FastScanCooldown = time.Minute
	eng, clock, rec := newEngineForTest(t, cfg)
	for port := 1; port <= 3; port++ {
		eng.ProcessRecord(gaiaDrop("10.2.2.2", port))
	}
	clock.Advance(30 * time.Second)
	for port := 4; port <= 6; port++ {
		eng.ProcessRecord(gaiaDrop("10.2.2.2", port))
	}
	assert.Len(t, rec.byKind(model.AlertFastScan), 1)
	clock.Advance(30 * time.Second)
	eng.ProcessRecord(gaiaDrop("10.2.2.2", 7))
	eng.ProcessRecord(gaiaDrop("10.2.2.2", 8))
	eng.ProcessRecord(gaiaDrop("10.2.2.2", 9))
	assert.Len(t, rec.byKind(model.AlertFastScan), 2)
}

func TestFastAndSlowAreIndependent(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FastScanPortThreshold = 3
	cfg.Detection.SlowScanPortThreshold = 5
	eng, _, rec := newEngineForTest(t, cfg)
	var fired []model.AlertKind
	for port := 1; port <= 6; port++ {
		for _, a := range eng.ProcessRecord(gaiaDrop("203.0.113.9", port)) {
			fired = append(fired, a.Kind)
		}
	}
	assert.Equal(t, []model.AlertKind{model.AlertFastScan, model.AlertSlowScan}, fired)
	assert.Len(t, rec.alerts, 2)
}

func TestBothKindsFromOneRecord(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FastScanPortThreshold = 2
	cfg.Detection.SlowScanPortThreshold = 2
	eng, _, _ := newEngineForTest(t, cfg)
	eng.ProcessRecord(gaiaDrop("203.0.113.10", 1))
	eng.ProcessRecord(gaiaDrop("203.0.113.10", 2))
	got := eng.ProcessRecord(gaiaDrop("203.0.113.10", 3))
	require.Len(t, got, 2)
	assert.Equal(t, model.AlertFastScan, got[0].Kind)
	assert.Equal(t, model.AlertSlowScan, got[1].Kind)
}

func TestIgnoredSourcesAreNotTracked(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FastScanPortThreshold = 1
	cfg.Detection.IgnoreSources = []string{"10.0.0.0/8", "192.0.2.1"}
	eng, _, rec := newEngineForTest(t, cfg)
	for port := 1; port <= 5; port++ {
		eng.ProcessRecord(gaiaDrop("10.20.30.40", port))
		eng.ProcessRecord(gaiaDrop("192.0.2.1", port))
	}
	assert.Empty(t, rec.alerts)
	assert.Equal(t, 0, eng.Store().Len())
	assert.Equal(t, uint64(10), eng.Stats().Ignored)
}

func TestUpdateConfig(t *testing.T) {
	eng, _, rec := newEngineForTest(t, testConfig())
	for port := 1; port <= 5; port++ {
		eng.ProcessRecord(gaiaDrop("198.51.100.3", port))
	}
	assert.Empty(t, rec.alerts)

	cfg := testConfig()
	cfg.Detection.FastScanPortThreshold = 5
	require.NoError(t, eng.UpdateConfig(cfg))
	got := eng.ProcessRecord(gaiaDrop("198.51.100.3", 6))
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Threshold)

	bad := testConfig()
	bad.Detection.IgnoreSources = []string{"not-a-prefix/99"}
	assert.Error(t, eng.UpdateConfig(bad))
}

func TestResetClearsDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FastScanPortThreshold = 2
	eng, _, rec := newEngineForTest(t, cfg)
	for port := 1; port <= 3; port++ {
		eng.ProcessRecord(gaiaDrop("10.3.3.3", port))
	}
	eng.Reset()
	assert.Equal(t, 0, eng.Store().Len())
	for port := 1; port <= 3; port++ {
		eng.ProcessRecord(gaiaDrop("10.3.3.3", port))
	}
	assert.Len(t, rec.alerts, 2)
}

func TestUnknownFormatFailsConstruction(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.ParserFormat = "pfsense"
	_, err := NewEngine(cfg, nil, nil, nil)
	assert.Error(t, err)
}

func TestWorkersSerializeSameSource(t *testing.T) {
	eng, _, rec := newEngineForTest(t, testConfig())
	in := make(chan model.Record, 256)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx, in)

	for port := 1; port <= 100; port++ {
		in <- gaiaDrop("192.168.11.7", port)
		in <- gaiaDrop(fmt.Sprintf("10.0.%d.1", port), 80)
	}
	close(in)
	eng.Wait()

	assert.Len(t, rec.byKind(model.AlertFastScan), 1, "debounce holds across concurrent workers")
	assert.Len(t, rec.byKind(model.AlertSlowScan), 1)
	assert.Equal(t, 101, eng.Store().Len())
	assert.Equal(t, uint64(200), eng.Stats().Events)
}
