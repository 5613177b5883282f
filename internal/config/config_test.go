package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanguard/internal/normalize"
)

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "gaia", cfg.Ingest.ParserFormat)
	assert.Equal(t, 15, cfg.Detection.FastScanPortThreshold)
	assert.Equal(t, 10*time.Second, cfg.Detection.FastScanWindowDuration)
	assert.Equal(t, 30, cfg.Detection.SlowScanPortThreshold)
	assert.Equal(t, time.Hour, cfg.Detection.SlowScanWindowDuration)
	assert.Equal(t, time.Minute, cfg.Detection.CleanupInterval)
	assert.Equal(t, 10*time.Second, cfg.Detection.FastCooldown())
	assert.Equal(t, time.Hour, cfg.Detection.SlowCooldown())
}

func TestParseYAML(t *testing.T) {
	doc := `
log_level: debug
ingest:
  parser_format: CEF
detection:
  fast_scan_port_threshold: 5
  fast_scan_window_duration: 2s
  slow_scan_port_threshold: 20
  slow_scan_window_duration: 30m
  slow_scan_cooldown: 10m
  ignore_sources:
    - 10.0.0.0/8
    - 192.168.1.5
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "cef", cfg.Ingest.ParserFormat)
	assert.Equal(t, 5, cfg.Detection.FastScanPortThreshold)
	assert.Equal(t, 2*time.Second, cfg.Detection.FastScanWindowDuration)
	assert.Equal(t, 30*time.Minute, cfg.Detection.SlowScanWindowDuration)
	assert.Equal(t, 10*time.Minute, cfg.Detection.SlowCooldown())
	assert.Equal(t, 2*time.Second, cfg.Detection.FastCooldown())
	assert.Equal(t, 64, cfg.Detection.Shards, "unset keys keep defaults")
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"ingest":{"parser_format":"gaia"},"detection":{"fast_scan_port_threshold":3}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Detection.FastScanPortThreshold)
	assert.Equal(t, 30, cfg.Detection.SlowScanPortThreshold)
}

func TestParseJSONDurations(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"detection": {
			"fast_scan_window_duration": "15s",
			"slow_scan_window_duration": "2h",
			"fast_scan_cooldown": "30s",
			"cleanup_interval": 5000000000
		},
		"alerts": {"send_timeout": "750ms", "store_limit": 10}
	}`))
	require.NoError(t, err)
	d := cfg.Detection
	assert.Equal(t, 15*time.Second, d.FastScanWindowDuration)
	assert.Equal(t, 2*time.Hour, d.SlowScanWindowDuration)
	assert.Equal(t, 30*time.Second, d.FastScanCooldown)
	assert.Equal(t, 2*time.Hour, d.SlowCooldown(), "unset cooldown follows the window")
	assert.Equal(t, 5*time.Second, d.CleanupInterval)
	assert.Equal(t, 15, d.FastScanPortThreshold, "unset keys keep defaults")
	assert.Equal(t, 750*time.Millisecond, cfg.Alerts.SendTimeout)
	assert.Equal(t, 10, cfg.Alerts.StoreLimit)

	_, err = Parse([]byte(`{"detection":{"fast_scan_window_duration":"ten seconds"}}`))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestSaveJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanguard.json")
	cfg := DefaultConfig()
	cfg.Detection.FastScanCooldown = 45 * time.Second
	require.NoError(t, Save(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"fast_scan_window_duration": "10s"`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Detection, loaded.Detection)
	assert.Equal(t, cfg.Alerts.SendTimeout, loaded.Alerts.SendTimeout)
}

func TestUnknownParserFormatIsFatal(t *testing.T) {
	_, err := Parse([]byte("ingest:\n  parser_format: fortigate\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, normalize.ErrUnknownFormat))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero fast threshold": func(c *Config) { c.Detection.FastScanPortThreshold = 0 },
		"negative slow":       func(c *Config) { c.Detection.SlowScanPortThreshold = -1 },
		"negative window":     func(c *Config) { c.Detection.FastScanWindowDuration = -time.Second },
		"bad ignore entry":    func(c *Config) { c.Detection.IgnoreSources = []string{"10.0.0.0/33"} },
		"siem without addr":   func(c *Config) { c.Alerts.SIEM.Enabled = true },
		"siem bad format":     func(c *Config) { c.Alerts.SIEM = SIEMConfig{Enabled: true, Addr: "127.0.0.1:514", Format: "xml"} },
		"email without to":    func(c *Config) { c.Alerts.Email = EmailConfig{Enabled: true, SMTPAddr: "mx:25", From: "ids@example.org"} },
		"storage bad driver":  func(c *Config) { c.Storage = StorageConfig{Enabled: true, Driver: "mysql", DSN: "x"} },
		"kafka missing group": func(c *Config) { c.Ingest.Kafka = KafkaConfig{Enabled: true, Brokers: []string{"b:9092"}, Topic: "fw"} },
		"bad log format":      func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestParsePrefixes(t *testing.T) {
	got, err := ParsePrefixes([]string{"10.1.2.3/8", " 192.168.1.5 ", "", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), got[0])
	assert.Equal(t, netip.MustParsePrefix("192.168.1.5/32"), got[1])
	assert.True(t, got[2].Contains(netip.MustParseAddr("2001:db8::1")))
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  fast_scan_port_threshold: 7\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 7, m.Get().Detection.FastScanPortThreshold)

	require.NoError(t, os.WriteFile(path, []byte("detection:\n  fast_scan_port_threshold: 9\n"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Detection.FastScanPortThreshold)
	assert.Equal(t, 9, m.Get().Detection.FastScanPortThreshold)
}

func TestSaveRoundTripYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Detection.FastScanPortThreshold = 11
	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 11, loaded.Detection.FastScanPortThreshold)
	assert.Equal(t, cfg.Detection.SlowScanWindowDuration, loaded.Detection.SlowScanWindowDuration)
}
