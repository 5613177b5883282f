package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"scanguard/internal/normalize"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	ParserFormat  string         `json:"parser_format" yaml:"parser_format"`
	Timezone      string         `json:"timezone" yaml:"timezone"`
	ChannelBuffer int            `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig     `json:"rest" yaml:"rest"`
	Syslog        SyslogConfig   `json:"syslog" yaml:"syslog"`
	FileTail      FileTailConfig `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig    `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr"`
	TCPAddr string `json:"tcp_addr" yaml:"tcp_addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DetectionConfig struct {
	FastScanPortThreshold  int           `json:"fast_scan_port_threshold" yaml:"fast_scan_port_threshold"`
	FastScanWindowDuration time.Duration `json:"fast_scan_window_duration" yaml:"fast_scan_window_duration"`
	SlowScanPortThreshold  int           `json:"slow_scan_port_threshold" yaml:"slow_scan_port_threshold"`
	SlowScanWindowDuration time.Duration `json:"slow_scan_window_duration" yaml:"slow_scan_window_duration"`
	// Cooldowns default to the matching window duration when unset.
	FastScanCooldown time.Duration `json:"fast_scan_cooldown" yaml:"fast_scan_cooldown"`
	SlowScanCooldown time.Duration `json:"slow_scan_cooldown" yaml:"slow_scan_cooldown"`
	Workers          int           `json:"workers" yaml:"workers"`
	Shards           int           `json:"shards" yaml:"shards"`
	CleanupInterval  time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	IgnoreSources    []string      `json:"ignore_sources" yaml:"ignore_sources"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type AlertsConfig struct {
	StoreLimit  int           `json:"store_limit" yaml:"store_limit"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	SendTimeout time.Duration `json:"send_timeout" yaml:"send_timeout"`
	Log         bool          `json:"log" yaml:"log"`
	SIEM        SIEMConfig    `json:"siem" yaml:"siem"`
	Email       EmailConfig   `json:"email" yaml:"email"`
	Kafka       AlertKafka    `json:"kafka" yaml:"kafka"`
}

type SIEMConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Format  string `json:"format" yaml:"format"`
}

type EmailConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	SMTPAddr string   `json:"smtp_addr" yaml:"smtp_addr"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	From     string   `json:"from" yaml:"from"`
	To       []string `json:"to" yaml:"to"`
}

type AlertKafka struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

const (
	defaultFastThreshold   = 15
	defaultFastWindow      = 10 * time.Second
	defaultSlowThreshold   = 30
	defaultSlowWindow      = 60 * time.Minute
	defaultCleanupInterval = 60 * time.Second
	defaultShards          = 64
	defaultWorkers         = 4
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ParserFormat:  "gaia",
			Timezone:      "UTC",
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: false, Addr: ":8080"},
			Syslog:        SyslogConfig{Enabled: true, UDPAddr: ":5514"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Detection: DetectionConfig{
			FastScanPortThreshold:  defaultFastThreshold,
			FastScanWindowDuration: defaultFastWindow,
			SlowScanPortThreshold:  defaultSlowThreshold,
			SlowScanWindowDuration: defaultSlowWindow,
			Workers:                defaultWorkers,
			Shards:                 defaultShards,
			CleanupInterval:        defaultCleanupInterval,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:scanguard.db?_pragma=busy_timeout(5000)"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Alerts: AlertsConfig{
			StoreLimit:  1000,
			QueueSize:   1024,
			SendTimeout: 5 * time.Second,
			Log:         true,
			SIEM:        SIEMConfig{Format: "line"},
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a YAML or JSON document on top of DefaultConfig.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode config: %w", decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ParserFormat == "" {
		cfg.Ingest.ParserFormat = "gaia"
	}
	cfg.Ingest.ParserFormat = strings.ToLower(strings.TrimSpace(cfg.Ingest.ParserFormat))
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = "UTC"
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Detection.FastScanWindowDuration == 0 {
		cfg.Detection.FastScanWindowDuration = defaultFastWindow
	}
	if cfg.Detection.SlowScanWindowDuration == 0 {
		cfg.Detection.SlowScanWindowDuration = defaultSlowWindow
	}
	if cfg.Detection.Workers <= 0 {
		cfg.Detection.Workers = defaultWorkers
	}
	if cfg.Detection.Shards <= 0 {
		cfg.Detection.Shards = defaultShards
	}
	if cfg.Detection.CleanupInterval <= 0 {
		cfg.Detection.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Alerts.QueueSize <= 0 {
		cfg.Alerts.QueueSize = 1024
	}
	if cfg.Alerts.SendTimeout <= 0 {
		cfg.Alerts.SendTimeout = 5 * time.Second
	}
	if cfg.Alerts.SIEM.Format == "" {
		cfg.Alerts.SIEM.Format = "line"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
}

// FastCooldown returns the fast horizon debounce period.
func (d DetectionConfig) FastCooldown() time.Duration {
	if d.FastScanCooldown > 0 {
		return d.FastScanCooldown
	}
	return d.FastScanWindowDuration
}

func (d DetectionConfig) SlowCooldown() time.Duration {
	if d.SlowScanCooldown > 0 {
		return d.SlowScanCooldown
	}
	return d.SlowScanWindowDuration
}

// Location resolves ingest.timezone, falling back to UTC.
func (i IngestConfig) Location() *time.Location {
	if i.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(i.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParsePrefixes turns IP or CIDR strings into prefixes. A bare address
// becomes a single host prefix.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func Validate(cfg *Config) error {
	if !normalize.Supported(cfg.Ingest.ParserFormat) {
		return fmt.Errorf("ingest.parser_format %q: %w (supported: %s)",
			cfg.Ingest.ParserFormat, normalize.ErrUnknownFormat, strings.Join(normalize.Formats(), ", "))
	}
	if _, err := time.LoadLocation(cfg.Ingest.Timezone); err != nil {
		return fmt.Errorf("ingest.timezone: %w", err)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.UDPAddr == "" && cfg.Ingest.Syslog.TCPAddr == "" {
		return errors.New("ingest.syslog.udp_addr or tcp_addr required when ingest.syslog.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	d := cfg.Detection
	if d.FastScanPortThreshold <= 0 {
		return errors.New("detection.fast_scan_port_threshold must be > 0")
	}
	if d.SlowScanPortThreshold <= 0 {
		return errors.New("detection.slow_scan_port_threshold must be > 0")
	}
	if d.FastScanWindowDuration <= 0 {
		return fmt.Errorf("detection.fast_scan_window_duration must be > 0, got %s", d.FastScanWindowDuration)
	}
	if d.SlowScanWindowDuration <= 0 {
		return fmt.Errorf("detection.slow_scan_window_duration must be > 0, got %s", d.SlowScanWindowDuration)
	}
	if d.FastScanCooldown < 0 || d.SlowScanCooldown < 0 {
		return errors.New("detection cooldowns must not be negative")
	}
	if _, err := ParsePrefixes(d.IgnoreSources); err != nil {
		return fmt.Errorf("detection.ignore_sources: %w", err)
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql", "pgx":
		default:
			return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
		}
		if cfg.Storage.DSN == "" {
			return errors.New("storage.dsn required when storage.enabled is true")
		}
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", cfg.Metrics.Path)
	}
	a := cfg.Alerts
	if a.SIEM.Enabled {
		if a.SIEM.Addr == "" {
			return errors.New("alerts.siem.addr required when alerts.siem.enabled is true")
		}
		switch strings.ToLower(a.SIEM.Format) {
		case "line", "cef":
		default:
			return fmt.Errorf("alerts.siem.format %q must be line or cef", a.SIEM.Format)
		}
	}
	if a.Email.Enabled && (a.Email.SMTPAddr == "" || a.Email.From == "" || len(a.Email.To) == 0) {
		return errors.New("alerts.email requires smtp_addr, from, to")
	}
	if a.Kafka.Enabled && (len(a.Kafka.Brokers) == 0 || a.Kafka.Topic == "") {
		return errors.New("alerts.kafka requires brokers, topic")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format %q must be json or text", cfg.LogFormat)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the file modification time and reloads on change until stop
// is closed. A reload that fails validation keeps the previous config.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if info, statErr := os.Stat(m.path); statErr == nil {
					m.modTime = info.ModTime()
				}
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
