package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"scanguard/internal/alerts"
	"scanguard/internal/config"
	"scanguard/internal/engine"
	"scanguard/internal/metrics"
	"scanguard/internal/model"
	"scanguard/internal/storage"
)

type Detector interface {
	Stats() engine.Stats
	Sources() []engine.SourceSnapshot
	Source(addr netip.Addr) (engine.SourceSnapshot, bool)
	Reset()
}

type Server struct {
	cfg     *config.Manager
	metrics *metrics.Metrics
	alerts  *alerts.Store
	archive storage.Store
	engine  Detector
	hub     *Hub
	sinks   func() []string
	logger  *slog.Logger
	version string
}

// Options carries the optional collaborators of the query API.
type Options struct {
	Metrics *metrics.Metrics
	Alerts  *alerts.Store
	Archive storage.Store
	Hub     *Hub
	Sinks   func() []string
	Version string
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Ingest     ingestStatus    `json:"ingest"`
	Detection  detectionStatus `json:"detection"`
	Engine     engine.Stats    `json:"engine"`
	Sinks      []string        `json:"sinks"`
	Streams    int             `json:"stream_clients"`
}

type ingestStatus struct {
	Format   string `json:"format"`
	REST     bool   `json:"rest"`
	Syslog   bool   `json:"syslog"`
	FileTail bool   `json:"file_tail"`
	Kafka    bool   `json:"kafka"`
}

type detectionStatus struct {
	FastThreshold int    `json:"fast_threshold"`
	FastWindow    string `json:"fast_window"`
	FastCooldown  string `json:"fast_cooldown"`
	SlowThreshold int    `json:"slow_threshold"`
	SlowWindow    string `json:"slow_window"`
	SlowCooldown  string `json:"slow_cooldown"`
	IgnoreSources int    `json:"ignore_sources"`
}

func NewServer(cfg *config.Manager, det Detector, logger *slog.Logger, opts Options) *Server {
	return &Server{
		cfg:     cfg,
		metrics: opts.Metrics,
		alerts:  opts.Alerts,
		archive: opts.Archive,
		engine:  det,
		hub:     opts.Hub,
		sinks:   opts.Sinks,
		logger:  logger,
		version: opts.Version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/alerts/archive", s.handleArchive)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/sources/", s.handleSource)
	mux.HandleFunc("/admin/reset", s.handleReset)
	mux.HandleFunc("/admin/clear", s.handleClear)
	if s.hub != nil {
		mux.Handle("/alerts/stream", s.hub)
	}
	if s.metrics != nil {
		path := "/metrics"
		if s.cfg != nil && s.cfg.Get().Metrics.Path != "" {
			path = s.cfg.Get().Metrics.Path
		}
		mux.Handle(path, s.metrics.Handler())
	}
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, det Detector, logger *slog.Logger, opts Options) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, det, logger, opts)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	d := cfg.Detection
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			Format:   cfg.Ingest.ParserFormat,
			REST:     cfg.Ingest.REST.Enabled,
			Syslog:   cfg.Ingest.Syslog.Enabled,
			FileTail: cfg.Ingest.FileTail.Enabled,
			Kafka:    cfg.Ingest.Kafka.Enabled,
		},
		Detection: detectionStatus{
			FastThreshold: d.FastScanPortThreshold,
			FastWindow:    d.FastScanWindowDuration.String(),
			FastCooldown:  d.FastCooldown().String(),
			SlowThreshold: d.SlowScanPortThreshold,
			SlowWindow:    d.SlowScanWindowDuration.String(),
			SlowCooldown:  d.SlowCooldown().String(),
			IgnoreSources: len(d.IgnoreSources),
		},
		Sinks: []string{},
	}
	if s.engine != nil {
		resp.Engine = s.engine.Stats()
	}
	if s.sinks != nil {
		resp.Sinks = s.sinks()
	}
	if s.hub != nil {
		resp.Streams = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.AlertEvent{}, "count": 0})
		return
	}
	limit := queryLimit(r)
	sinceStr := r.URL.Query().Get("since")
	var list []model.AlertEvent
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.alerts.Since(ts)
	} else {
		list = s.alerts.List(limit)
	}
	if list == nil {
		list = []model.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.archive == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	list, err := s.archive.RecentAlerts(r.Context(), queryLimit(r))
	if err != nil {
		if s.logger != nil {
			s.logger.Error("archive query failed", "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []model.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list := s.engine.Sources()
	if limit := queryLimit(r); limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	if list == nil {
		list = []engine.SourceSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": list,
		"count":   len(list),
	})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/sources/")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	snap, ok := s.engine.Source(addr)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine != nil {
		s.engine.Reset()
	}
	if s.logger != nil {
		s.logger.Info("detection state reset via api")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.alerts != nil {
			s.alerts.Clear()
		}
		if s.engine != nil {
			s.engine.Reset()
		}
	case "alerts":
		if s.alerts != nil {
			s.alerts.Clear()
		}
	case "sources":
		if s.engine != nil {
			s.engine.Reset()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
