package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"scanguard/internal/config"
)

type RESTServer struct {
	pipe   *Pipe
	logger *slog.Logger
}

func StartREST(ctx context.Context, cfg config.RESTConfig, pipe *Pipe, logger *slog.Logger) *http.Server {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", cfg.Addr)
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRESTHandler(pipe, logger),
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

// NewRESTHandler accepts POST /ingest with either plain text lines or a
// JSON array of strings.
func NewRESTHandler(pipe *Pipe, logger *slog.Logger) http.Handler {
	s := &RESTServer{pipe: pipe, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func (s *RESTServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var lines []string
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &lines); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		lines = SplitLines(trimmed)
	}

	accepted := 0
	for _, line := range lines {
		if s.pipe.Emit(r.Context(), "rest", line) {
			accepted++
		}
	}
	status := http.StatusAccepted
	if len(lines) > 0 && accepted == 0 {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"dropped":  len(lines) - accepted,
	})
}
