package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scanguard/internal/metrics"
	"scanguard/internal/model"
)

// MaxLineLength caps a single record; longer lines are truncated.
const MaxLineLength = 64 * 1024

// Pipe hands raw lines from every transport to the engine channel. Sends
// never block: a full channel drops the record.
type Pipe struct {
	out     chan<- model.Record
	logger  *slog.Logger
	metrics *metrics.Metrics
	warn    *rate.Limiter
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

func NewPipe(out chan<- model.Record, logger *slog.Logger, m *metrics.Metrics) *Pipe {
	return &Pipe{
		out:     out,
		logger:  logger,
		metrics: m,
		warn:    rate.NewLimiter(rate.Every(5*time.Second), 1),
		now:     time.Now,
	}
}

// Emit queues one line. Blank lines are skipped and report false.
func (p *Pipe) Emit(ctx context.Context, source, line string) bool {
	line = strings.TrimRight(line, "\r\x00")
	if strings.TrimSpace(line) == "" {
		return false
	}
	if len(line) > MaxLineLength {
		if p.logger != nil {
			p.logger.Warn("truncated oversized record", "source", source, "size", len(line), "limit", MaxLineLength)
		}
		line = line[:MaxLineLength]
	}
	rec := model.Record{Line: line, Source: source, ReceivedAt: p.now().UTC()}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false
	}
	sent := SendNonBlocking(ctx, p.out, rec)
	p.mu.RUnlock()
	if sent {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	p.metrics.IngestDropped(source)
	if p.logger != nil && p.warn.Allow() {
		p.logger.Warn("record channel full, dropping records", "source", source, "capacity", cap(p.out))
	}
	return false
}

// Close stops accepting lines and closes the engine channel so workers can
// drain what is already buffered. Emit after Close reports false.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.out)
}

// EmitPayload splits payload into lines and queues each one. It returns the
// number of lines accepted.
func (p *Pipe) EmitPayload(ctx context.Context, source, payload string) int {
	n := 0
	for _, line := range SplitLines(payload) {
		if p.Emit(ctx, source, line) {
			n++
		}
	}
	return n
}

// SplitLines breaks a datagram or message body into records. Several
// firewall lines may share one network message.
func SplitLines(payload string) []string {
	parts := strings.Split(payload, "\n")
	out := parts[:0]
	for _, part := range parts {
		part = strings.TrimRight(part, "\r\x00")
		if strings.TrimSpace(part) == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func SendNonBlocking(ctx context.Context, out chan<- model.Record, rec model.Record) bool {
	select {
	case out <- rec:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
