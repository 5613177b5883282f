package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scanguard/internal/metrics"
	"scanguard/internal/model"
)

// Dispatcher moves alerts off the detection path. Publish only enqueues;
// a single goroutine fans each alert out to every sink with a timeout.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	sinks   []Sink
	timeout time.Duration
	queue   chan model.AlertEvent
	warn    *rate.Limiter

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

func NewDispatcher(logger *slog.Logger, m *metrics.Metrics, queueSize int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		logger:  logger,
		metrics: m,
		sinks:   sinks,
		timeout: timeout,
		queue:   make(chan model.AlertEvent, queueSize),
		warn:    rate.NewLimiter(rate.Every(10*time.Second), 1),
		done:    make(chan struct{}),
	}
}

// AddSink registers s. It must be called before Start.
func (d *Dispatcher) AddSink(s Sink) {
	if s == nil {
		return
	}
	d.sinks = append(d.sinks, s)
}

func (d *Dispatcher) Sinks() []string {
	out := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		out = append(out, s.Name())
	}
	return out
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	go d.run()
}

// Publish queues alert without blocking. It returns false when the queue is
// full or the dispatcher is closed; the alert is then dropped.
func (d *Dispatcher) Publish(alert model.AlertEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- alert:
		d.metrics.SetAlertQueue(len(d.queue))
		return true
	default:
	}
	d.metrics.AlertDropped()
	if d.logger != nil && d.warn.Allow() {
		d.logger.Warn("alert queue full, dropping alerts",
			"kind", alert.Kind,
			"src", alert.SourceAddr.String(),
			"queue_size", cap(d.queue),
		)
	}
	return false
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for alert := range d.queue {
		d.metrics.SetAlertQueue(len(d.queue))
		d.deliver(alert)
	}
}

func (d *Dispatcher) deliver(alert model.AlertEvent) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Send(ctx, alert)
		cancel()
		if err == nil {
			continue
		}
		d.metrics.SinkFailed(s.Name())
		if d.logger != nil {
			d.logger.Warn("alert delivery failed",
				"sink", s.Name(),
				"id", alert.ID,
				"kind", alert.Kind,
				"src", alert.SourceAddr.String(),
				"error", err,
			)
		}
	}
}

// Close stops accepting alerts and waits until queued ones are delivered
// or ctx is done. Sinks implementing io.Closer are closed afterwards.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		for alert := range d.queue {
			d.deliver(alert)
		}
		return d.closeSinks()
	}
	select {
	case <-d.done:
		return d.closeSinks()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) closeSinks() error {
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
