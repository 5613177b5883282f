package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"scanguard/internal/config"
	"scanguard/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Store archives emitted alerts. It is never read back into detection.
// Send makes every Store usable as an alert sink.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Name() string
	Send(ctx context.Context, alert model.AlertEvent) error
	SaveAlert(ctx context.Context, alert model.AlertEvent) error
	RecentAlerts(ctx context.Context, limit int) ([]model.AlertEvent, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Name() string { return "archive" }

func (b *baseStore) migrate(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 10000 {
		return 100
	}
	return limit
}

type alertRow struct {
	id        string
	kind      string
	src       string
	ports     int
	windowMS  int64
	threshold int
}

func (r alertRow) toAlert(ts time.Time) (model.AlertEvent, error) {
	addr, err := netip.ParseAddr(r.src)
	if err != nil {
		return model.AlertEvent{}, fmt.Errorf("alert %s: %w", r.id, err)
	}
	return model.AlertEvent{
		ID:            r.id,
		Kind:          model.AlertKind(r.kind),
		SourceAddr:    addr,
		DistinctPorts: r.ports,
		Window:        time.Duration(r.windowMS) * time.Millisecond,
		Threshold:     r.threshold,
		Timestamp:     ts.UTC(),
	}, nil
}
