package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"scanguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/scanguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.migrate(ctx, []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			src INET NOT NULL,
			ports INTEGER NOT NULL,
			window_ms BIGINT NOT NULL,
			threshold INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_src ON alerts(src)`,
	})
}

func (s *postgresStore) Send(ctx context.Context, alert model.AlertEvent) error {
	return s.SaveAlert(ctx, alert)
}

func (s *postgresStore) SaveAlert(ctx context.Context, alert model.AlertEvent) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, ts, kind, src, ports, window_ms, threshold)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		alert.ID,
		alert.Timestamp.UTC(),
		string(alert.Kind),
		alert.SourceAddr.String(),
		alert.DistinctPorts,
		alert.Window.Milliseconds(),
		alert.Threshold,
	)
	if err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

func (s *postgresStore) RecentAlerts(ctx context.Context, limit int) ([]model.AlertEvent, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id::text, ts, kind, host(src), ports, window_ms, threshold FROM alerts ORDER BY ts DESC LIMIT $1`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	out := make([]model.AlertEvent, 0)
	for rows.Next() {
		var r alertRow
		var ts time.Time
		if err := rows.Scan(&r.id, &ts, &r.kind, &r.src, &r.ports, &r.windowMS, &r.threshold); err != nil {
			return nil, err
		}
		alert, err := r.toAlert(ts)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}
