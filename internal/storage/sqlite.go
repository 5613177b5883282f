package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scanguard/internal/model"
)

// sqlite keeps timestamps as fixed width UTC text so they sort correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:scanguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.migrate(ctx, []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			src TEXT NOT NULL,
			ports INTEGER NOT NULL,
			window_ms INTEGER NOT NULL,
			threshold INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_src ON alerts(src)`,
	})
}

func (s *sqliteStore) Send(ctx context.Context, alert model.AlertEvent) error {
	return s.SaveAlert(ctx, alert)
}

func (s *sqliteStore) SaveAlert(ctx context.Context, alert model.AlertEvent) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (id, ts, kind, src, ports, window_ms, threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.Timestamp.UTC().Format(sqliteTimeLayout),
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

func (s *sqliteStore) RecentAlerts(ctx context.Context, limit int) ([]model.AlertEvent, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, kind, src, ports, window_ms, threshold FROM alerts ORDER BY ts DESC LIMIT ?`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	out := make([]model.AlertEvent, 0)
	for rows.Next() {
		var r alertRow
		var ts string
		if err := rows.Scan(&r.id, &ts, &r.kind, &r.src, &r.ports, &r.windowMS, &r.threshold); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(sqliteTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("alert %s: %w", r.id, err)
		}
		alert, err := r.toAlert(parsed)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}
