// Package storage implements the persistence collaborator: durable alert
// records and per-process metric snapshots, with retention deletes. Postgres
// is the production backend; Memory backs tests and storeless runs.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"procpulse/pkg/alerts"
	"procpulse/pkg/model"
)

// MetricStore persists evaluation snapshots.
type MetricStore interface {
	SaveSnapshot(snap model.Snapshot) error
	DeleteMetricsBefore(cutoff time.Time) (int, error)
}

// Postgres implements alerts.Store and MetricStore over lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection, and runs migrations.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			severity INT NOT NULL,
			source TEXT NOT NULL,
			pid INT,
			process_name TEXT,
			metric TEXT,
			message TEXT NOT NULL,
			details JSONB,
			ml_detected BOOLEAN NOT NULL DEFAULT FALSE,
			algorithm TEXT,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_at TIMESTAMPTZ,
			acknowledged_by TEXT,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_resolved ON alerts(resolved, resolved_at)`,
		`CREATE TABLE IF NOT EXISTS metric_snapshots (
			id BIGSERIAL PRIMARY KEY,
			pid INT NOT NULL,
			process_name TEXT,
			timestamp TIMESTAMPTZ NOT NULL,
			metrics JSONB NOT NULL,
			ml_analysis JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_pid_ts ON metric_snapshots(pid, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON metric_snapshots(timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// SaveAlert inserts a new alert row.
func (p *Postgres) SaveAlert(a *alerts.Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	_, err = p.db.Exec(`
		INSERT INTO alerts (id, type, severity, source, pid, process_name, metric,
			message, details, ml_detected, algorithm, acknowledged, resolved,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.Type, a.Severity, a.Source, a.PID, a.ProcessName, a.Metric,
		a.Message, string(details), a.MLDetected, a.Algorithm, a.Acknowledged, a.Resolved,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// UpdateAlert writes lifecycle transitions back to the row.
func (p *Postgres) UpdateAlert(a *alerts.Alert) error {
	res, err := p.db.Exec(`
		UPDATE alerts SET acknowledged=$2, acknowledged_at=$3, acknowledged_by=$4,
			resolved=$5, resolved_at=$6, updated_at=$7
		WHERE id=$1`,
		a.ID, a.Acknowledged, a.AcknowledgedAt, a.AcknowledgedBy,
		a.Resolved, a.ResolvedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert not found: %s", a.ID)
	}
	return nil
}

// RecentAlerts returns up to limit alerts ordered newest first.
func (p *Postgres) RecentAlerts(limit int, unackedOnly bool) ([]*alerts.Alert, error) {
	query := `
		SELECT id, type, severity, source, pid, process_name, metric, message,
			details, ml_detected, algorithm, acknowledged, acknowledged_at,
			acknowledged_by, resolved, resolved_at, created_at, updated_at
		FROM alerts`
	if unackedOnly {
		query += ` WHERE NOT acknowledged`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := p.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*alerts.Alert
	for rows.Next() {
		var a alerts.Alert
		var details []byte
		var pid sql.NullInt32
		var processName, metric, algorithm, ackedBy sql.NullString
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Source, &pid,
			&processName, &metric, &a.Message, &details, &a.MLDetected,
			&algorithm, &a.Acknowledged, &a.AcknowledgedAt, &ackedBy,
			&a.Resolved, &a.ResolvedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.PID = pid.Int32
		a.ProcessName = processName.String
		a.Metric = metric.String
		a.Algorithm = algorithm.String
		a.AcknowledgedBy = ackedBy.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AlertStats aggregates counts by type and ML detection since the cutoff.
func (p *Postgres) AlertStats(since time.Time) (*alerts.Stats, error) {
	rows, err := p.db.Query(`
		SELECT type, COUNT(*), COUNT(*) FILTER (WHERE ml_detected)
		FROM alerts WHERE created_at >= $1 GROUP BY type`, since)
	if err != nil {
		return nil, fmt.Errorf("query alert stats: %w", err)
	}
	defer rows.Close()

	stats := &alerts.Stats{ByType: make(map[alerts.Type]int)}
	for rows.Next() {
		var typ alerts.Type
		var count, mlCount int
		if err := rows.Scan(&typ, &count, &mlCount); err != nil {
			return nil, fmt.Errorf("scan alert stats: %w", err)
		}
		stats.ByType[typ] = count
		stats.Total += count
		stats.MLDetected += mlCount
	}
	return stats, rows.Err()
}

// DeleteResolvedBefore removes resolved alerts older than the cutoff.
func (p *Postgres) DeleteResolvedBefore(cutoff time.Time) (int, error) {
	res, err := p.db.Exec(`DELETE FROM alerts WHERE resolved AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete resolved alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveSnapshot inserts one evaluation snapshot.
func (p *Postgres) SaveSnapshot(snap model.Snapshot) error {
	metrics, err := json.Marshal(snap.Sample)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	var analysis []byte
	if snap.Analysis != nil {
		if analysis, err = json.Marshal(snap.Analysis); err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
	}

	var analysisArg interface{}
	if analysis != nil {
		analysisArg = string(analysis)
	}
	_, err = p.db.Exec(`
		INSERT INTO metric_snapshots (pid, process_name, timestamp, metrics, ml_analysis)
		VALUES ($1,$2,$3,$4,$5)`,
		snap.PID, snap.ProcessName, snap.Timestamp, string(metrics), analysisArg)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// DeleteMetricsBefore removes snapshots older than the cutoff.
func (p *Postgres) DeleteMetricsBefore(cutoff time.Time) (int, error) {
	res, err := p.db.Exec(`DELETE FROM metric_snapshots WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
