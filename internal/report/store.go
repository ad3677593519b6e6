// Package report keeps an optional PostgreSQL audit trail of accepted abuse
// reports for operator review. The live report counters and bans are in the
// shared store; this table only records history.
package report

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Report is one accepted report.
type Report struct {
	ID         int64
	ReporterID string
	TargetID   string
	TargetAddr string
	RoomID     string
	Count      int  // the target's counter after this report
	Banned     bool // whether this report triggered the ban
	CreatedAt  time.Time
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to url, applies pending migrations and returns the store.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("report: open: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: postgres connection failed: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Migrate brings the schema up to date from the embedded migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("report: migrations source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("report: migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("report: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("report: migrate up: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a report.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if r.ReporterID == "" || r.TargetID == "" {
		return errors.New("report: reporter and target are required")
	}
	if r.ReporterID == r.TargetID {
		return errors.New("report: self-report")
	}

	const query = `
		INSERT INTO abuse_reports (reporter_id, target_id, target_addr, room_id, report_count, banned)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		r.ReporterID, r.TargetID, r.TargetAddr, r.RoomID, r.Count, r.Banned,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns how many reports were filed against an address within
// window.
func (s *Store) CountRecent(ctx context.Context, targetAddr string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE target_addr = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, targetAddr, fmt.Sprintf("%d seconds", int64(window.Seconds()))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// Recent returns the latest reports, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, reporter_id, target_id, target_addr, room_id, report_count, banned, created_at
		FROM abuse_reports
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("report: recent: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.ReporterID, &r.TargetID, &r.TargetAddr, &r.RoomID, &r.Count, &r.Banned, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
