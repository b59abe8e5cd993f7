package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vango-go/vai-voicerag/pkg/gateway/grounding"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store appends grounding reports to a SQL database.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("grounding store dsn is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, driver: driver, now: time.Now}, nil
}

func dialectFor(driver string) (goose.Dialect, error) {
	switch driver {
	case DriverSQLite:
		return goose.DialectSQLite3, nil
	case DriverPostgres:
		return goose.DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported grounding store driver %q", driver)
	}
}

func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders for drivers that use numbered parameters.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record persists a report. Empty reports are skipped.
func (s *Store) Record(ctx context.Context, sessionID string, report grounding.Report) error {
	if len(report.Sources) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO grounding_reports (id, session_id, response_id, created_at_unix_ms) VALUES (?, ?, ?, ?)`),
		id, sessionID, report.ResponseID, s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	for i, src := range report.Sources {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO grounding_sources (report_id, ordinal, source_id, title) VALUES (?, ?, ?, ?)`),
			id, i, src.ID, src.Title,
		); err != nil {
			return fmt.Errorf("insert source: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Reports returns a session's stored reports in insertion order. Source
// content is not persisted.
func (s *Store) Reports(ctx context.Context, sessionID string) ([]grounding.Report, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT r.id, r.response_id, s.source_id, s.title
FROM grounding_reports r
JOIN grounding_sources s ON s.report_id = r.id
WHERE r.session_id = ?
ORDER BY r.created_at_unix_ms, r.id, s.ordinal`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var (
		out    []grounding.Report
		lastID string
	)
	for rows.Next() {
		var reportID, responseID, sourceID, title string
		if err := rows.Scan(&reportID, &responseID, &sourceID, &title); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if reportID != lastID {
			out = append(out, grounding.Report{ResponseID: responseID})
			lastID = reportID
		}
		last := &out[len(out)-1]
		last.Sources = append(last.Sources, grounding.Source{ID: sourceID, Title: title})
	}
	return out, rows.Err()
}
