// Package registry indexes audit runs in SQLite so later runs of the same
// target can find their baseline.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/raysh454/uatu/internal/logging"
)

//go:embed schema.sql
var schemaFS embed.FS

var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

type Run struct {
	ID         string  `json:"id"`
	Target     string  `json:"target"`
	Ecosystem  string  `json:"ecosystem"`
	OutDir     string  `json:"out_dir"`
	Status     string  `json:"status"`
	CreatedAt  int64   `json:"created_at"`
	FinishedAt int64   `json:"finished_at,omitempty"`
	Overall    float64 `json:"overall,omitempty"`
	Grade      string  `json:"grade,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Registry stores run rows. It does not own the run directories.
type Registry struct {
	db     *sql.DB
	logger logging.Logger
}

// OpenDB opens the registry database at path with the usual pragmas.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

// NewRegistry runs the migrations from schema.sql on db.
func NewRegistry(db *sql.DB, logger logging.Logger) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &Registry{db: db, logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "registry"})}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// NormalizeTarget makes equivalent inputs compare equal: local paths become
// absolute and clean, addresses lower-case.
func NormalizeTarget(input string) string {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(strings.ToLower(input), "0x") {
		if _, err := os.Stat(input); err != nil {
			return strings.ToLower(input)
		}
	}
	if abs, err := filepath.Abs(input); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(input)
}

// CreateRun inserts a running row. An empty id gets a fresh uuid.
func (r *Registry) CreateRun(ctx context.Context, id, target, ecosystem, outDir string) (*Run, error) {
	if id == "" {
		id = uuid.New().String()
	}
	run := &Run{
		ID:        id,
		Target:    NormalizeTarget(target),
		Ecosystem: ecosystem,
		OutDir:    outDir,
		Status:    StatusRunning,
		CreatedAt: time.Now().UnixNano(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, target, ecosystem, out_dir, status, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Target, run.Ecosystem, run.OutDir, run.Status, run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	r.logger.Debug("run registered", logging.Field{Key: "run_id", Value: run.ID}, logging.Field{Key: "target", Value: run.Target})
	return run, nil
}

// FinishRun records the final status of a run.
func (r *Registry) FinishRun(ctx context.Context, id, status string, overall float64, grade, errMsg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, overall = ?, grade = ?, error = ? WHERE id = ?`,
		status, time.Now().UnixNano(), overall, nullable(grade), nullable(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const runColumns = `id, target, ecosystem, out_dir, status, created_at, finished_at, overall, grade, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run      Run
		finished sql.NullInt64
		overall  sql.NullFloat64
		grade    sql.NullString
		errMsg   sql.NullString
	)
	if err := s.Scan(&run.ID, &run.Target, &run.Ecosystem, &run.OutDir, &run.Status, &run.CreatedAt,
		&finished, &overall, &grade, &errMsg); err != nil {
		return nil, err
	}
	run.FinishedAt = finished.Int64
	run.Overall = overall.Float64
	run.Grade = grade.String
	run.Error = errMsg.String
	return &run, nil
}

func (r *Registry) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ? LIMIT 1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first. An empty target lists every run; a
// non-positive limit means no limit.
func (r *Registry) ListRuns(ctx context.Context, target string, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, NormalizeTarget(target))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// LatestCompleted returns the newest completed run of target other than
// excludeID.
func (r *Registry) LatestCompleted(ctx context.Context, target, excludeID string) (*Run, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
         WHERE target = ? AND status = ? AND id != ?
         ORDER BY created_at DESC LIMIT 1`,
		NormalizeTarget(target), StatusCompleted, excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}
