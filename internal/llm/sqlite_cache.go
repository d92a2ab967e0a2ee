package llm

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLiteCache stores entries and usage counters in a run-scoped SQLite file.
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache opens (creating if needed) the cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the gateway already serializes access
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

func applySchema(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e       Entry
		created int64
		tier    string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT cache_key, input_hash, output, tokens, created_at, budget_tier, template_id
		   FROM cache_entries WHERE cache_key = ?`, key).
		Scan(&e.Key, &e.InputHash, &e.Output, &e.Tokens, &created, &tier, &e.Template)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("query cache entry: %w", err)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	e.Tier = Tier(tier)
	return e, true, nil
}

func (c *SQLiteCache) Put(ctx context.Context, e Entry) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, input_hash, output, tokens, created_at, budget_tier, template_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		   input_hash = excluded.input_hash, output = excluded.output, tokens = excluded.tokens,
		   created_at = excluded.created_at, budget_tier = excluded.budget_tier, template_id = excluded.template_id`,
		e.Key, e.InputHash, e.Output, e.Tokens, e.CreatedAt.UnixNano(), string(e.Tier), e.Template)
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	return nil
}

func (c *SQLiteCache) LoadUsage(ctx context.Context) (map[Tier]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT tier, used FROM tier_usage`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()
	out := make(map[Tier]int)
	for rows.Next() {
		var (
			tier string
			used int
		)
		if err := rows.Scan(&tier, &used); err != nil {
			return nil, err
		}
		out[Tier(tier)] = used
	}
	return out, rows.Err()
}

func (c *SQLiteCache) SaveUsage(ctx context.Context, usage map[Tier]int) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for tier, used := range usage {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tier_usage (tier, used) VALUES (?, ?)
			 ON CONFLICT(tier) DO UPDATE SET used = excluded.used`, string(tier), used); err != nil {
			return fmt.Errorf("save usage: %w", err)
		}
	}
	return tx.Commit()
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
