package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	maxConnectAttempts = 10
	connectRetryDelay  = 2 * time.Second
)

// Connect opens a PostgreSQL connection, retrying while the database comes up.
func Connect(ctx context.Context, databaseURL string, logger *slog.Logger) (*sqlx.DB, error) {
	var err error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		var db *sqlx.DB
		db, err = sqlx.ConnectContext(ctx, "postgres", databaseURL)
		if err == nil {
			logger.Info("connected to database")
			return db, nil
		}

		logger.Error("failed to connect to database",
			"error", err,
			"attempt", attempt,
			"retry_in", connectRetryDelay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryDelay):
		}
	}
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", maxConnectAttempts, err)
}

// RunMigrations executes every *.up.sql file in dir in name order.
// Migrations run on every start and must be idempotent.
func RunMigrations(ctx context.Context, db *sqlx.DB, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("could not read migration %q: %w", file, err)
		}
		stmt := strings.TrimSpace(string(raw))
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error executing migration %q: %w", file, err)
		}
	}
	return nil
}
