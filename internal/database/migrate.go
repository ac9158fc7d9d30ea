package database

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storyclip/internal/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateLock is the advisory lock key held while the schema changes, so
// concurrent migrators apply each file once.
const migrateLock = 71305

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// lock pins one connection and takes the migration lock on it.
func lock(ctx context.Context, pool *pgxpool.Pool) (*pgxpool.Conn, func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrateLock); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("take migration lock: %w", err)
	}
	return conn, func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrateLock)
		conn.Release()
	}, nil
}

type migration struct {
	version  int
	filename string
}

// pending lists the .up.sql migrations newer than current, in order.
func pending(current int) ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(name, "%03d_", &version); err != nil {
			continue
		}
		if version > current {
			out = append(out, migration{version: version, filename: name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies every pending migration, each in its own transaction, and
// returns the resulting schema version.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) (int, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("migrate")

	conn, unlock, err := lock(ctx, pool)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("create migrations table: %w", err)
	}

	current, err := version(ctx, conn)
	if err != nil {
		return 0, err
	}

	todo, err := pending(current)
	if err != nil {
		return current, err
	}

	for _, m := range todo {
		sql, err := migrationsFS.ReadFile("migrations/" + m.filename)
		if err != nil {
			return current, fmt.Errorf("read migration %s: %w", m.filename, err)
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return current, fmt.Errorf("begin tx for migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			_ = tx.Rollback(ctx)
			return current, fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
			_ = tx.Rollback(ctx)
			return current, fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return current, fmt.Errorf("commit migration %d: %w", m.version, err)
		}

		current = m.version
		log.Info("applied migration", "version", m.version, "file", m.filename)
	}
	return current, nil
}

// Version returns the highest applied migration, 0 when none.
func Version(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	return version(ctx, pool)
}

func version(ctx context.Context, q rowQuerier) (int, error) {
	var v int
	if err := q.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		if IsUndefinedTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// rollbackPlan lists the down migrations that undo the newest steps
// versions at or below current, newest first.
func rollbackPlan(current, steps int) ([]migration, error) {
	all, err := pending(0)
	if err != nil {
		return nil, err
	}
	var out []migration
	for i := len(all) - 1; i >= 0 && len(out) < steps; i-- {
		if all[i].version > current {
			continue
		}
		down := strings.TrimSuffix(all[i].filename, ".up.sql") + ".down.sql"
		out = append(out, migration{version: all[i].version, filename: down})
	}
	return out, nil
}

// Rollback reverts the newest steps migrations and returns the resulting
// schema version.
func Rollback(ctx context.Context, pool *pgxpool.Pool, steps int, log *logger.Logger) (int, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("migrate")

	conn, unlock, err := lock(ctx, pool)
	if err != nil {
		return 0, err
	}
	defer unlock()

	current, err := version(ctx, conn)
	if err != nil {
		return 0, err
	}
	todo, err := rollbackPlan(current, steps)
	if err != nil {
		return current, err
	}

	for _, m := range todo {
		sql, err := migrationsFS.ReadFile("migrations/" + m.filename)
		if err != nil {
			return current, fmt.Errorf("read migration %s: %w", m.filename, err)
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return current, fmt.Errorf("begin tx for rollback %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			_ = tx.Rollback(ctx)
			return current, fmt.Errorf("revert migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.version); err != nil {
			_ = tx.Rollback(ctx)
			return current, fmt.Errorf("unrecord migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return current, fmt.Errorf("commit rollback %d: %w", m.version, err)
		}

		current = m.version - 1
		log.Info("reverted migration", "version", m.version, "file", m.filename)
	}
	return current, nil
}
