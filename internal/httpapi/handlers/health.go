package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"storyclip/internal/httpkit"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/ports"
)

const checkTimeout = 5 * time.Second

// Health reports liveness. With ?deep=true it also runs every dependency
// check and reports "degraded" when one fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "storyclip-api",
		"time":    h.clock.Now().UTC(),
	}

	if r.URL.Query().Get("deep") == "true" {
		checks, ok := h.deepHealthCheck(ctx)
		health["checks"] = checks
		if !ok {
			health["status"] = "degraded"
			log.Warn("health check degraded", "checks", checks)
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) (map[string]any, bool) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ok := true
	checks := make(map[string]any, len(names))
	for _, name := range names {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		result, err := h.checks[name](checkCtx)
		cancel()

		if result == nil {
			result = map[string]any{}
		}
		result["status"] = "ok"
		if err != nil {
			ok = false
			result["status"] = "error"
			result["error"] = err.Error()
		}
		result["latency_ms"] = time.Since(start).Milliseconds()
		checks[name] = result
	}
	return checks, ok
}

// PostgresCheck pings the pool and reports its connection stats.
func PostgresCheck(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) (map[string]any, error) {
		if err := pool.Ping(ctx); err != nil {
			return nil, err
		}
		stats := pool.Stat()
		return map[string]any{
			"total_conns":    stats.TotalConns(),
			"idle_conns":     stats.IdleConns(),
			"acquired_conns": stats.AcquiredConns(),
		}, nil
	}
}

// RedisCheck pings Redis and reports the depth of each lane.
func RedisCheck(rdb *redis.Client, lanes ...Queue) Check {
	return func(ctx context.Context) (map[string]any, error) {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		out := map[string]any{}
		for _, q := range lanes {
			if q == nil {
				continue
			}
			n, err := q.Len(ctx)
			if err != nil {
				return out, err
			}
			out[q.Name()+"_depth"] = n
		}
		return out, nil
	}
}

// StorageCheck looks up a key that should not exist; anything other than a
// not-found answer means the backend is unreachable.
func StorageCheck(sp ports.StorageProvider) Check {
	return func(ctx context.Context) (map[string]any, error) {
		out := map[string]any{"provider": sp.Provider()}
		rc, _, _, err := sp.GetObject(ctx, ".healthcheck")
		if err == nil {
			rc.Close()
			return out, nil
		}
		if errors.IsNotFound(err) {
			return out, nil
		}
		return out, err
	}
}
