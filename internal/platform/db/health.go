package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// ComponentStatus is the outcome of a single Check.
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// RunChecks evaluates every check and reports them sorted by name.
func RunChecks(ctx context.Context, checks map[string]Check) ([]ComponentStatus, bool) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	out := make([]ComponentStatus, 0, len(names))
	for _, name := range names {
		s := ComponentStatus{Name: name, Healthy: true}
		if err := checks[name](ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			healthy = false
		}
		out = append(out, s)
	}
	return out, healthy
}

// HealthHandler pings the database and runs the additional component checks
// (ledger chain, storage). Any failure yields 503.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Check) echo.HandlerFunc {
	all := map[string]Check{}
	for k, v := range checks {
		all[k] = v
	}
	if pool != nil {
		all["database"] = pool.Ping
	}

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		components, healthy := RunChecks(ctx, all)
		body := map[string]interface{}{
			"status":     "healthy",
			"components": components,
		}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
