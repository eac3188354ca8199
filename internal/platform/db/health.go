package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool section of the health report.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireDuration string `json:"acquire_duration"`
}

// Check is one named section of the health report. A non-nil error marks
// the service degraded but still serving.
type Check struct {
	Name string
	Run  func(ctx context.Context) (interface{}, error)
}

// PoolCheck reports pool statistics.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "pool", Run: func(context.Context) (interface{}, error) {
		st := pool.Stat()
		return PoolStats{
			TotalConns:      st.TotalConns(),
			IdleConns:       st.IdleConns(),
			AcquiredConns:   st.AcquiredConns(),
			MaxConns:        st.MaxConns(),
			AcquireDuration: st.AcquireDuration().String(),
		}, nil
	}}
}

// MigrationCheck degrades the service while migrations are pending: the
// ledger schema is behind the binary.
func MigrationCheck(m *Migrator, schema string) Check {
	return Check{Name: "migrations", Run: func(ctx context.Context) (interface{}, error) {
		statuses, err := m.Status(ctx, schema)
		if err != nil {
			return nil, err
		}
		for _, st := range statuses {
			if st.Modified {
				return map[string]string{"modified": st.Name}, errModifiedMigration
			}
		}
		if n := Pending(statuses); n > 0 {
			return map[string]int{"pending": n}, errPendingMigrations
		}
		return map[string]int{"applied": len(statuses)}, nil
	}}
}

type healthError string

func (e healthError) Error() string { return string(e) }

const (
	errPendingMigrations = healthError("migrations pending")
	errModifiedMigration = healthError("applied migration changed on disk")
)

// HealthHandler answers 503 when ping fails and 200 otherwise, with status
// "degraded" if any check returned an error.
func HealthHandler(ping func(ctx context.Context) error, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		if err := ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}

		body := map[string]interface{}{"status": "healthy"}
		for _, ch := range checks {
			v, err := ch.Run(ctx)
			section := map[string]interface{}{"detail": v}
			if err != nil {
				body["status"] = "degraded"
				section["error"] = err.Error()
			}
			body[ch.Name] = section
		}
		return c.JSON(http.StatusOK, body)
	}
}
