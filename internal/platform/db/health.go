package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// PoolStats is the part of pgxpool.Stat worth watching for booking load.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
	// EmptyAcquires counts requests that waited for a connection.
	EmptyAcquires int64 `json:"empty_acquires"`
}

// HealthReport is the body of GET /health/db.
type HealthReport struct {
	Status       string    `json:"status"`
	Clinic       string    `json:"clinic"`
	SchemaExists bool      `json:"schema_exists"`
	Error        string    `json:"error,omitempty"`
	Pool         PoolStats `json:"pool"`
}

// StatusCode is 200 only when the database answers and the clinic schema
// exists.
func (r HealthReport) StatusCode() int {
	if r.Error != "" || !r.SchemaExists {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func statsOf(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		EmptyAcquires: stat.EmptyAcquireCount(),
	}
}

// CheckClinic pings the database and checks that clinicID has been created.
func CheckClinic(ctx context.Context, pool *pgxpool.Pool, clinicID string) HealthReport {
	report := HealthReport{Status: "healthy", Clinic: clinicID}

	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		ClinicSchema(clinicID),
	).Scan(&report.SchemaExists)
	report.Pool = statsOf(pool)

	switch {
	case err != nil:
		report.Error = err.Error()
		report.Status = "unhealthy"
	case !report.SchemaExists:
		report.Error = "clinic schema missing, run: clinic-server clinic create " + clinicID
		report.Status = "unhealthy"
	}
	return report
}

// HealthHandler reports database health for the default clinic, or for the
// clinic named in ?clinic_id=.
func HealthHandler(pool *pgxpool.Pool, defaultClinic string) echo.HandlerFunc {
	return func(c echo.Context) error {
		clinicID := c.QueryParam("clinic_id")
		if clinicID == "" {
			clinicID = defaultClinic
		}
		if !ValidClinicID(clinicID) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		report := CheckClinic(ctx, pool, clinicID)
		return c.JSON(report.StatusCode(), report)
	}
}
