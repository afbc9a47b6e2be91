package health

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Pinger is anything the server depends on that can answer a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names one dependency. Gateway marks the encounter store the queue
// reads and writes.
type Check struct {
	Name    string
	Pinger  Pinger
	Gateway bool
}

type Result struct {
	Name    string     `json:"name"`
	Healthy bool       `json:"healthy"`
	Error   string     `json:"error,omitempty"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

type Handler struct {
	checks  []Check
	timeout time.Duration
}

func NewHandler(checks ...Check) *Handler {
	return &Handler{checks: checks, timeout: 5 * time.Second}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.All)
	e.GET("/health/gateway", h.Gateway)
}

// All probes every dependency.
func (h *Handler) All(c echo.Context) error {
	return h.respond(c, h.checks)
}

// Gateway probes only the encounter store.
func (h *Handler) Gateway(c echo.Context) error {
	var checks []Check
	for _, ch := range h.checks {
		if ch.Gateway {
			checks = append(checks, ch)
		}
	}
	return h.respond(c, checks)
}

func (h *Handler) respond(c echo.Context, checks []Check) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	status, code := "healthy", http.StatusOK
	results := make([]Result, 0, len(checks))
	for _, ch := range checks {
		r := Result{Name: ch.Name, Healthy: true}
		if err := ch.Pinger.Ping(ctx); err != nil {
			r.Healthy = false
			r.Error = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		if pool, ok := ch.Pinger.(*pgxpool.Pool); ok {
			r.Pool = poolStats(pool)
		}
		results = append(results, r)
	}
	return c.JSON(code, map[string]interface{}{
		"status": status,
		"checks": results,
	})
}
