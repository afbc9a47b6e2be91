package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	up   = pingFunc(func(context.Context) error { return nil })
	down = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

type healthBody struct {
	Status string   `json:"status"`
	Checks []Result `json:"checks"`
}

func serve(t *testing.T, h *Handler, path string) (int, healthBody) {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body healthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealth_AllHealthy(t *testing.T) {
	h := NewHandler(Check{Name: "fhir", Pinger: up, Gateway: true}, Check{Name: "redis", Pinger: up})

	code, body := serve(t, h, "/health")
	if code != http.StatusOK || body.Status != "healthy" {
		t.Errorf("expected healthy 200, got %d %s", code, body.Status)
	}
	if len(body.Checks) != 2 {
		t.Errorf("expected 2 checks, got %d", len(body.Checks))
	}
}

func TestHealth_CacheDown(t *testing.T) {
	h := NewHandler(Check{Name: "fhir", Pinger: up, Gateway: true}, Check{Name: "redis", Pinger: down})

	code, body := serve(t, h, "/health")
	if code != http.StatusServiceUnavailable || body.Status != "unhealthy" {
		t.Errorf("expected unhealthy 503, got %d %s", code, body.Status)
	}
	if body.Checks[1].Healthy || body.Checks[1].Error != "connection refused" {
		t.Errorf("unexpected redis result %+v", body.Checks[1])
	}

	// The gateway probe ignores the cache.
	code, body = serve(t, h, "/health/gateway")
	if code != http.StatusOK || len(body.Checks) != 1 || body.Checks[0].Name != "fhir" {
		t.Errorf("expected only the healthy gateway, got %d %+v", code, body.Checks)
	}
}

func TestHealth_GatewayDown(t *testing.T) {
	h := NewHandler(Check{Name: "postgres", Pinger: down, Gateway: true})

	code, _ := serve(t, h, "/health/gateway")
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
}
