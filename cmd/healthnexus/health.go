package main

import (
	"context"
	"net/http"
	"time"

	"github.com/healthnexus/platform/internal/shared/httpx"
)

func infoHandler(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"name":    "HealthNexus API",
		"version": "1.0.0",
		"docs":    "/api",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]string{
			"server": "ready",
		}

		if app.DB != nil {
			checks["database"] = readiness(app.DB.Health(ctx))
		} else {
			checks["database"] = "not configured"
		}

		if app.Bus != nil {
			checks["kurrentdb"] = readiness(app.Bus.Health())
		} else {
			checks["kurrentdb"] = "not configured"
		}

		if app.Redis != nil {
			checks["redis"] = readiness(app.Redis.Ping(ctx).Err())
		} else {
			checks["redis"] = "not configured"
		}

		// The hospital link is informational; lab import degrades to 503 on its own.
		if app.Labs != nil {
			checks["hospital"] = readiness(app.Labs.Health(ctx))
		} else {
			checks["hospital"] = "not configured"
		}

		allReady := true
		for name, status := range checks {
			if name == "hospital" {
				continue
			}
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		httpx.JSON(w, status, map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

func readiness(err error) string {
	if err != nil {
		return "not ready: " + err.Error()
	}
	return "ready"
}
