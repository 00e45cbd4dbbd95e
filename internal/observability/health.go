package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	serviceName    = "image-edit-orchestrator"
	serviceVersion = "1.0.0"

	readinessTimeout = 5 * time.Second
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Optional  bool   `json:"optional,omitempty"`
}

// HealthCheckHandler handles liveness requests
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Service:   serviceName,
			Version:   serviceVersion,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	}
}

// HealthCheckFunc probes one dependency
type HealthCheckFunc func(ctx context.Context) (bool, error)

// DependencyCheck is a named readiness probe. Optional dependencies are
// reported but never make the service not ready.
type DependencyCheck struct {
	Name     string
	Check    HealthCheckFunc
	Optional bool
}

// ReadinessHandler probes every dependency concurrently under one deadline.
// Checks are passed in by the caller to avoid import cycles.
func ReadinessHandler(checks ...DependencyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		var (
			mu           sync.Mutex
			dependencies = make(map[string]DependencyStatus, len(checks))
			ready        = true
		)
		var g errgroup.Group
		for _, c := range checks {
			if c.Check == nil {
				continue
			}
			g.Go(func() error {
				ds := probe(ctx, c)
				mu.Lock()
				defer mu.Unlock()
				dependencies[c.Name] = ds
				if ds.Status == "unhealthy" {
					ready = false
				}
				return nil
			})
		}
		_ = g.Wait()

		status := HealthStatus{
			Status:       "ready",
			Service:      serviceName,
			Version:      serviceVersion,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Dependencies: dependencies,
		}
		code := http.StatusOK
		if !ready {
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}

// probe runs one check. A failed optional dependency is degraded, not
// unhealthy.
func probe(ctx context.Context, c DependencyCheck) DependencyStatus {
	start := time.Now()
	healthy, err := c.Check(ctx)
	ds := DependencyStatus{
		Status:    "healthy",
		LatencyMs: time.Since(start).Milliseconds(),
		Optional:  c.Optional,
	}
	if err == nil && healthy {
		return ds
	}
	ds.Status = "unhealthy"
	if c.Optional {
		ds.Status = "degraded"
	}
	if err != nil {
		ds.Message = err.Error()
	}
	return ds
}
