// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package council

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"conclave/platform/council/deliberation"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"route", "status"},
	)
	promStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conclave_stage_duration_milliseconds",
			Help:    "Deliberation stage duration in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
		[]string{"stage"},
	)
	promModelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_model_calls_total",
			Help: "Total number of model backend calls",
		},
		[]string{"model", "status"},
	)
	promDeliberations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_deliberations_total",
			Help: "Total number of deliberation runs by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promStageDuration)
	prometheus.MustRegister(promModelCalls)
	prometheus.MustRegister(promDeliberations)
}

// instrumentedGateway counts every model backend call by outcome.
type instrumentedGateway struct {
	next deliberation.Gateway
}

func (g *instrumentedGateway) Invoke(ctx context.Context, model string, messages []deliberation.Message) (*deliberation.ModelReply, error) {
	reply, err := g.next.Invoke(ctx, model, messages)
	status := "ok"
	if err != nil {
		status = "error"
	}
	promModelCalls.WithLabelValues(model, status).Inc()
	return reply, err
}

// serviceMetrics tracks counters for the JSON /metrics endpoint.
type serviceMetrics struct {
	mu sync.RWMutex

	totalRequests   int64
	failedRequests  int64
	deliberations   int64
	pausedRuns      int64
	failedRuns      int64
	startTime       time.Time
	lastRequestTime atomic.Int64 // unix nanos
}

func newServiceMetrics() *serviceMetrics {
	return &serviceMetrics{startTime: time.Now()}
}

func (m *serviceMetrics) recordRequest(failed bool) {
	m.mu.Lock()
	m.totalRequests++
	if failed {
		m.failedRequests++
	}
	m.mu.Unlock()
	m.lastRequestTime.Store(time.Now().UnixNano())
}

func (m *serviceMetrics) recordRun(outcome string) {
	promDeliberations.WithLabelValues(outcome).Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliberations++
	switch outcome {
	case "paused":
		m.pausedRuns++
	case "error":
		m.failedRuns++
	}
}

// handler serves a JSON snapshot, the lightweight sibling of /prometheus.
func (m *serviceMetrics) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	snapshot := map[string]interface{}{
		"total_requests":  m.totalRequests,
		"failed_requests": m.failedRequests,
		"deliberations":   m.deliberations,
		"paused_runs":     m.pausedRuns,
		"failed_runs":     m.failedRuns,
		"uptime_seconds":  int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
