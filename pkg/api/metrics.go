package api

import (
	"sort"
	"sync"
	"time"
)

// RouteTracker keeps per-route request counters for the server stats
// endpoint.
type RouteTracker struct {
	metrics map[string]*RouteMetrics
	mu      sync.RWMutex
}

func NewRouteTracker() *RouteTracker {
	return &RouteTracker{
		metrics: make(map[string]*RouteMetrics),
	}
}

// Track records one request. Responses below 500 count as successes.
func (rt *RouteTracker) Track(route string, status int, duration time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	m, exists := rt.metrics[route]
	if !exists {
		m = &RouteMetrics{Route: route}
		rt.metrics[route] = m
	}

	m.TotalRequests++
	if status < 500 {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}

	// running average
	ms := float64(duration) / float64(time.Millisecond)
	m.AverageResponseTime = (m.AverageResponseTime*float64(m.TotalRequests-1) + ms) / float64(m.TotalRequests)
	m.LastRequestAt = time.Now().UnixMilli()
}

// Snapshot returns every route's metrics sorted by route.
func (rt *RouteTracker) Snapshot() []RouteMetrics {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	result := make([]RouteMetrics, 0, len(rt.metrics))
	for _, m := range rt.metrics {
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Route < result[j].Route })
	return result
}

// Get returns a copy of the metrics for route.
func (rt *RouteTracker) Get(route string) *RouteMetrics {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	m, exists := rt.metrics[route]
	if !exists {
		return nil
	}
	result := *m
	return &result
}
