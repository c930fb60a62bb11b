// Package metrics collects process-wide counters for /metrics (A4).
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects metrics for Prometheus export.
type Collector struct {
	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64

	sessionsCreated atomic.Int64
	sessionsActive  atomic.Int64

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	// Per-transport request counters ("streamable-http", "sse").
	transportRequests map[string]*atomic.Int64
	transportMu       sync.RWMutex

	// Introspection latency histogram (milliseconds).
	introspectionBuckets map[float64]*atomic.Int64
	introspectionSum     atomic.Int64
	introspectionCount   atomic.Int64
	introspectionMu      sync.RWMutex

	breakerTrips atomic.Int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		transportRequests:    make(map[string]*atomic.Int64),
		introspectionBuckets: initLatencyBuckets(),
		startTime:            time.Now(),
	}
}

func initLatencyBuckets() map[float64]*atomic.Int64 {
	buckets := []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}
	m := make(map[float64]*atomic.Int64)
	for _, b := range buckets {
		m[b] = &atomic.Int64{}
	}
	return m
}

// RecordRequest records one inbound request on the given transport.
func (c *Collector) RecordRequest(transport string, success bool) {
	c.totalRequests.Add(1)
	if success {
		c.successRequests.Add(1)
	} else {
		c.failedRequests.Add(1)
	}

	c.transportMu.Lock()
	if _, ok := c.transportRequests[transport]; !ok {
		c.transportRequests[transport] = &atomic.Int64{}
	}
	c.transportRequests[transport].Add(1)
	c.transportMu.Unlock()
}

// RecordSessionCreated records a new MCP session being opened.
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Add(1)
	c.sessionsActive.Add(1)
}

// RecordSessionClosed records a session tearing down (delete or idle timeout).
func (c *Collector) RecordSessionClosed() {
	c.sessionsActive.Add(-1)
}

// RecordCacheHit records an introspection cache hit.
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Add(1)
}

// RecordCacheMiss records an introspection cache miss.
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Add(1)
}

// RecordBreakerTrip records the delegated introspection circuit breaker
// opening.
func (c *Collector) RecordBreakerTrip() {
	c.breakerTrips.Add(1)
}

// RecordIntrospection records the latency of one token introspection call,
// whether served locally (co-hosted) or remotely (delegated).
func (c *Collector) RecordIntrospection(d time.Duration) {
	ms := float64(d.Milliseconds())
	c.introspectionSum.Add(d.Milliseconds())
	c.introspectionCount.Add(1)

	c.introspectionMu.RLock()
	for bucket, counter := range c.introspectionBuckets {
		if ms <= bucket {
			counter.Add(1)
		}
	}
	c.introspectionMu.RUnlock()
}

// PrometheusFormat exports metrics in Prometheus text format.
func (c *Collector) PrometheusFormat() string {
	var output string

	output += "# HELP mcp_relay_requests_total Total number of requests\n"
	output += "# TYPE mcp_relay_requests_total counter\n"
	output += fmt.Sprintf("mcp_relay_requests_total %d\n\n", c.totalRequests.Load())

	output += "# HELP mcp_relay_requests_success_total Total number of successful requests\n"
	output += "# TYPE mcp_relay_requests_success_total counter\n"
	output += fmt.Sprintf("mcp_relay_requests_success_total %d\n\n", c.successRequests.Load())

	output += "# HELP mcp_relay_requests_failed_total Total number of failed requests\n"
	output += "# TYPE mcp_relay_requests_failed_total counter\n"
	output += fmt.Sprintf("mcp_relay_requests_failed_total %d\n\n", c.failedRequests.Load())

	output += "# HELP mcp_relay_requests_by_transport_total Total number of requests per transport\n"
	output += "# TYPE mcp_relay_requests_by_transport_total counter\n"
	c.transportMu.RLock()
	for transport, counter := range c.transportRequests {
		output += fmt.Sprintf("mcp_relay_requests_by_transport_total{transport=\"%s\"} %d\n", transport, counter.Load())
	}
	c.transportMu.RUnlock()
	output += "\n"

	output += "# HELP mcp_relay_sessions_active Number of sessions currently owned on this replica's directory view\n"
	output += "# TYPE mcp_relay_sessions_active gauge\n"
	output += fmt.Sprintf("mcp_relay_sessions_active %d\n\n", c.sessionsActive.Load())

	output += "# HELP mcp_relay_sessions_created_total Total number of sessions created\n"
	output += "# TYPE mcp_relay_sessions_created_total counter\n"
	output += fmt.Sprintf("mcp_relay_sessions_created_total %d\n\n", c.sessionsCreated.Load())

	output += "# HELP mcp_relay_introspection_cache_hits_total Token introspection cache hits\n"
	output += "# TYPE mcp_relay_introspection_cache_hits_total counter\n"
	output += fmt.Sprintf("mcp_relay_introspection_cache_hits_total %d\n\n", c.cacheHits.Load())

	output += "# HELP mcp_relay_introspection_cache_misses_total Token introspection cache misses\n"
	output += "# TYPE mcp_relay_introspection_cache_misses_total counter\n"
	output += fmt.Sprintf("mcp_relay_introspection_cache_misses_total %d\n\n", c.cacheMisses.Load())

	output += "# HELP mcp_relay_breaker_trips_total Delegated introspection circuit breaker trips\n"
	output += "# TYPE mcp_relay_breaker_trips_total counter\n"
	output += fmt.Sprintf("mcp_relay_breaker_trips_total %d\n\n", c.breakerTrips.Load())

	output += "# HELP mcp_relay_introspection_duration_milliseconds Token introspection call duration\n"
	output += "# TYPE mcp_relay_introspection_duration_milliseconds histogram\n"
	c.introspectionMu.RLock()
	cumulative := int64(0)
	for _, bucket := range []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000} {
		if counter, ok := c.introspectionBuckets[bucket]; ok {
			cumulative += counter.Load()
			output += fmt.Sprintf("mcp_relay_introspection_duration_milliseconds_bucket{le=\"%.0f\"} %d\n", bucket, cumulative)
		}
	}
	c.introspectionMu.RUnlock()
	output += fmt.Sprintf("mcp_relay_introspection_duration_milliseconds_bucket{le=\"+Inf\"} %d\n", c.introspectionCount.Load())
	output += fmt.Sprintf("mcp_relay_introspection_duration_milliseconds_sum %d\n", c.introspectionSum.Load())
	output += fmt.Sprintf("mcp_relay_introspection_duration_milliseconds_count %d\n\n", c.introspectionCount.Load())

	uptime := time.Since(c.startTime).Seconds()
	output += "# HELP mcp_relay_uptime_seconds Uptime in seconds\n"
	output += "# TYPE mcp_relay_uptime_seconds counter\n"
	output += fmt.Sprintf("mcp_relay_uptime_seconds %.0f\n\n", uptime)

	return output
}

// Snapshot is a JSON-friendly view of the current counters, used by
// non-Prometheus callers (tests, admin endpoints).
type Snapshot struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessRequests    int64            `json:"success_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	SessionsActive     int64            `json:"sessions_active"`
	SessionsCreated    int64            `json:"sessions_created"`
	CacheHits          int64            `json:"cache_hits"`
	CacheMisses        int64            `json:"cache_misses"`
	BreakerTrips       int64            `json:"breaker_trips"`
	AvgIntrospectionMs float64          `json:"avg_introspection_ms"`
	TransportRequests  map[string]int64 `json:"transport_requests"`
	UptimeSeconds      float64          `json:"uptime_seconds"`
}

// Snapshot returns a snapshot of current metrics.
func (c *Collector) Snapshot() *Snapshot {
	snap := &Snapshot{
		TotalRequests:     c.totalRequests.Load(),
		SuccessRequests:   c.successRequests.Load(),
		FailedRequests:    c.failedRequests.Load(),
		SessionsActive:    c.sessionsActive.Load(),
		SessionsCreated:   c.sessionsCreated.Load(),
		CacheHits:         c.cacheHits.Load(),
		CacheMisses:       c.cacheMisses.Load(),
		BreakerTrips:      c.breakerTrips.Load(),
		TransportRequests: make(map[string]int64),
		UptimeSeconds:     time.Since(c.startTime).Seconds(),
	}

	if c.introspectionCount.Load() > 0 {
		snap.AvgIntrospectionMs = float64(c.introspectionSum.Load()) / float64(c.introspectionCount.Load())
	}

	c.transportMu.RLock()
	for transport, counter := range c.transportRequests {
		snap.TransportRequests[transport] = counter.Load()
	}
	c.transportMu.RUnlock()

	return snap
}
