package standard

import (
	"sort"
	"sync"
	"time"
)

// trackWindow is how long individual calls are remembered.
const trackWindow = time.Hour

// ConnectionCall is a single request to the collector.
type ConnectionCall struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Error     string
}

type connection struct {
	endpoint string
	url      string
	calls    []ConnectionCall
}

// EndpointStats summarizes the last hour of calls to one endpoint.
type EndpointStats struct {
	Endpoint     string   `json:"endpoint"`
	URL          string   `json:"url"`
	Status       string   `json:"status"` // healthy | degraded | unhealthy
	LastCall     string   `json:"last_call"`
	TotalCalls   int      `json:"total_calls_1h"`
	SuccessRate  float64  `json:"success_rate_1h"`
	LatencyP50ms int      `json:"latency_p50_ms"`
	LatencyP95ms int      `json:"latency_p95_ms"`
	LatencyP99ms int      `json:"latency_p99_ms"`
	RecentErrors []string `json:"recent_errors"`
}

// ConnectivityTracker tracks poll and upload calls per endpoint.
type ConnectivityTracker struct {
	mu          sync.Mutex
	connections map[string]*connection
	now         func() time.Time
}

// NewConnectivityTracker creates a new connectivity tracker.
func NewConnectivityTracker() *ConnectivityTracker {
	return &ConnectivityTracker{
		connections: make(map[string]*connection),
		now:         time.Now,
	}
}

// TrackSuccess records a successful call.
func (t *ConnectivityTracker) TrackSuccess(endpoint, url string, latency time.Duration) {
	t.track(endpoint, url, ConnectionCall{Success: true, Latency: latency})
}

// TrackFailure records a failed call.
func (t *ConnectivityTracker) TrackFailure(endpoint, url string, latency time.Duration, errorMsg string) {
	t.track(endpoint, url, ConnectionCall{Success: false, Latency: latency, Error: errorMsg})
}

func (t *ConnectivityTracker) track(endpoint, url string, call ConnectionCall) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ok := t.connections[endpoint]
	if !ok {
		conn = &connection{endpoint: endpoint, url: url}
		t.connections[endpoint] = conn
	}
	call.Timestamp = t.now().UTC()
	conn.calls = append(conn.calls, call)
	t.prune(conn)
}

// prune removes calls older than the tracking window.
func (t *ConnectivityTracker) prune(conn *connection) {
	cutoff := t.now().Add(-trackWindow)
	for i, call := range conn.calls {
		if call.Timestamp.After(cutoff) {
			conn.calls = conn.calls[i:]
			return
		}
	}
	conn.calls = conn.calls[:0]
}

// Stats returns per-endpoint statistics, sorted by endpoint name.
func (t *ConnectivityTracker) Stats() []EndpointStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]EndpointStats, 0, len(t.connections))
	for _, conn := range t.connections {
		t.prune(conn)
		if len(conn.calls) == 0 {
			continue
		}

		var successCount int
		var lastCall time.Time
		latencies := make([]float64, 0, len(conn.calls))
		recentErrors := make([]string, 0)

		for _, call := range conn.calls {
			if call.Success {
				successCount++
			} else if len(recentErrors) < 5 {
				recentErrors = append(recentErrors, call.Error)
			}
			latencies = append(latencies, float64(call.Latency.Milliseconds()))
			if call.Timestamp.After(lastCall) {
				lastCall = call.Timestamp
			}
		}

		successRate := float64(successCount) / float64(len(conn.calls))
		sort.Float64s(latencies)

		status := "healthy"
		if successRate < 0.9 {
			status = "unhealthy"
		} else if successRate < 0.95 {
			status = "degraded"
		}

		out = append(out, EndpointStats{
			Endpoint:     conn.endpoint,
			URL:          conn.url,
			Status:       status,
			LastCall:     lastCall.Format(time.RFC3339),
			TotalCalls:   len(conn.calls),
			SuccessRate:  successRate,
			LatencyP50ms: int(percentile(latencies, 0.50)),
			LatencyP95ms: int(percentile(latencies, 0.95)),
			LatencyP99ms: int(percentile(latencies, 0.99)),
			RecentErrors: recentErrors,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// percentile calculates the percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}
