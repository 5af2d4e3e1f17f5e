package types

import "time"

// HealthStatus categorizes a health score.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"   // score >= 80
	HealthDegraded  HealthStatus = "degraded"  // score >= 50
	HealthUnhealthy HealthStatus = "unhealthy" // score > 0
	HealthTimeout   HealthStatus = "timeout"   // probe never completed
)

// HealthTrend describes the direction of the last few samples.
type HealthTrend string

const (
	TrendRising  HealthTrend = "rising"
	TrendFalling HealthTrend = "falling"
	TrendStable  HealthTrend = "stable"
)

// HealthSample is one supervision-loop measurement for a tenant.
type HealthSample struct {
	Tenant    string        `json:"tenant"`
	Score     int           `json:"score"` // 0-100
	Status    HealthStatus  `json:"status"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthSampleHistorySize is the number of samples retained per tenant.
const HealthSampleHistorySize = 10

// ClassifyHealthScore maps a weighted score to a status bucket.
func ClassifyHealthScore(score int) HealthStatus {
	switch {
	case score >= 80:
		return HealthHealthy
	case score >= 50:
		return HealthDegraded
	case score > 0:
		return HealthUnhealthy
	default:
		return HealthTimeout
	}
}
