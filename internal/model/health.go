package model

// HealthStatus represents the health state of an engine instance
type HealthStatus struct {
	NodeID    string
	Status    NodeStatus
	Timestamp int64
	Metrics   HealthMetrics
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains the engine figures reported alongside health
type HealthMetrics struct {
	DiskUsage        float64
	SealedSegments   int
	CollectorHalted  bool
	RecoveryComplete bool
}
