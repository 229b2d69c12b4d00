package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// WorkflowMetrics is returned by GET /v1/metrics/workflow.
type WorkflowMetrics struct {
	Transitions         int64   `json:"transitions"`
	TransitionFailures  int64   `json:"transitionFailures"`
	NotificationsSent   int64   `json:"notificationsSent"`
	NotificationsFailed int64   `json:"notificationsFailed"`
	NotificationsDedup  int64   `json:"notificationsDeduplicated"`
	Rejections          int64   `json:"rejections"`
	HydrationConflicts  int64   `json:"hydrationConflicts"`
	CommitCount         int64   `json:"commits"`
	ActiveSessions      int64   `json:"activeSessions"`
	NotificationSuccess float64 `json:"notificationSuccessRate"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
