package dashboard

import (
	"alertpipe/internal/types"
	"time"
)

// StatusStore defines what the status server reads from the running pipeline
type StatusStore interface {
	OpenAlerts() []types.Alert
	RecentAttempts(limit int) ([]types.DeliveryAttempt, error)
	Stats() Stats
}

// Stats represents dashboard statistics
type Stats struct {
	Mode               string    `json:"mode"`
	StartedAt          time.Time `json:"started_at"`
	LinesProcessed     int       `json:"lines_processed"`
	ParseFailures      int       `json:"parse_failures"`
	LateDrops          int       `json:"late_drops"`
	AlertsFired        int       `json:"alerts_fired"`
	AlertsCleared      int       `json:"alerts_cleared"`
	SourcesUnavailable int       `json:"sources_unavailable"`
	OpenWarning        int       `json:"open_warning"`
	OpenCritical       int       `json:"open_critical"`
	PendingDeliveries  int       `json:"pending_deliveries"`
}
