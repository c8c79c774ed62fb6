package models

// PoolStatistics is a point-in-time rollup of the whole device pool.
type PoolStatistics struct {
	TotalDevices      int                  `json:"total_devices"`
	CountsByStatus    map[DeviceStatus]int `json:"counts_by_status"`
	AverageBattery    float64              `json:"average_battery"`
	AverageSuccess    float64              `json:"average_success_rate"`
	TotalWatchSeconds int64                `json:"total_watch_seconds"`
	TotalPosts        int64                `json:"total_posts"`
	TotalEngagements  int64                `json:"total_engagements"`
	ActiveSessions    int                  `json:"active_sessions"`
	QueuedRequests    int                  `json:"queued_requests"`
}
