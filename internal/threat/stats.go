package threat

import (
	"context"
	"time"

	"github.com/developingchet/api-sentinel/internal/store"
)

// Stats summarizes the event log over the trailing 24 hours.
type Stats struct {
	TotalEvents24h   int            `json:"total_events_24h"`
	EventsByType     map[string]int `json:"events_by_threat_type"`
	EventsByLevel    map[string]int `json:"events_by_security_level"`
	AverageRiskScore float64        `json:"average_risk_score"`
	BlockedEvents    int            `json:"blocked_events"`
}

// CollectStats aggregates persisted events from the trailing 24 hours.
func CollectStats(ctx context.Context, st store.Store, now time.Time) (Stats, error) {
	events, err := st.EventsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		EventsByType:  make(map[string]int),
		EventsByLevel: make(map[string]int),
	}
	var totalRisk float64
	for _, e := range events {
		stats.TotalEvents24h++
		stats.EventsByType[e.Type]++
		stats.EventsByLevel[e.Level]++
		totalRisk += e.RiskScore
		if e.Blocked {
			stats.BlockedEvents++
		}
	}
	if stats.TotalEvents24h > 0 {
		stats.AverageRiskScore = totalRisk / float64(stats.TotalEvents24h)
	}
	return stats, nil
}
