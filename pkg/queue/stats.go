package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/internal/telemetry"
)

// RateWindow bounds the rolling window the processing-rate figure is
// computed over.
const RateWindow = 5 * time.Minute

// Stats is the body of GET /queue/stats.
type Stats struct {
	QueueDepths      map[Priority]int64 `json:"queue_depths"`
	TotalDepth       int64              `json:"total_depth"`
	Processing       int64              `json:"processing"`
	TotalQueued      int64              `json:"total_queued"`
	TotalCompleted   int64              `json:"total_completed"`
	TotalFailed      int64              `json:"total_failed"`
	ProcessingPerMin float64            `json:"processing_rate_per_min"`
}

func readCounter(ctx context.Context, s store.Store, key string) int64 {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

// Stats assembles the queue-depth, totals, and processing-rate view backing
// GET /queue/stats.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{QueueDepths: map[Priority]int64{}}

	for _, p := range priorityQueueOrder() {
		depth, err := q.store.LLen(ctx, queueKey(p))
		if err != nil {
			return Stats{}, fmt.Errorf("reading %s queue depth: %w", queueKey(p), err)
		}
		stats.QueueDepths[p] = depth
		stats.TotalDepth += depth
		telemetry.QueueDepth.WithLabelValues(string(p)).Set(float64(depth))
	}

	processing, err := q.store.SMembers(ctx, store.QueueProcessing)
	if err != nil {
		return Stats{}, fmt.Errorf("reading processing set: %w", err)
	}
	stats.Processing = int64(len(processing))

	stats.TotalQueued = readCounter(ctx, q.store, store.StatsQueued)
	stats.TotalCompleted = readCounter(ctx, q.store, store.StatsCompleted)
	stats.TotalFailed = readCounter(ctx, q.store, store.StatsFailed)

	stats.ProcessingPerMin, err = q.processingRate(ctx)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// processingRate counts stats:completion_history entries within RateWindow
// and extrapolates to a jobs/minute figure.
func (q *Queue) processingRate(ctx context.Context) (float64, error) {
	raw, err := q.store.LRange(ctx, store.StatsCompletionHistory, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("reading completion history: %w", err)
	}
	cutoff := time.Now().UTC().Add(-RateWindow)
	var recent int
	for _, item := range raw {
		var sample completionSample
		if err := json.Unmarshal([]byte(item), &sample); err != nil {
			continue
		}
		if sample.CompletedAt.After(cutoff) {
			recent++
		}
	}
	return float64(recent) / RateWindow.Minutes(), nil
}
