package integrity

import (
	"context"
	"time"
)

// Trend directions.
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

// CalculateWithTrends computes the current metrics and annotates them with
// per-factor trend directions by recomputing the three windowable rates
// over the previous period and comparing to the current period.
//
// The previous composite is reconstructed with the current estimation
// accuracy and streak; those two are not separately windowed (decay and
// week-walking already encode recency), so the overall trend isolates
// movement in the three behavioral rates.
func (c Calculator) CalculateWithTrends(ctx context.Context) (Metrics, error) {
	m, err := c.Calculate(ctx)
	if err != nil {
		return m, err
	}
	ic := c.Config.Integrity
	now := c.now()
	windowLen := time.Duration(ic.TrendWindowDays) * 24 * time.Hour
	current := window{From: now.Add(-windowLen), To: now}
	previous := window{From: now.Add(-2 * windowLen), To: now.Add(-windowLen)}

	currOnTime, _, _, err := c.onTimeRate(ctx, current)
	if err != nil {
		return m, err
	}
	prevOnTime, _, _, err := c.onTimeRate(ctx, previous)
	if err != nil {
		return m, err
	}
	currNotif, _, err := c.notificationTimeliness(ctx, current)
	if err != nil {
		return m, err
	}
	prevNotif, _, err := c.notificationTimeliness(ctx, previous)
	if err != nil {
		return m, err
	}
	currCleanup, _, _, err := c.cleanupCompletionRate(ctx, current)
	if err != nil {
		return m, err
	}
	prevCleanup, _, _, err := c.cleanupCompletionRate(ctx, previous)
	if err != nil {
		return m, err
	}

	prevComposite := CompositeScore(prevOnTime, prevNotif, prevCleanup, m.EstimationAccuracy, m.StreakWeeks, ic)
	m.Trends = &Trends{
		OnTimeRate:             trend(prevOnTime, currOnTime, ic.TrendThreshold),
		NotificationTimeliness: trend(prevNotif, currNotif, ic.TrendThreshold),
		CleanupCompletionRate:  trend(prevCleanup, currCleanup, ic.TrendThreshold),
		// Composite scores are 0-100; rescale so the same epsilon applies.
		Overall: trend(prevComposite/100, m.CompositeScore/100, ic.TrendThreshold),
	}
	return m, nil
}

func trend(prev, curr, threshold float64) string {
	switch diff := curr - prev; {
	case diff > threshold:
		return TrendUp
	case diff < -threshold:
		return TrendDown
	default:
		return TrendStable
	}
}
