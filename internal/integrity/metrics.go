// Package integrity computes the multi-factor reliability score from
// commitment history. Everything here is read-only over the store; sparse
// history resolves to clean-slate defaults instead of errors.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"kept/internal/config"
	"kept/internal/domain"
	"kept/internal/repo"
)

const dateLayout = "2006-01-02"

// Metrics is the value object handed to callers. It is never persisted.
type Metrics struct {
	OnTimeRate             float64 `json:"on_time_rate"`
	NotificationTimeliness float64 `json:"notification_timeliness"`
	CleanupCompletionRate  float64 `json:"cleanup_completion_rate"`
	EstimationAccuracy     float64 `json:"estimation_accuracy"`
	StreakWeeks            int     `json:"streak_weeks"`

	TotalCompletions  int `json:"total_completions"`
	OnTimeCompletions int `json:"on_time_completions"`
	TotalPlans        int `json:"total_plans"`
	CompletedPlans    int `json:"completed_plans"`
	AtRiskMarked      int `json:"at_risk_marked"`
	EstimationSamples int `json:"estimation_samples"`

	CompositeScore float64 `json:"composite_score"`
	LetterGrade    string  `json:"letter_grade"`

	Trends *Trends `json:"trends,omitempty"`
}

// Trends holds per-factor directions plus the overall one.
type Trends struct {
	OnTimeRate             string `json:"on_time_rate" enum:"up,down,stable"`
	NotificationTimeliness string `json:"notification_timeliness" enum:"up,down,stable"`
	CleanupCompletionRate  string `json:"cleanup_completion_rate" enum:"up,down,stable"`
	Overall                string `json:"overall" enum:"up,down,stable"`
}

// Calculator derives integrity metrics from stored history.
type Calculator struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func NewCalculator(r repo.Repo, cfg *config.Config) Calculator {
	return Calculator{Repo: r, Config: cfg, Now: time.Now}
}

func (c Calculator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// window bounds a factor computation; zero values mean unbounded.
// From is inclusive, To exclusive.
type window struct {
	From time.Time
	To   time.Time
}

func (w window) fromStr() string {
	if w.From.IsZero() {
		return ""
	}
	return w.From.Format(time.RFC3339)
}

func (w window) toStr() string {
	if w.To.IsZero() {
		return ""
	}
	return w.To.Format(time.RFC3339)
}

// Calculate computes the all-time metrics with composite score and grade.
func (c Calculator) Calculate(ctx context.Context) (Metrics, error) {
	var m Metrics
	var err error
	all := window{}
	if m.OnTimeRate, m.OnTimeCompletions, m.TotalCompletions, err = c.onTimeRate(ctx, all); err != nil {
		return m, err
	}
	if m.NotificationTimeliness, m.AtRiskMarked, err = c.notificationTimeliness(ctx, all); err != nil {
		return m, err
	}
	if m.CleanupCompletionRate, m.CompletedPlans, m.TotalPlans, err = c.cleanupCompletionRate(ctx, all); err != nil {
		return m, err
	}
	if m.EstimationAccuracy, m.EstimationSamples, err = c.estimationAccuracy(ctx); err != nil {
		return m, err
	}
	if m.StreakWeeks, err = c.streakWeeks(ctx); err != nil {
		return m, err
	}
	m.CompositeScore = CompositeScore(m.OnTimeRate, m.NotificationTimeliness, m.CleanupCompletionRate, m.EstimationAccuracy, m.StreakWeeks, c.Config.Integrity)
	m.LetterGrade = LetterGrade(m.CompositeScore)
	return m, nil
}

// onTimeRate is on-time completions over total completions within the
// window (by completed_at). No completions scores a clean-slate 1.0.
func (c Calculator) onTimeRate(ctx context.Context, w window) (rate float64, onTime, total int, err error) {
	completed, err := c.Repo.ListCommitments(ctx, repo.CommitmentFilters{
		Statuses:      []string{domain.CommitmentCompleted},
		CompletedFrom: w.fromStr(),
		CompletedTo:   w.toStr(),
	})
	if err != nil {
		return 0, 0, 0, err
	}
	for _, cm := range completed {
		total++
		if cm.CompletedOnTime != nil && *cm.CompletedOnTime {
			onTime++
		}
	}
	if total == 0 {
		return 1.0, 0, 0, nil
	}
	return float64(onTime) / float64(total), onTime, total, nil
}

// notificationTimeliness averages the lead-time score over every commitment
// marked at risk within the window. Full credit at the configured lead
// days, zero at or past the due date, linear in between.
func (c Calculator) notificationTimeliness(ctx context.Context, w window) (float64, int, error) {
	marked, err := c.Repo.ListCommitments(ctx, repo.CommitmentFilters{
		MarkedAtRisk: true,
		MarkedFrom:   w.fromStr(),
		MarkedTo:     w.toStr(),
	})
	if err != nil {
		return 0, 0, err
	}
	if len(marked) == 0 {
		return 1.0, 0, nil
	}
	fullCredit := float64(c.Config.Integrity.TimelinessFullCreditDays)
	var sum float64
	for _, cm := range marked {
		due, err := time.Parse(dateLayout, cm.DueDate)
		if err != nil {
			return 0, 0, fmt.Errorf("parse due date for %s: %w", cm.ID, err)
		}
		markedAt, err := time.Parse(time.RFC3339, *cm.MarkedAtRiskAt)
		if err != nil {
			return 0, 0, fmt.Errorf("parse marked_at_risk_at for %s: %w", cm.ID, err)
		}
		markedDay := markedAt.UTC().Truncate(24 * time.Hour)
		d := due.Sub(markedDay).Hours() / 24
		switch {
		case d >= fullCredit:
			sum += 1.0
		case d <= 0:
			// nothing
		default:
			sum += d / fullCredit
		}
	}
	return sum / float64(len(marked)), len(marked), nil
}

// cleanupCompletionRate is completed plans over all plans created within
// the window. Zero plans scores a clean-slate 1.0.
func (c Calculator) cleanupCompletionRate(ctx context.Context, w window) (rate float64, completed, total int, err error) {
	plans, err := c.Repo.ListCleanupPlans(ctx, repo.PlanFilters{
		CreatedFrom: w.fromStr(),
		CreatedTo:   w.toStr(),
	})
	if err != nil {
		return 0, 0, 0, err
	}
	for _, p := range plans {
		total++
		if p.Status == domain.PlanCompleted {
			completed++
		}
	}
	if total == 0 {
		return 1.0, 0, 0, nil
	}
	return float64(completed) / float64(total), completed, total, nil
}

// estimationAccuracy weights completed task-history rows by an exponential
// decay over their age and buckets each actual/estimate multiplier into an
// accuracy value. Below the minimum sample size the clean-slate default
// applies regardless of bucket values.
func (c Calculator) estimationAccuracy(ctx context.Context) (float64, int, error) {
	ic := c.Config.Integrity
	now := c.now()
	rows, err := c.Repo.ListTaskHistory(ctx, repo.HistoryFilters{
		EventType:   domain.HistoryCompleted,
		CreatedFrom: now.AddDate(0, 0, -ic.AccuracyWindowDays).Format(time.RFC3339),
		WithHours:   true,
	})
	if err != nil {
		return 0, 0, err
	}
	if len(rows) < ic.AccuracyMinSamples {
		return 1.0, len(rows), nil
	}
	var weightedSum, weightSum float64
	for _, h := range rows {
		created, err := time.Parse(time.RFC3339, h.CreatedAt)
		if err != nil {
			return 0, 0, fmt.Errorf("parse history created_at: %w", err)
		}
		ageDays := now.Sub(created).Hours() / 24
		weight := math.Pow(2, -ageDays/ic.DecayHalfLifeDays)
		weightedSum += c.accuracyBucket(*h.EstimatedHours, *h.ActualHoursCategory) * weight
		weightSum += weight
	}
	if weightSum == 0 {
		return 1.0, len(rows), nil
	}
	return weightedSum / weightSum, len(rows), nil
}

func (c Calculator) accuracyBucket(estimated, actual float64) float64 {
	if estimated <= 0 {
		return 0.25
	}
	ic := c.Config.Integrity
	multiplier := actual / estimated
	switch {
	case multiplier >= ic.AccuracyTightLow && multiplier <= ic.AccuracyTightHigh:
		return 1.0
	case multiplier >= ic.AccuracyLooseLow && multiplier <= ic.AccuracyLooseHigh:
		return 0.75
	default:
		return 0.25
	}
}

// streakWeeks counts consecutive clean ISO weeks walking backward from the
// most recent week containing a completion. A clean week has every
// completion on time. The most recent abandonment truncates the walk to
// weeks strictly after its own week.
func (c Calculator) streakWeeks(ctx context.Context) (int, error) {
	completed, err := c.Repo.ListCommitments(ctx, repo.CommitmentFilters{
		Statuses: []string{domain.CommitmentCompleted},
	})
	if err != nil {
		return 0, err
	}
	if len(completed) == 0 {
		return 0, nil
	}
	clean := map[time.Time]bool{}
	var latest time.Time
	for _, cm := range completed {
		if cm.CompletedAt == nil {
			continue
		}
		completedAt, err := time.Parse(time.RFC3339, *cm.CompletedAt)
		if err != nil {
			return 0, fmt.Errorf("parse completed_at for %s: %w", cm.ID, err)
		}
		week := isoWeekStart(completedAt.UTC())
		onTime := cm.CompletedOnTime != nil && *cm.CompletedOnTime
		if existing, ok := clean[week]; ok {
			clean[week] = existing && onTime
		} else {
			clean[week] = onTime
		}
		if week.After(latest) {
			latest = week
		}
	}
	if latest.IsZero() {
		return 0, nil
	}
	streak := walkStreak(clean, latest, time.Time{})

	abandoned, err := c.Repo.MostRecentAbandoned(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return streak, nil
		}
		return 0, err
	}
	abandonedAt, err := time.Parse(time.RFC3339, abandoned.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("parse abandonment time for %s: %w", abandoned.ID, err)
	}
	abWeek := isoWeekStart(abandonedAt.UTC())
	oldestCounted := latest.AddDate(0, 0, -7*(streak-1))
	if streak > 0 && !abWeek.Before(oldestCounted) && !abWeek.After(latest) {
		// Re-walk bounded to weeks strictly after the abandonment week.
		streak = walkStreak(clean, latest, abWeek)
	}
	return streak, nil
}

// walkStreak counts consecutive clean weeks from latest going backward,
// stopping at the first dirty week, the first week without data, or (when
// bound is non-zero) any week at or before the bound.
func walkStreak(clean map[time.Time]bool, latest, bound time.Time) int {
	streak := 0
	for cur := latest; ; cur = cur.AddDate(0, 0, -7) {
		if !bound.IsZero() && !cur.After(bound) {
			break
		}
		ok, seen := clean[cur]
		if !seen || !ok {
			break
		}
		streak++
	}
	return streak
}

// isoWeekStart returns the Monday 00:00 UTC of t's ISO week.
func isoWeekStart(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return day.AddDate(0, 0, 1-weekday)
}
