package integrity

import "kept/internal/config"

// CompositeScore maps the five factors and the streak bonus to 0-100.
func CompositeScore(onTime, notification, cleanup, estimation float64, streakWeeks int, ic config.IntegrityConfig) float64 {
	bonus := float64(streakWeeks) * ic.StreakBonusPerWeek
	if bonus > ic.StreakBonusCap {
		bonus = ic.StreakBonusCap
	}
	weighted := onTime*ic.WeightOnTime +
		notification*ic.WeightNotification +
		cleanup*ic.WeightCleanup +
		estimation*ic.WeightEstimation +
		bonus/100
	return 100 * weighted
}

var gradeThresholds = []struct {
	Min   float64
	Grade string
}{
	{97, "A+"},
	{93, "A"},
	{90, "A-"},
	{87, "B+"},
	{83, "B"},
	{80, "B-"},
	{77, "C+"},
	{73, "C"},
	{70, "C-"},
	{67, "D+"},
	{63, "D"},
	{60, "D-"},
}

// LetterGrade maps a composite score through fixed descending thresholds.
func LetterGrade(score float64) string {
	for _, t := range gradeThresholds {
		if score >= t.Min {
			return t.Grade
		}
	}
	return "F"
}
