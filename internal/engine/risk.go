package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kept/internal/domain"
	"kept/internal/repo"
)

// RiskSummary groups open commitments by how they are about to be missed.
type RiskSummary struct {
	Overdue []domain.Commitment `json:"overdue"`
	DueSoon []domain.Commitment `json:"due_soon"`
	Stalled []domain.Commitment `json:"stalled"`

	messageItemCap int
}

func (s RiskSummary) TotalRisks() int {
	return len(s.Overdue) + len(s.DueSoon) + len(s.Stalled)
}

func (s RiskSummary) HasRisks() bool {
	return s.TotalRisks() > 0
}

// ToMessage renders the summary for display: each non-empty category capped
// to the first few items, ending with the at-risk call to action.
func (s RiskSummary) ToMessage() string {
	if !s.HasRisks() {
		return ""
	}
	limit := s.messageItemCap
	if limit <= 0 {
		limit = 3
	}
	var b strings.Builder
	writeCategory(&b, "Overdue", s.Overdue, limit)
	writeCategory(&b, "Due soon", s.DueSoon, limit)
	writeCategory(&b, "Stalled", s.Stalled, limit)
	b.WriteString("If any of these can't be kept, run `kept atrisk <id>` to plan the cleanup and draft the notification.\n")
	return b.String()
}

func writeCategory(b *strings.Builder, label string, items []domain.Commitment, limit int) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s (%d):\n", label, len(items))
	for i, c := range items {
		if i == limit {
			fmt.Fprintf(b, "  …and %d more\n", len(items)-limit)
			break
		}
		fmt.Fprintf(b, "  - %s for %s (due %s)\n", c.Deliverable, c.Stakeholder, c.DueDate)
	}
	b.WriteString("\n")
}

// DetectRisks classifies open commitments into overdue, due-soon and
// stalled. Read-only; intended to run at session start.
func (e Engine) DetectRisks(ctx context.Context) (RiskSummary, error) {
	summary := RiskSummary{messageItemCap: e.Config.Risk.MessageItemCap}
	open, err := e.Repo.ListCommitments(ctx, repo.CommitmentFilters{
		Statuses: []string{domain.CommitmentPending, domain.CommitmentInProgress},
	})
	if err != nil {
		return summary, err
	}
	now := e.now().UTC()
	today := now.Format(dateLayout)
	dueSoonEnd := now.AddDate(0, 0, e.Config.Risk.DueSoonDays).Format(dateLayout)
	stalledEnd := now.AddDate(0, 0, e.Config.Risk.StalledDueDays).Format(dateLayout)
	idleCutoff := now.Add(-time.Duration(e.Config.Risk.StalledIdleHours) * time.Hour)

	for _, c := range open {
		switch {
		case c.DueDate < today:
			summary.Overdue = append(summary.Overdue, c)
		case c.Status == domain.CommitmentPending && c.DueDate <= dueSoonEnd:
			summary.DueSoon = append(summary.DueSoon, c)
		case c.Status == domain.CommitmentInProgress && c.DueDate <= stalledEnd:
			updated, err := time.Parse(time.RFC3339, c.UpdatedAt)
			if err != nil {
				return summary, fmt.Errorf("parse updated_at for %s: %w", c.ID, err)
			}
			if updated.Before(idleCutoff) {
				summary.Stalled = append(summary.Stalled, c)
			}
		}
	}
	return summary, nil
}
