package repositories

import (
	"time"

	domain "github.com/plankworks/api/internal/domain"
)

// ApplyReviewIssues merges issues into the order's review block, skipping duplicates of an issue
// already recorded for the same line. Backends call it inside their write transaction.
func ApplyReviewIssues(order domain.Order, issues []domain.ReviewIssue, at time.Time) domain.Order {
	if len(issues) == 0 {
		return order
	}
	lines := append([]domain.OrderLine(nil), order.Lines...)
	merged := append([]domain.ReviewIssue(nil), order.Review.Issues...)
	for _, issue := range issues {
		if issue.At.IsZero() {
			issue.At = at
		}
		if issue.Code == domain.ReviewIssueStockOversold && issue.LineIndex != nil {
			idx := *issue.LineIndex
			if idx >= 0 && idx < len(lines) && lines[idx].StockStatus != domain.LineStockCommitted {
				lines[idx].StockStatus = domain.LineStockOversold
			}
		}
		if containsIssue(merged, issue) {
			continue
		}
		merged = append(merged, issue)
	}
	order.Lines = lines
	order.Review = domain.OrderReview{Required: true, Issues: merged}
	order.UpdatedAt = at
	return order
}

func containsIssue(existing []domain.ReviewIssue, candidate domain.ReviewIssue) bool {
	for _, issue := range existing {
		if issue.Code != candidate.Code || issue.ItemID != candidate.ItemID {
			continue
		}
		switch {
		case issue.LineIndex == nil && candidate.LineIndex == nil:
			return true
		case issue.LineIndex != nil && candidate.LineIndex != nil && *issue.LineIndex == *candidate.LineIndex:
			return true
		}
	}
	return false
}
