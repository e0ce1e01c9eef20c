package repositories

import (
	"testing"
	"time"

	domain "github.com/plankworks/api/internal/domain"
)

func TestApplyReviewIssuesMarksOversoldLineOnce(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	idx := 1
	order := domain.Order{
		ID: "ord_1",
		Lines: []domain.OrderLine{
			{ItemID: "chair", Quantity: 1, StockStatus: domain.LineStockCommitted},
			{ItemID: "table", Quantity: 2, StockStatus: domain.LineStockPending},
		},
	}
	issue := domain.ReviewIssue{Code: domain.ReviewIssueStockOversold, ItemID: "table", LineIndex: &idx}

	updated := ApplyReviewIssues(order, []domain.ReviewIssue{issue}, now)
	updated = ApplyReviewIssues(updated, []domain.ReviewIssue{issue}, now.Add(time.Minute))

	if !updated.Review.Required {
		t.Fatal("expected review required")
	}
	if len(updated.Review.Issues) != 1 {
		t.Fatalf("expected deduplicated issues, got %d", len(updated.Review.Issues))
	}
	if !updated.Review.Issues[0].At.Equal(now) {
		t.Fatalf("expected first timestamp kept, got %s", updated.Review.Issues[0].At)
	}
	if updated.Lines[1].StockStatus != domain.LineStockOversold {
		t.Fatalf("expected oversold line, got %s", updated.Lines[1].StockStatus)
	}
	if updated.Lines[0].StockStatus != domain.LineStockCommitted {
		t.Fatalf("committed line must stay committed, got %s", updated.Lines[0].StockStatus)
	}
	if order.Lines[1].StockStatus != domain.LineStockPending {
		t.Fatal("input order must not be mutated")
	}
}

func TestApplyReviewIssuesKeepsDistinctCodes(t *testing.T) {
	now := time.Now().UTC()
	updated := ApplyReviewIssues(domain.Order{}, []domain.ReviewIssue{
		{Code: domain.ReviewIssuePaymentUnconfirmed},
		{Code: domain.ReviewIssuePaymentAmountMismatch},
	}, now)
	if len(updated.Review.Issues) != 2 {
		t.Fatalf("expected two issues, got %d", len(updated.Review.Issues))
	}
}
