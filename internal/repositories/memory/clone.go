package memory

import (
	"maps"
	"time"

	domain "github.com/plankworks/api/internal/domain"
)

// Stored values never share slices or pointers with caller-owned values.

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Lines = cloneLines(order.Lines)
	out.ScheduledDate = cloneTime(order.ScheduledDate)
	out.PaymentReference = cloneString(order.PaymentReference)
	out.PaymentCheckedAt = cloneTime(order.PaymentCheckedAt)
	out.DeliveryProof = cloneString(order.DeliveryProof)
	out.RefundReason = cloneString(order.RefundReason)
	out.History = cloneHistory(order.History)
	out.DeliveredAt = cloneTime(order.DeliveredAt)
	out.RefundRequestedAt = cloneTime(order.RefundRequestedAt)
	out.RefundedAt = cloneTime(order.RefundedAt)
	out.CancelledAt = cloneTime(order.CancelledAt)
	if len(order.Review.Issues) > 0 {
		issues := make([]domain.ReviewIssue, len(order.Review.Issues))
		for i, issue := range order.Review.Issues {
			if issue.LineIndex != nil {
				idx := *issue.LineIndex
				issue.LineIndex = &idx
			}
			issues[i] = issue
		}
		out.Review.Issues = issues
	}
	return out
}

func cloneLines(lines []domain.OrderLine) []domain.OrderLine {
	if lines == nil {
		return nil
	}
	out := make([]domain.OrderLine, len(lines))
	for i, line := range lines {
		if line.Customization != nil {
			custom := *line.Customization
			line.Customization = &custom
		}
		out[i] = line
	}
	return out
}

func cloneHistory(history []domain.StatusTransition) []domain.StatusTransition {
	if history == nil {
		return nil
	}
	return append([]domain.StatusTransition(nil), history...)
}

func cloneItem(item domain.Item) domain.Item {
	if item.Customization == nil {
		return item
	}
	options := *item.Customization
	options.Materials = make([]domain.Material, len(item.Customization.Materials))
	for i, material := range item.Customization.Materials {
		material.UnitCosts = maps.Clone(material.UnitCosts)
		options.Materials[i] = material
	}
	item.Customization = &options
	return item
}

func clonePendingCheckout(checkout domain.PendingCheckout) domain.PendingCheckout {
	out := checkout
	out.Payload.ScheduledDate = cloneTime(checkout.Payload.ScheduledDate)
	if checkout.Payload.Lines != nil {
		lines := make([]domain.CheckoutLine, len(checkout.Payload.Lines))
		for i, line := range checkout.Payload.Lines {
			if line.Customization != nil {
				custom := *line.Customization
				line.Customization = &custom
			}
			lines[i] = line
		}
		out.Payload.Lines = lines
	}
	return out
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
