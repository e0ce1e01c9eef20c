package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/platform/pagination"
	"github.com/plankworks/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventReviewFlagged = "order.review.flagged"

	orderIDPrefix = "ord_"

	maxStatusUpdateAttempts = 3
	maxReasonLength         = 500
)

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusOnProcess: {
		domain.OrderStatusDelivered,
		domain.OrderStatusRequestingForRefund,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusRequestingForRefund: {domain.OrderStatusRefunded},
	domain.OrderStatusDelivered:           {domain.OrderStatusRefunded},
}

var knownOrderStatuses = []OrderStatus{
	domain.OrderStatusOnProcess,
	domain.OrderStatusDelivered,
	domain.OrderStatusRequestingForRefund,
	domain.OrderStatusRefunded,
	domain.OrderStatusCancelled,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Proofs ProofStore
	Clock  func() time.Time
	Events OrderEventPublisher
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	proofs ProofStore
	clock  func() time.Time
	events OrderEventPublisher
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders: deps.Orders,
		proofs: deps.Proofs,
		clock: func() time.Time {
			return clock().UTC()
		},
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, caller Principal, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	return s.loadVisible(ctx, caller, orderID)
}

func (s *orderService) ListOrders(ctx context.Context, caller Principal, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if err := validatePrincipal(caller); err != nil {
		return domain.CursorPage[Order]{}, err
	}
	if !caller.IsPrivileged() {
		filter.UserID = caller.ID
	}
	for _, status := range filter.Statuses {
		if !slices.Contains(knownOrderStatuses, status) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		if _, err := pagination.DecodeToken(token); err != nil {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:         strings.TrimSpace(filter.UserID),
		Statuses:       slices.Clone(filter.Statuses),
		ReviewRequired: filter.ReviewRequired,
		Pagination:     filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !slices.Contains(knownOrderStatuses, cmd.TargetStatus) {
		return Order{}, fmt.Errorf("%w: unknown target status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	if err := validatePrincipal(cmd.Caller); err != nil {
		return Order{}, err
	}

	proof := strings.TrimSpace(cmd.DeliveryProof)
	switch {
	case cmd.TargetStatus == domain.OrderStatusDelivered && proof == "":
		return Order{}, ErrOrderMissingDeliveryProof
	case cmd.TargetStatus != domain.OrderStatusDelivered && proof != "":
		return Order{}, fmt.Errorf("%w: delivery proof can only be attached when entering %s", ErrOrderInvalidInput, domain.OrderStatusDelivered)
	}

	cmd.OrderID = orderID
	cmd.DeliveryProof = proof
	cmd.Reason = sanitizeNote(cmd.Reason)

	var lastErr error
	for attempt := 0; attempt < maxStatusUpdateAttempts; attempt++ {
		order, err := s.loadVisible(ctx, cmd.Caller, orderID)
		if err != nil {
			return Order{}, err
		}
		if err := authorizeTransition(cmd.Caller, cmd.TargetStatus); err != nil {
			return Order{}, err
		}
		if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
			return Order{}, fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
		}
		if cmd.TargetStatus == domain.OrderStatusRequestingForRefund {
			if err := s.CheckRefundEligibility(order); err != nil {
				return Order{}, err
			}
		}
		if !canTransition(order.Status, cmd.TargetStatus) {
			return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, cmd.TargetStatus)
		}

		prevStatus := order.Status
		now := s.clock()
		applyStatusTransition(&order, cmd, now)

		updated, err := s.orders.UpdateStatus(ctx, order, prevStatus)
		if err == nil {
			s.publishEvent(ctx, OrderEvent{
				Type:            orderEventStatusChanged,
				OrderID:         updated.ID,
				UserID:          updated.UserID,
				TransactionHash: updated.TransactionHash,
				PreviousStatus:  string(prevStatus),
				CurrentStatus:   string(updated.Status),
				ActorID:         cmd.Caller.ID,
				OccurredAt:      now,
				Metadata:        transitionMetadata(cmd),
			})
			return updated, nil
		}
		if !repositories.IsConflict(err) {
			return Order{}, mapOrderRepositoryError(err)
		}
		if cmd.ExpectedStatus != nil {
			return Order{}, fmt.Errorf("%w: status changed concurrently", ErrOrderConflict)
		}
		lastErr = err
		s.logger(ctx, "order.status.cas_retry", map[string]any{
			"orderId": orderID,
			"attempt": attempt + 1,
			"target":  string(cmd.TargetStatus),
		})
	}
	return Order{}, fmt.Errorf("%w: %v", ErrOrderConflict, lastErr)
}

func (s *orderService) RequestRefund(ctx context.Context, cmd RequestRefundCommand) (Order, error) {
	return s.TransitionStatus(ctx, OrderStatusTransitionCommand{
		Caller:         cmd.Caller,
		OrderID:        cmd.OrderID,
		TargetStatus:   domain.OrderStatusRequestingForRefund,
		ExpectedStatus: cmd.ExpectedStatus,
		Reason:         cmd.Reason,
	})
}

// AttachDeliveryProof uploads the proof image and transitions the order into delivered in one
// operation. The upload is removed again when the transition is rejected.
func (s *orderService) AttachDeliveryProof(ctx context.Context, cmd AttachDeliveryProofCommand) (Order, error) {
	if s.proofs == nil {
		return Order{}, fmt.Errorf("%w: proof store not configured", ErrOrderProofStoreFailed)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Body == nil || cmd.Size <= 0 {
		return Order{}, fmt.Errorf("%w: proof file is required", ErrOrderInvalidInput)
	}
	if err := validatePrincipal(cmd.Caller); err != nil {
		return Order{}, err
	}

	// Reject before uploading when the edge cannot be taken.
	order, err := s.loadVisible(ctx, cmd.Caller, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := authorizeTransition(cmd.Caller, domain.OrderStatusDelivered); err != nil {
		return Order{}, err
	}
	if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
		return Order{}, fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
	}
	if !canTransition(order.Status, domain.OrderStatusDelivered) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, domain.OrderStatusDelivered)
	}

	ref, err := s.proofs.Upload(ctx, ProofObject{
		OrderID:     orderID,
		FileName:    cmd.FileName,
		ContentType: cmd.ContentType,
		Size:        cmd.Size,
		Body:        cmd.Body,
	})
	if err != nil {
		return Order{}, fmt.Errorf("%w: %w", ErrOrderProofStoreFailed, err)
	}

	updated, err := s.TransitionStatus(ctx, OrderStatusTransitionCommand{
		Caller:         cmd.Caller,
		OrderID:        orderID,
		TargetStatus:   domain.OrderStatusDelivered,
		ExpectedStatus: cmd.ExpectedStatus,
		DeliveryProof:  ref,
	})
	if err != nil {
		if delErr := s.proofs.Delete(ctx, ref); delErr != nil {
			s.logger(ctx, "order.delivery_proof.cleanup_failed", map[string]any{
				"orderId": orderID,
				"ref":     ref,
				"error":   delErr.Error(),
			})
		}
		return Order{}, err
	}
	return updated, nil
}

// CheckRefundEligibility evaluates both refund conditions and reports every one that failed.
func (s *orderService) CheckRefundEligibility(order Order) error {
	var reasons []RefundIneligibilityReason
	if order.Status != domain.OrderStatusOnProcess {
		reasons = append(reasons, RefundReasonWrongStatus)
	}
	if order.HasCustomizedLines() {
		reasons = append(reasons, RefundReasonCustomizedItems)
	}
	if len(reasons) == 0 {
		return nil
	}
	return &RefundIneligibleError{Reasons: reasons}
}

// loadVisible reads the order and hides orders the caller does not own.
func (s *orderService) loadVisible(ctx context.Context, caller Principal, orderID string) (Order, error) {
	if err := validatePrincipal(caller); err != nil {
		return Order{}, err
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if !caller.IsPrivileged() && order.UserID != caller.ID {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func applyStatusTransition(order *Order, cmd OrderStatusTransitionCommand, now time.Time) {
	prev := order.Status
	order.Status = cmd.TargetStatus
	order.UpdatedAt = now
	order.History = append(slices.Clone(order.History), domain.StatusTransition{
		From:      prev,
		To:        cmd.TargetStatus,
		ActorID:   cmd.Caller.ID,
		ActorRole: string(cmd.Caller.Role),
		Reason:    cmd.Reason,
		At:        now,
	})

	switch cmd.TargetStatus {
	case domain.OrderStatusDelivered:
		order.DeliveryProof = valuePtr(cmd.DeliveryProof)
		order.DeliveredAt = valuePtr(now)
	case domain.OrderStatusRequestingForRefund:
		order.RefundRequestedAt = valuePtr(now)
		order.RefundReason = optionalString(cmd.Reason)
	case domain.OrderStatusRefunded:
		order.RefundedAt = valuePtr(now)
	case domain.OrderStatusCancelled:
		order.CancelledAt = valuePtr(now)
	}
}

// authorizeTransition lets customers request refunds on their own orders and nothing else. The
// on_process precondition of that edge is enforced by the refund eligibility check.
func authorizeTransition(caller Principal, target OrderStatus) error {
	if caller.IsPrivileged() || target == domain.OrderStatusRequestingForRefund {
		return nil
	}
	return fmt.Errorf("%w: customers may not move orders to %s", ErrOrderForbidden, target)
}

func validatePrincipal(caller Principal) error {
	if strings.TrimSpace(caller.ID) == "" {
		return fmt.Errorf("%w: caller is required", ErrOrderForbidden)
	}
	switch caller.Role {
	case RoleCustomer, RoleAdmin, RoleSystem:
		return nil
	}
	return fmt.Errorf("%w: unknown role %q", ErrOrderForbidden, caller.Role)
}

func transitionMetadata(cmd OrderStatusTransitionCommand) map[string]any {
	metadata := map[string]any{"actorRole": string(cmd.Caller.Role)}
	if cmd.Reason != "" {
		metadata["reason"] = cmd.Reason
	}
	if cmd.DeliveryProof != "" {
		metadata["deliveryProof"] = cmd.DeliveryProof
	}
	return metadata
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
}

// sanitizeNote trims whitespace, strips control characters and caps the length of free-text notes.
func sanitizeNote(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, trimmed)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) > maxReasonLength {
		cleaned = string([]rune(cleaned)[:maxReasonLength])
	}
	return cleaned
}

func canTransition(current, target OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
