package handlers

import (
	"context"
	"errors"
	"net/http"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/platform/requestctx"
	"github.com/plankworks/api/internal/services"
)

type stubOrderService struct {
	getFn        func(context.Context, services.Principal, string) (services.Order, error)
	listFn       func(context.Context, services.Principal, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
	refundFn     func(context.Context, services.RequestRefundCommand) (services.Order, error)
	proofFn      func(context.Context, services.AttachDeliveryProofCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, caller services.Principal, id string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, caller, id)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, caller services.Principal, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, caller, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) RequestRefund(ctx context.Context, cmd services.RequestRefundCommand) (services.Order, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) AttachDeliveryProof(ctx context.Context, cmd services.AttachDeliveryProofCommand) (services.Order, error) {
	if s.proofFn != nil {
		return s.proofFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) CheckRefundEligibility(services.Order) error { return nil }

type stubCheckoutService struct {
	startFn    func(context.Context, services.StartCheckoutCommand) (services.CheckoutSessionResult, error)
	finalizeFn func(context.Context, services.FinalizeCheckoutCommand) (services.FinalizeResult, error)
	confirmFn  func(context.Context, services.ConfirmPaymentCommand) (services.Order, error)
}

func (s *stubCheckoutService) StartCheckout(ctx context.Context, cmd services.StartCheckoutCommand) (services.CheckoutSessionResult, error) {
	if s.startFn != nil {
		return s.startFn(ctx, cmd)
	}
	return services.CheckoutSessionResult{}, errors.New("not implemented")
}

func (s *stubCheckoutService) FinalizeCheckout(ctx context.Context, cmd services.FinalizeCheckoutCommand) (services.FinalizeResult, error) {
	if s.finalizeFn != nil {
		return s.finalizeFn(ctx, cmd)
	}
	return services.FinalizeResult{}, errors.New("not implemented")
}

func (s *stubCheckoutService) ConfirmPayment(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubCheckoutService) RetryCartReconciliation(context.Context, string) (services.Order, error) {
	return services.Order{}, errors.New("not implemented")
}

type stubPricingService struct {
	fn func(context.Context, string, services.PriceQuoteRequest) (services.PriceQuote, error)
}

func (s *stubPricingService) CalculatePrice(ctx context.Context, itemID string, req services.PriceQuoteRequest) (services.PriceQuote, error) {
	return s.fn(ctx, itemID, req)
}

type stubJobRunner struct {
	runs []services.JobMessage
	err  error
}

func (s *stubJobRunner) Run(_ context.Context, msg services.JobMessage) error {
	s.runs = append(s.runs, msg)
	return s.err
}

// asActor attaches the actor the auth middleware would have recorded.
func asActor(req *http.Request, id string, role services.Role) *http.Request {
	return req.WithContext(requestctx.WithActor(req.Context(), requestctx.Actor{ID: id, Role: string(role)}))
}

var (
	_ services.OrderService    = (*stubOrderService)(nil)
	_ services.CheckoutService = (*stubCheckoutService)(nil)
	_ services.PricingService  = (*stubPricingService)(nil)
	_ services.JobRunner       = (*stubJobRunner)(nil)
)
