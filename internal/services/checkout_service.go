package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/payments"
	"github.com/plankworks/api/internal/repositories"
)

const (
	defaultCheckoutCurrency       = "PHP"
	defaultCheckoutTTL            = 24 * time.Hour
	defaultPaymentConfirmTimeout  = 5 * time.Second
	defaultPriceToleranceMinor    = 1
	maxCreateConflictRetries      = 3
	createConflictBackoff         = 20 * time.Millisecond
	checkoutEventInvariantStock   = "checkout.invariant.stock_oversold"
	checkoutEventInvariantPayment = "checkout.invariant.payment_discrepancy"
)

// CheckoutServiceDeps wires the dependencies required by the checkout pipeline.
type CheckoutServiceDeps struct {
	Orders         repositories.OrderRepository
	Items          repositories.ItemRepository
	Checkouts      repositories.CheckoutRepository
	Inventory      InventoryService
	Carts          CartService
	Payments       PaymentProvider
	Jobs           JobScheduler
	Events         OrderEventPublisher
	Pricing        *FurniturePricingEngine
	Currency       string
	ShippingFee    int64
	PriceTolerance int64
	ConfirmTimeout time.Duration
	CheckoutTTL    time.Duration
	SuccessURL     string
	CancelURL      string
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders         repositories.OrderRepository
	items          repositories.ItemRepository
	checkouts      repositories.CheckoutRepository
	inventory      InventoryService
	carts          CartService
	payments       PaymentProvider
	jobs           JobScheduler
	events         OrderEventPublisher
	pricing        *FurniturePricingEngine
	currency       string
	shippingFee    int64
	tolerance      int64
	confirmTimeout time.Duration
	checkoutTTL    time.Duration
	successURL     string
	cancelURL      string
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

// NewCheckoutService constructs the checkout finalization pipeline validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Items == nil {
		return nil, errors.New("checkout service: item repository is required")
	}
	if deps.Checkouts == nil {
		return nil, errors.New("checkout service: checkout repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("checkout service: inventory service is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	pricing := deps.Pricing
	if pricing == nil {
		pricing = NewFurniturePricingEngine()
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}
	tolerance := deps.PriceTolerance
	if tolerance <= 0 {
		tolerance = defaultPriceToleranceMinor
	}
	confirmTimeout := deps.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultPaymentConfirmTimeout
	}
	ttl := deps.CheckoutTTL
	if ttl <= 0 {
		ttl = defaultCheckoutTTL
	}
	if deps.ShippingFee < 0 {
		return nil, errors.New("checkout service: shipping fee must not be negative")
	}

	return &checkoutService{
		orders:         deps.Orders,
		items:          deps.Items,
		checkouts:      deps.Checkouts,
		inventory:      deps.Inventory,
		carts:          deps.Carts,
		payments:       deps.Payments,
		jobs:           deps.Jobs,
		events:         deps.Events,
		pricing:        pricing,
		currency:       currency,
		shippingFee:    deps.ShippingFee,
		tolerance:      tolerance,
		confirmTimeout: confirmTimeout,
		checkoutTTL:    ttl,
		successURL:     strings.TrimSpace(deps.SuccessURL),
		cancelURL:      strings.TrimSpace(deps.CancelURL),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// StartCheckout prices the cart snapshot, stores it server-side and creates the hosted checkout
// session. Repeating the call for the same transaction hash returns the stored session.
func (s *checkoutService) StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSessionResult, error) {
	if s.payments == nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentUnavailable, errCheckoutPaymentsUnavailable)
	}
	hash := strings.TrimSpace(cmd.TransactionHash)
	if err := validateCheckoutCaller(cmd.Caller, hash); err != nil {
		return CheckoutSessionResult{}, err
	}
	now := s.clock()

	if _, err := s.orders.FindByTransactionHash(ctx, hash); err == nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: checkout %s is already finalized", ErrCheckoutConflict, hash)
	} else if !repositories.IsNotFound(err) {
		return CheckoutSessionResult{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	idempotencyKey := "checkout-" + hash
	existing, err := s.checkouts.FindByTransactionHash(ctx, hash)
	switch {
	case err == nil:
		if existing.UserID != cmd.Caller.ID && !cmd.Caller.IsPrivileged() {
			return CheckoutSessionResult{}, fmt.Errorf("%w: checkout belongs to another user", ErrCheckoutForbidden)
		}
		if !existing.Expired(now) && existing.SessionID != "" {
			return sessionResult(existing), nil
		}
		idempotencyKey = fmt.Sprintf("checkout-%s-%s", hash, s.newID())
	case !repositories.IsNotFound(err):
		return CheckoutSessionResult{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	draft, err := s.buildOrder(ctx, cmd.Caller.ID, hash, "", cmd.Payload, now, true)
	if err != nil {
		return CheckoutSessionResult{}, err
	}

	session, err := s.payments.CreateCheckoutSession(ctx, payments.CheckoutSessionRequest{
		Currency:       draft.Currency,
		CustomerRef:    draft.UserID,
		SuccessURL:     s.successURL,
		CancelURL:      s.cancelURL,
		IdempotencyKey: idempotencyKey,
		ExpiresAt:      now.Add(s.checkoutTTL),
		Items:          checkoutLineItems(draft),
		Metadata: map[string]string{
			payments.MetadataTransactionHash: hash,
			payments.MetadataUserID:          draft.UserID,
		},
	})
	if err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentUnavailable, err)
	}

	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.checkoutTTL)
	}
	pending := PendingCheckout{
		TransactionHash: hash,
		UserID:          draft.UserID,
		Payload:         pricedPayload(draft),
		SessionID:       session.ID,
		RedirectURL:     session.RedirectURL,
		Amount:          draft.Amount,
		Currency:        draft.Currency,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}
	if err := s.checkouts.Save(ctx, pending); err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	s.logger(ctx, "checkout.session.started", map[string]any{
		"transactionHash": hash,
		"sessionId":       session.ID,
		"amount":          draft.Amount,
	})
	return sessionResult(pending), nil
}

// FinalizeCheckout turns a paid checkout into exactly one order. It is safe to call any number of
// times for the same transaction hash; later calls return the first call's order and resume any
// step that had not completed.
func (s *checkoutService) FinalizeCheckout(ctx context.Context, cmd FinalizeCheckoutCommand) (FinalizeResult, error) {
	hash := strings.TrimSpace(cmd.TransactionHash)
	if err := validateCheckoutCaller(cmd.Caller, hash); err != nil {
		return FinalizeResult{}, err
	}

	existing, err := s.orders.FindByTransactionHash(ctx, hash)
	if err == nil {
		return s.replay(ctx, cmd.Caller, existing)
	}
	if !repositories.IsNotFound(err) {
		return FinalizeResult{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	userID, sessionID, payload, started, err := s.resolvePayload(ctx, cmd, hash)
	if err != nil {
		return FinalizeResult{}, err
	}

	now := s.clock()
	order, err := s.buildOrder(ctx, userID, hash, sessionID, payload, now, true)
	if errors.Is(err, ErrCheckoutInsufficientStock) && started {
		// A settled session must still produce an order; the short lines are flagged oversold
		// when stock is committed.
		settled, checkErr := s.sessionSettled(ctx, hash, sessionID)
		if checkErr != nil {
			return FinalizeResult{}, checkErr
		}
		if settled {
			s.logger(ctx, checkoutEventInvariantStock, map[string]any{
				"transactionHash": hash,
				"sessionId":       sessionID,
				"stage":           "finalize",
				"shortage":        err.Error(),
			})
			order, err = s.buildOrder(ctx, userID, hash, sessionID, payload, now, false)
		}
	}
	if err != nil {
		return FinalizeResult{}, err
	}
	order.History = []domain.StatusTransition{{
		To:        domain.OrderStatusOnProcess,
		ActorID:   cmd.Caller.ID,
		ActorRole: string(cmd.Caller.Role),
		At:        now,
	}}

	created, err := s.orders.Create(ctx, order)
	if err != nil {
		if repositories.IsConflict(err) {
			winner, findErr := s.awaitWinner(ctx, hash)
			if findErr != nil {
				return FinalizeResult{}, findErr
			}
			return s.replay(ctx, cmd.Caller, winner)
		}
		return FinalizeResult{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	s.logger(ctx, "checkout.order.created", map[string]any{
		"orderId":         created.ID,
		"transactionHash": hash,
		"amount":          created.Amount,
	})
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:            orderEventCreated,
		OrderID:         created.ID,
		UserID:          created.UserID,
		TransactionHash: hash,
		CurrentStatus:   string(created.Status),
		ActorID:         cmd.Caller.ID,
		OccurredAt:      now,
		Metadata:        map[string]any{"amount": created.Amount, "currency": created.Currency},
	})

	final, err := s.complete(ctx, created)
	return FinalizeResult{Order: final}, err
}

// ConfirmPayment re-runs payment confirmation for an existing order.
func (s *checkoutService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	order, err := s.locateOrder(ctx, cmd)
	if err != nil {
		return Order{}, err
	}
	if !paymentNeedsCheck(order) {
		return order, nil
	}
	updated, unknown, err := s.confirmPayment(ctx, order)
	if err != nil {
		return order, err
	}
	if unknown {
		if cmd.Background {
			return updated, fmt.Errorf("%w: payment for order %s is still unconfirmed", ErrCheckoutPaymentUnavailable, order.ID)
		}
		s.enqueuePaymentConfirm(ctx, order.ID)
	}
	return updated, nil
}

// RetryCartReconciliation removes the order's items from the cart again. Failures are returned to
// the caller, which is expected to retry.
func (s *checkoutService) RetryCartReconciliation(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrCheckoutInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapCheckoutRepositoryError(err)
	}
	if order.CartStatus == domain.CartSyncReconciled {
		return order, nil
	}
	return s.reconcileCart(ctx, order, false)
}

func (s *checkoutService) replay(ctx context.Context, caller Principal, existing Order) (FinalizeResult, error) {
	if !caller.IsPrivileged() && existing.UserID != caller.ID {
		return FinalizeResult{}, fmt.Errorf("%w: transaction hash belongs to another user", ErrCheckoutForbidden)
	}
	s.logger(ctx, "checkout.finalize.replayed", map[string]any{
		"orderId":         existing.ID,
		"transactionHash": existing.TransactionHash,
	})
	if !needsCompletion(existing) {
		return FinalizeResult{Order: existing, Replayed: true}, nil
	}
	final, err := s.complete(ctx, existing)
	return FinalizeResult{Order: final, Replayed: true}, err
}

// awaitWinner reads the order that won a concurrent create for the same transaction hash.
func (s *checkoutService) awaitWinner(ctx context.Context, hash string) (Order, error) {
	var lastErr error
	for attempt := 0; attempt < maxCreateConflictRetries; attempt++ {
		order, err := s.orders.FindByTransactionHash(ctx, hash)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !repositories.IsNotFound(err) {
			break
		}
		select {
		case <-ctx.Done():
			return Order{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * createConflictBackoff):
		}
	}
	return Order{}, fmt.Errorf("%w: %v", ErrCheckoutConflict, lastErr)
}

// complete runs the post-create steps. Stock and cart reconciliation run sequentially while payment
// confirmation runs alongside them.
func (s *checkoutService) complete(ctx context.Context, order Order) (Order, error) {
	var (
		g         errgroup.Group
		shortfall *StockShortfallError
	)

	g.Go(func() error {
		if len(order.PendingLineIndexes()) > 0 {
			var err error
			shortfall, err = s.commitStock(ctx, order)
			if err != nil {
				return err
			}
		}
		if order.CartStatus != domain.CartSyncReconciled {
			// Cart failures are never fatal; a retry job has been scheduled.
			_, _ = s.reconcileCart(ctx, order, true)
		}
		return nil
	})

	if paymentNeedsCheck(order) {
		g.Go(func() error {
			_, unknown, err := s.confirmPayment(ctx, order)
			if err != nil {
				return err
			}
			if unknown {
				s.enqueuePaymentConfirm(ctx, order.ID)
			}
			return nil
		})
	}

	stepErr := g.Wait()

	latest, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		s.logger(ctx, "checkout.order.reload_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		latest = order
	}
	if stepErr != nil {
		return latest, stepErr
	}
	if shortfall != nil {
		return latest, shortfall
	}
	return latest, nil
}

// commitStock decrements every pending line. Lines that cannot be satisfied are left untouched,
// flagged oversold and reported; the order itself is never rolled back.
func (s *checkoutService) commitStock(ctx context.Context, order Order) (*StockShortfallError, error) {
	now := s.clock()
	var (
		issues   []ReviewIssue
		short    []StockShortfallLine
		fatalErr error
	)

	for _, idx := range order.PendingLineIndexes() {
		line := order.Lines[idx]
		_, err := s.inventory.Reserve(ctx, InventoryReserveCommand{
			ItemID:    line.ItemID,
			Quantity:  line.Quantity,
			OrderID:   order.ID,
			LineIndex: idx,
		})
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrInventoryInsufficientStock) && !errors.Is(err, ErrInventoryItemNotFound) {
			fatalErr = fmt.Errorf("%w: commit stock for line %d: %w", ErrCheckoutUnavailable, idx, err)
			break
		}

		available := 0
		var invErr *repositories.InventoryError
		if errors.As(err, &invErr) {
			available = invErr.Available
		}
		short = append(short, StockShortfallLine{
			LineIndex: idx,
			ItemID:    line.ItemID,
			Requested: line.Quantity,
			Available: available,
		})
		issues = append(issues, ReviewIssue{
			Code:      domain.ReviewIssueStockOversold,
			ItemID:    line.ItemID,
			LineIndex: valuePtr(idx),
			Message:   fmt.Sprintf("requested %d, available %d", line.Quantity, available),
			At:        now,
		})
	}

	if len(issues) > 0 {
		for _, line := range short {
			s.logger(ctx, checkoutEventInvariantStock, map[string]any{
				"orderId":          order.ID,
				"transactionHash":  order.TransactionHash,
				"paymentReference": derefString(order.PaymentReference),
				"paymentSessionId": order.PaymentSessionID,
				"lineIndex":        line.LineIndex,
				"itemId":           line.ItemID,
				"requested":        line.Requested,
				"available":        line.Available,
			})
		}
		if err := s.flagForReview(ctx, order, issues, now); err != nil && fatalErr == nil {
			fatalErr = err
		}
	}

	if fatalErr != nil {
		return nil, fatalErr
	}
	if len(short) == 0 {
		return nil, nil
	}
	return &StockShortfallError{OrderID: order.ID, TransactionHash: order.TransactionHash, Lines: short}, nil
}

func (s *checkoutService) reconcileCart(ctx context.Context, order Order, scheduleRetry bool) (Order, error) {
	now := s.clock()
	if _, err := s.carts.RemoveItems(ctx, order.UserID, order.ItemIDs()); err != nil {
		s.logger(ctx, "checkout.cart.reconcile_failed", map[string]any{
			"orderId": order.ID,
			"userId":  order.UserID,
			"error":   err.Error(),
		})
		updated, updateErr := s.orders.UpdateCartStatus(ctx, order.ID, domain.CartSyncRetrying, now)
		if updateErr != nil {
			updated = order
		}
		if scheduleRetry && s.jobs != nil {
			if jobErr := s.jobs.EnqueueCartReconcile(ctx, order.ID); jobErr != nil {
				s.logger(ctx, "checkout.cart.enqueue_failed", map[string]any{
					"orderId": order.ID,
					"error":   jobErr.Error(),
				})
			}
		}
		return updated, err
	}

	updated, err := s.orders.UpdateCartStatus(ctx, order.ID, domain.CartSyncReconciled, now)
	if err != nil {
		return order, mapCheckoutRepositoryError(err)
	}
	return updated, nil
}

// confirmPayment asks the provider whether the session was paid. It reports unknown when the
// provider could not give a verdict within the confirm timeout.
func (s *checkoutService) confirmPayment(ctx context.Context, order Order) (Order, bool, error) {
	now := s.clock()
	sessionID := strings.TrimSpace(order.PaymentSessionID)
	if sessionID == "" {
		updated, err := s.recordUnpaid(ctx, order, now, "no payment session reference was supplied")
		return updated, false, err
	}
	if s.payments == nil {
		updated, err := s.recordUnknown(ctx, order, now, errCheckoutPaymentsUnavailable)
		return updated, true, err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	status, err := s.payments.GetSessionStatus(confirmCtx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, payments.ErrSessionNotFound) {
			updated, recErr := s.recordUnpaid(ctx, order, now, "payment session not found at provider")
			return updated, false, recErr
		}
		updated, recErr := s.recordUnknown(ctx, order, now, err)
		return updated, true, recErr
	}

	if hash := strings.TrimSpace(status.Metadata[payments.MetadataTransactionHash]); hash != "" && hash != order.TransactionHash {
		updated, recErr := s.recordUnpaid(ctx, order, now, fmt.Sprintf("payment session belongs to checkout %s", hash))
		return updated, false, recErr
	}

	switch status.State {
	case payments.SessionPaid:
		updated, err := s.orders.RecordPayment(ctx, order.ID, repositories.OrderPaymentUpdate{
			Status:    domain.PaymentStatusPaid,
			Reference: optionalString(status.Reference),
			CheckedAt: now,
		})
		if err != nil {
			return order, false, mapCheckoutRepositoryError(err)
		}
		if mismatch := amountMismatch(order, status); mismatch != "" {
			s.logger(ctx, checkoutEventInvariantPayment, map[string]any{
				"orderId":          order.ID,
				"transactionHash":  order.TransactionHash,
				"paymentReference": status.Reference,
				"expectedAmount":   order.Amount,
				"paidAmount":       status.AmountTotal,
				"paidCurrency":     status.Currency,
			})
			if err := s.flagForReview(ctx, updated, []ReviewIssue{{
				Code:    domain.ReviewIssuePaymentAmountMismatch,
				Message: mismatch,
				At:      now,
			}}, now); err != nil {
				return updated, false, err
			}
		}
		return updated, false, nil
	case payments.SessionUnpaid:
		updated, err := s.recordUnpaid(ctx, order, now, "provider reports the session as unpaid")
		return updated, false, err
	default:
		updated, err := s.recordUnknown(ctx, order, now, errors.New("provider has no verdict yet"))
		return updated, true, err
	}
}

func (s *checkoutService) recordUnpaid(ctx context.Context, order Order, now time.Time, reason string) (Order, error) {
	updated, err := s.orders.RecordPayment(ctx, order.ID, repositories.OrderPaymentUpdate{
		Status:    domain.PaymentStatusUnpaid,
		CheckedAt: now,
	})
	if err != nil {
		return order, mapCheckoutRepositoryError(err)
	}
	s.logger(ctx, checkoutEventInvariantPayment, map[string]any{
		"orderId":          order.ID,
		"transactionHash":  order.TransactionHash,
		"paymentSessionId": order.PaymentSessionID,
		"reason":           reason,
	})
	if err := s.flagForReview(ctx, updated, []ReviewIssue{{
		Code:    domain.ReviewIssuePaymentUnconfirmed,
		Message: reason,
		At:      now,
	}}, now); err != nil {
		return updated, err
	}
	return updated, nil
}

func (s *checkoutService) recordUnknown(ctx context.Context, order Order, now time.Time, cause error) (Order, error) {
	s.logger(ctx, "checkout.payment.unknown", map[string]any{
		"orderId":          order.ID,
		"transactionHash":  order.TransactionHash,
		"paymentSessionId": order.PaymentSessionID,
		"error":            cause.Error(),
	})
	updated, err := s.orders.RecordPayment(ctx, order.ID, repositories.OrderPaymentUpdate{
		Status:    domain.PaymentStatusUnknown,
		CheckedAt: now,
	})
	if err != nil {
		return order, mapCheckoutRepositoryError(err)
	}
	return updated, nil
}

func (s *checkoutService) flagForReview(ctx context.Context, order Order, issues []ReviewIssue, now time.Time) error {
	if _, err := s.orders.FlagForReview(ctx, order.ID, issues, now); err != nil {
		return mapCheckoutRepositoryError(err)
	}
	codes := make([]string, len(issues))
	for i, issue := range issues {
		codes[i] = string(issue.Code)
	}
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:            orderEventReviewFlagged,
		OrderID:         order.ID,
		UserID:          order.UserID,
		TransactionHash: order.TransactionHash,
		CurrentStatus:   string(order.Status),
		OccurredAt:      now,
		Metadata:        map[string]any{"issues": codes},
	})
	return nil
}

func (s *checkoutService) enqueuePaymentConfirm(ctx context.Context, orderID string) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.EnqueuePaymentConfirm(ctx, orderID); err != nil {
		s.logger(ctx, "checkout.payment.enqueue_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

// resolvePayload returns the checkout contents to finalize. A stored pending checkout wins over the
// caller's payload, and started reports whether one was found.
func (s *checkoutService) resolvePayload(ctx context.Context, cmd FinalizeCheckoutCommand, hash string) (userID, sessionID string, payload CheckoutPayload, started bool, err error) {
	sessionID = strings.TrimSpace(cmd.PaymentSessionID)

	pending, err := s.checkouts.FindByTransactionHash(ctx, hash)
	switch {
	case err == nil:
		if !cmd.Caller.IsPrivileged() && pending.UserID != cmd.Caller.ID {
			return "", "", CheckoutPayload{}, false, fmt.Errorf("%w: checkout belongs to another user", ErrCheckoutForbidden)
		}
		if sessionID == "" {
			sessionID = pending.SessionID
		}
		if pending.SessionID != "" && sessionID != pending.SessionID {
			return "", "", CheckoutPayload{}, false, fmt.Errorf("%w: payment session does not match the checkout", ErrCheckoutInvalidInput)
		}
		return pending.UserID, sessionID, pending.Payload, true, nil
	case !repositories.IsNotFound(err):
		return "", "", CheckoutPayload{}, false, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	if cmd.Payload == nil {
		return "", "", CheckoutPayload{}, false, fmt.Errorf("%w: payload is required when no checkout was started", ErrCheckoutInvalidInput)
	}
	userID = cmd.Caller.ID
	if cmd.Caller.IsPrivileged() {
		userID = userIDFromHash(hash)
	}
	return userID, sessionID, *cmd.Payload, false, nil
}

// sessionSettled reports whether the provider already took payment for the checkout's session. An
// undecided provider is an error so the caller retries instead of dropping a paid checkout.
func (s *checkoutService) sessionSettled(ctx context.Context, hash, sessionID string) (bool, error) {
	if sessionID == "" || s.payments == nil {
		return false, nil
	}
	confirmCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	status, err := s.payments.GetSessionStatus(confirmCtx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, payments.ErrSessionNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %w", ErrCheckoutPaymentUnavailable, err)
	}
	if owner := strings.TrimSpace(status.Metadata[payments.MetadataTransactionHash]); owner != "" && owner != hash {
		return false, nil
	}
	switch status.State {
	case payments.SessionPaid:
		return true, nil
	case payments.SessionUnpaid:
		return false, nil
	default:
		return false, fmt.Errorf("%w: payment for checkout %s has no verdict yet", ErrCheckoutPaymentUnavailable, hash)
	}
}

func (s *checkoutService) locateOrder(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	if err := validatePrincipal(cmd.Caller); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutForbidden, err)
	}
	var (
		order Order
		err   error
	)
	switch {
	case strings.TrimSpace(cmd.OrderID) != "":
		order, err = s.orders.FindByID(ctx, strings.TrimSpace(cmd.OrderID))
	case strings.TrimSpace(cmd.TransactionHash) != "":
		order, err = s.orders.FindByTransactionHash(ctx, strings.TrimSpace(cmd.TransactionHash))
	default:
		return Order{}, fmt.Errorf("%w: order id or transaction hash is required", ErrCheckoutInvalidInput)
	}
	if err != nil {
		return Order{}, mapCheckoutRepositoryError(err)
	}
	if !cmd.Caller.IsPrivileged() && order.UserID != cmd.Caller.ID {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
	}
	return order, nil
}

func needsCompletion(order Order) bool {
	return len(order.PendingLineIndexes()) > 0 ||
		order.CartStatus != domain.CartSyncReconciled ||
		paymentNeedsCheck(order)
}

func paymentNeedsCheck(order Order) bool {
	switch order.PaymentStatus {
	case "", domain.PaymentStatusPending, domain.PaymentStatusUnknown:
		return true
	}
	return false
}

func amountMismatch(order Order, status payments.SessionStatus) string {
	if status.Currency != "" && !strings.EqualFold(status.Currency, order.Currency) {
		return fmt.Sprintf("paid in %s, order is in %s", status.Currency, order.Currency)
	}
	if status.AmountTotal != order.Amount {
		return fmt.Sprintf("paid %d, order amount is %d", status.AmountTotal, order.Amount)
	}
	return ""
}

func sessionResult(pending PendingCheckout) CheckoutSessionResult {
	return CheckoutSessionResult{
		TransactionHash: pending.TransactionHash,
		SessionID:       pending.SessionID,
		RedirectURL:     pending.RedirectURL,
		Amount:          pending.Amount,
		Currency:        pending.Currency,
		ExpiresAt:       pending.ExpiresAt,
	}
}

func mapCheckoutRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
