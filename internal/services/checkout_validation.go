package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/payments"
)

const (
	maxTransactionHashLength = 128
	maxCheckoutLines         = 50
	maxLineQuantity          = 99
)

// validateCheckoutCaller checks the principal and the transaction hash. Customers may only use
// hashes of the form <their id>-<digits>; privileged callers act on behalf of the hash owner.
func validateCheckoutCaller(caller Principal, hash string) error {
	if err := validatePrincipal(caller); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckoutForbidden, err)
	}
	if hash == "" {
		return fmt.Errorf("%w: transaction hash is required", ErrCheckoutInvalidInput)
	}
	if len(hash) > maxTransactionHashLength {
		return fmt.Errorf("%w: transaction hash is too long", ErrCheckoutInvalidInput)
	}
	if caller.IsPrivileged() {
		if userIDFromHash(hash) == "" {
			return fmt.Errorf("%w: transaction hash must name its user", ErrCheckoutInvalidInput)
		}
		return nil
	}
	suffix, ok := strings.CutPrefix(hash, caller.ID+"-")
	if !ok || suffix == "" || strings.Trim(suffix, "0123456789") != "" {
		return fmt.Errorf("%w: transaction hash must be %s-<timestamp>", ErrCheckoutInvalidInput, caller.ID)
	}
	return nil
}

func userIDFromHash(hash string) string {
	idx := strings.LastIndex(hash, "-")
	if idx <= 0 {
		return ""
	}
	return hash[:idx]
}

// buildOrder validates a payload against the catalog and returns the order draft with
// server-computed prices. With checkStock unset the read-only availability check is skipped and
// shortages surface later as oversold lines.
func (s *checkoutService) buildOrder(ctx context.Context, userID, hash, sessionID string, payload CheckoutPayload, now time.Time, checkStock bool) (Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	if len(payload.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: at least one line is required", ErrCheckoutInvalidInput)
	}
	if len(payload.Lines) > maxCheckoutLines {
		return Order{}, fmt.Errorf("%w: too many lines", ErrCheckoutInvalidInput)
	}

	option := domain.DeliveryOption(strings.ToLower(strings.TrimSpace(string(payload.DeliveryOption))))
	var shippingFee int64
	switch option {
	case domain.DeliveryOptionShipping:
		shippingFee = s.shippingFee
	case domain.DeliveryOptionPickup:
	default:
		return Order{}, fmt.Errorf("%w: unknown delivery option %q", ErrCheckoutInvalidInput, payload.DeliveryOption)
	}

	var scheduled *time.Time
	if payload.ScheduledDate != nil {
		date := payload.ScheduledDate.UTC().Truncate(24 * time.Hour)
		if date.Before(now.Truncate(24 * time.Hour)) {
			return Order{}, fmt.Errorf("%w: scheduled date is in the past", ErrCheckoutInvalidInput)
		}
		scheduled = &date
	}

	ids := make([]string, 0, len(payload.Lines))
	checks := make([]InventoryCheckLine, 0, len(payload.Lines))
	for i, line := range payload.Lines {
		itemID := strings.TrimSpace(line.ItemID)
		if itemID == "" {
			return Order{}, fmt.Errorf("%w: line %d: item id is required", ErrCheckoutInvalidInput, i)
		}
		if line.Quantity <= 0 || line.Quantity > maxLineQuantity {
			return Order{}, fmt.Errorf("%w: line %d: quantity must be between 1 and %d", ErrCheckoutInvalidInput, i, maxLineQuantity)
		}
		ids = append(ids, itemID)
		checks = append(checks, InventoryCheckLine{ItemID: itemID, Quantity: line.Quantity})
	}

	items, err := s.items.FindByIDs(ctx, ids)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}
	for _, id := range ids {
		if _, ok := items[id]; !ok {
			return Order{}, fmt.Errorf("%w: %s", ErrCheckoutItemNotFound, id)
		}
	}

	if checkStock {
		shortages, err := s.inventory.CheckAvailability(ctx, checks)
		if err != nil {
			if errors.Is(err, ErrInventoryItemNotFound) {
				return Order{}, fmt.Errorf("%w: %v", ErrCheckoutItemNotFound, err)
			}
			return Order{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
		}
		if len(shortages) > 0 {
			parts := make([]string, len(shortages))
			for i, short := range shortages {
				parts[i] = fmt.Sprintf("%s (requested %d, available %d)", short.ItemID, short.Requested, short.Available)
			}
			return Order{}, fmt.Errorf("%w: %s", ErrCheckoutInsufficientStock, strings.Join(parts, ", "))
		}
	}

	lines := make([]OrderLine, 0, len(payload.Lines))
	var amount int64
	for i, line := range payload.Lines {
		item := items[ids[i]]
		if item.Currency != "" && !strings.EqualFold(item.Currency, s.currency) {
			return Order{}, fmt.Errorf("%w: item %s is priced in %s", ErrCheckoutInvalidInput, item.ID, item.Currency)
		}
		unitPrice, customization, err := s.linePrice(i, item, line)
		if err != nil {
			return Order{}, err
		}
		lines = append(lines, OrderLine{
			ItemID:        item.ID,
			ItemName:      item.Name,
			Quantity:      line.Quantity,
			UnitPrice:     unitPrice,
			Customizable:  item.Customizable,
			Customization: customization,
			StockStatus:   domain.LineStockPending,
		})
		amount += unitPrice * int64(line.Quantity)
	}

	return Order{
		ID:               orderIDPrefix + s.newID(),
		UserID:           userID,
		Lines:            lines,
		Amount:           amount + shippingFee,
		Currency:         s.currency,
		ShippingFee:      shippingFee,
		DeliveryOption:   option,
		ScheduledDate:    scheduled,
		Status:           domain.OrderStatusOnProcess,
		TransactionHash:  hash,
		PaymentSessionID: sessionID,
		PaymentStatus:    domain.PaymentStatusPending,
		CartStatus:       domain.CartSyncPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// linePrice returns the server-side unit price of a line. A zero submitted price means the client
// did not quote one; any other value must agree with the server within tolerance.
func (s *checkoutService) linePrice(index int, item Item, line CheckoutLine) (int64, *LineCustomization, error) {
	expected := item.Price
	var customization *LineCustomization
	if line.Customization != nil {
		quote, err := s.pricing.Quote(item, PriceQuoteRequest{
			Dimensions:       line.Customization.Dimensions,
			LaborDays:        line.Customization.LaborDays,
			FrameMaterial:    line.Customization.Materials.Frame,
			TabletopMaterial: line.Customization.Materials.Tabletop,
		})
		if err != nil {
			return 0, nil, fmt.Errorf("%w: line %d: %w", ErrCheckoutInvalidInput, index, err)
		}
		expected = quote.FinalSellingPrice
		customization = &LineCustomization{
			Dimensions: quote.Dimensions,
			Materials:  quote.Materials,
			LaborDays:  quote.LaborDays,
		}
	}
	if expected <= 0 {
		return 0, nil, fmt.Errorf("%w: item %s has no price", ErrCheckoutInvalidInput, item.ID)
	}
	if line.UnitPrice < 0 {
		return 0, nil, fmt.Errorf("%w: line %d: unit price must not be negative", ErrCheckoutInvalidInput, index)
	}
	if line.UnitPrice != 0 && !withinTolerance(line.UnitPrice, expected, s.tolerance) {
		return 0, nil, fmt.Errorf("%w: line %d: submitted %d, expected %d", ErrCheckoutPriceMismatch, index, line.UnitPrice, expected)
	}
	return expected, customization, nil
}

// pricedPayload rebuilds the payload from a validated order so the stored snapshot carries
// server prices.
func pricedPayload(order Order) CheckoutPayload {
	lines := make([]CheckoutLine, len(order.Lines))
	for i, line := range order.Lines {
		lines[i] = CheckoutLine{
			ItemID:        line.ItemID,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Customization: line.Customization,
		}
	}
	return CheckoutPayload{
		Lines:          lines,
		DeliveryOption: order.DeliveryOption,
		ScheduledDate:  order.ScheduledDate,
	}
}

func checkoutLineItems(order Order) []payments.CheckoutLineItem {
	items := make([]payments.CheckoutLineItem, 0, len(order.Lines)+1)
	for _, line := range order.Lines {
		items = append(items, payments.CheckoutLineItem{
			Name:     line.ItemName,
			ItemID:   line.ItemID,
			Quantity: int64(line.Quantity),
			Amount:   line.UnitPrice,
		})
	}
	if order.ShippingFee > 0 {
		items = append(items, payments.CheckoutLineItem{
			Name:     "Shipping",
			ItemID:   "shipping",
			Quantity: 1,
			Amount:   order.ShippingFee,
		})
	}
	return items
}
