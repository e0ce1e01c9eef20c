package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/plankworks/api/internal/repositories"
)

// CartServiceDeps bundles the collaborators required to construct the cart reconciler.
type CartServiceDeps struct {
	Carts  repositories.CartRepository
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts  repositories.CartRepository
	logger func(context.Context, string, map[string]any)
}

// NewCartService wires dependencies into a concrete CartService implementation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cartService{carts: deps.Carts, logger: logger}, nil
}

// RemoveItems deletes purchased items from the user's cart. Items that are already gone count as
// removed successfully, so repeating the call is harmless.
func (s *cartService) RemoveItems(ctx context.Context, userID string, itemIDs []string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	ids := dedupeIDs(itemIDs)
	if len(ids) == 0 {
		return 0, nil
	}

	removed, err := s.carts.RemoveItems(ctx, userID, ids)
	if err != nil {
		if repositories.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %w", ErrCartUnavailable, err)
	}

	s.logger(ctx, "cart.items.removed", map[string]any{
		"userId":    userID,
		"requested": len(ids),
		"removed":   removed,
	})
	return removed, nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
