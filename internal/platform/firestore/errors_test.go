package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/plankworks/api/internal/repositories"
)

func TestWrapErrorCategorisesStatusCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{codes.NotFound, true, false, false},
		{codes.AlreadyExists, false, true, false},
		{codes.FailedPrecondition, false, true, false},
		{codes.Aborted, false, true, false},
		{codes.Unavailable, false, false, true},
		{codes.ResourceExhausted, false, false, true},
		{codes.InvalidArgument, false, false, false},
	}
	for _, tc := range cases {
		err := WrapError("orders.get", status.Error(tc.code, "boom"))
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) {
			t.Fatalf("%s: expected repository error, got %T", tc.code, err)
		}
		if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification %+v", tc.code, repoErr)
		}
	}
}

func TestWrapErrorPassesThroughContextAndTypedErrors(t *testing.T) {
	if err := WrapError("op", status.Error(codes.Canceled, "stop")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if err := WrapError("op", context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	short := repositories.InsufficientStock("chair", 2, 1)
	var invErr *repositories.InventoryError
	if err := WrapError("inventory.decrement", short); !errors.As(err, &invErr) || invErr.Available != 1 {
		t.Fatalf("expected inventory error to survive, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
