package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/plankworks/api/internal/repositories"
)

// WrapError categorises Firestore failures as repository errors so services can tell a missing
// document from a lost precondition or an outage. Context cancellations pass through unchanged and
// errors that are already categorised are returned as is.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return repositories.WrapStoreError(op, kindFor(err), err)
}

// IsNotFound reports whether err is a gRPC NotFound from the Firestore client.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func kindFor(err error) repositories.StoreErrorKind {
	switch status.Code(err) {
	case codes.NotFound:
		return repositories.StoreErrorNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.StoreErrorConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.Unknown:
		return repositories.StoreErrorUnavailable
	}
	return repositories.StoreErrorInternal
}
