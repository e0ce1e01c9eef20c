package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/plankworks/api/internal/platform/firestore"
)

const firestoreCollection = "idempotencyKeys"

// FirestoreStore keeps records in idempotencyKeys/{id}.
type FirestoreStore struct {
	provider *pfirestore.Provider
}

// NewFirestoreStore builds a store over provider.
func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{provider: provider}
}

type keyDocument struct {
	Fingerprint    string              `firestore:"fingerprint"`
	Completed      bool                `firestore:"completed"`
	ResponseStatus int                 `firestore:"responseStatus"`
	ResponseHeader map[string][]string `firestore:"responseHeader,omitempty"`
	ResponseBody   []byte              `firestore:"responseBody,omitempty"`
	CreatedAt      time.Time           `firestore:"createdAt"`
	ExpiresAt      time.Time           `firestore:"expiresAt"`
}

func newKeyDocument(rec Record) keyDocument {
	return keyDocument{
		Fingerprint:    rec.Fingerprint,
		Completed:      rec.Completed,
		ResponseStatus: rec.ResponseStatus,
		ResponseHeader: rec.ResponseHeader,
		ResponseBody:   rec.ResponseBody,
		CreatedAt:      rec.CreatedAt.UTC(),
		ExpiresAt:      rec.ExpiresAt.UTC(),
	}
}

func (d keyDocument) toRecord(id string) Record {
	return Record{
		ID:             id,
		Fingerprint:    d.Fingerprint,
		Completed:      d.Completed,
		ResponseStatus: d.ResponseStatus,
		ResponseHeader: d.ResponseHeader,
		ResponseBody:   d.ResponseBody,
		CreatedAt:      d.CreatedAt,
		ExpiresAt:      d.ExpiresAt,
	}
}

func (s *FirestoreStore) Reserve(ctx context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (State, Record, error) {
	ref, err := s.doc(ctx, id)
	if err != nil {
		return StatePending, Record{}, err
	}
	var (
		state State
		rec   Record
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && !pfirestore.IsNotFound(err) {
			return err
		}
		if err == nil {
			var doc keyDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if existing := doc.toRecord(id); !existing.expired(now) {
				rec = existing
				state, err = classify(existing, fingerprint)
				return err
			}
		}
		rec = newPending(id, fingerprint, now.UTC(), ttl)
		state = StateNew
		return tx.Set(ref, newKeyDocument(rec))
	})
	if errors.Is(err, ErrFingerprintMismatch) {
		return state, rec, err
	}
	return state, rec, pfirestore.WrapError("idempotency.reserve", err)
}

func (s *FirestoreStore) Complete(ctx context.Context, id, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ref, err := s.doc(ctx, id)
	if err != nil {
		return err
	}
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rec := newPending(id, fingerprint, now.UTC(), ttl)
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var doc keyDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			rec = doc.toRecord(id)
		case !pfirestore.IsNotFound(err):
			return err
		}
		return tx.Set(ref, newKeyDocument(complete(rec, resp, now.UTC(), ttl)))
	})
	if errors.Is(err, ErrFingerprintMismatch) {
		return err
	}
	return pfirestore.WrapError("idempotency.complete", err)
}

func (s *FirestoreStore) Release(ctx context.Context, id string) error {
	ref, err := s.doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && !pfirestore.IsNotFound(err) {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	coll, err := s.provider.Collection(ctx, firestoreCollection)
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	snaps, err := coll.Where("expiresAt", "<=", now.UTC()).OrderBy("expiresAt", firestore.Asc).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	writer := client.BulkWriter(ctx)
	for _, snap := range snaps {
		if _, err := writer.Delete(snap.Ref); err != nil {
			writer.End()
			return 0, pfirestore.WrapError("idempotency.purge", err)
		}
	}
	writer.End()
	return len(snaps), nil
}

func (s *FirestoreStore) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	coll, err := s.provider.Collection(ctx, firestoreCollection)
	if err != nil {
		return nil, pfirestore.WrapError("idempotency.doc", err)
	}
	return coll.Doc(id), nil
}
