package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/plankworks/api/internal/domain"
	pfirestore "github.com/plankworks/api/internal/platform/firestore"
	"github.com/plankworks/api/internal/platform/pagination"
	"github.com/plankworks/api/internal/repositories"
)

const (
	ordersCollection      = "orders"
	orderHashesCollection = "orderTransactions"
)

// OrderRepository stores orders under orders/{orderId}. Transaction hashes are claimed through an
// orderTransactions/{sha256(hash)} index document created in the same transaction as the order.
type OrderRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	return &OrderRepository{provider: provider}, nil
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.TransactionHash) == "" {
		return domain.Order{}, repositories.NewStoreError("orders.create", repositories.StoreErrorInternal, "order id and transaction hash are required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.create", err)
	}
	orderRef := client.Collection(ordersCollection).Doc(order.ID)
	hashRef := client.Collection(orderHashesCollection).Doc(transactionDocID(order.TransactionHash))
	doc := newOrderDocument(order)

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(hashRef, orderHashDocument{OrderID: order.ID, CreatedAt: doc.CreatedAt}); err != nil {
			return err
		}
		return tx.Create(orderRef, doc)
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.create", err)
	}
	return doc.toDomain(order.ID), nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	ref, err := r.orderRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrder(snap)
}

func (r *OrderRepository) FindByTransactionHash(ctx context.Context, transactionHash string) (domain.Order, error) {
	if strings.TrimSpace(transactionHash) == "" {
		return domain.Order{}, repositories.NewStoreError("orders.getByHash", repositories.StoreErrorNotFound, "order not found")
	}
	hashes, err := r.provider.Collection(ctx, orderHashesCollection)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.getByHash", err)
	}
	snap, err := hashes.Doc(transactionDocID(transactionHash)).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.getByHash", err)
	}
	var index orderHashDocument
	if err := snap.DataTo(&index); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.getByHash", err)
	}
	return r.FindByID(ctx, index.OrderID)
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, order domain.Order, expected domain.OrderStatus) (domain.Order, error) {
	var updated domain.Order
	err := r.mutate(ctx, "orders.updateStatus", order.ID, func(current domain.Order, doc *orderDocument) error {
		if current.Status != expected {
			return repositories.NewStoreError("orders.updateStatus", repositories.StoreErrorConflict, "status changed concurrently")
		}
		doc.setStatusFields(order)
		updated = doc.toDomain(order.ID)
		return nil
	})
	return updated, err
}

func (r *OrderRepository) RecordPayment(ctx context.Context, orderID string, update repositories.OrderPaymentUpdate) (domain.Order, error) {
	var updated domain.Order
	err := r.mutate(ctx, "orders.recordPayment", orderID, func(_ domain.Order, doc *orderDocument) error {
		checked := update.CheckedAt.UTC()
		doc.PaymentStatus = string(update.Status)
		if update.Reference != nil {
			ref := *update.Reference
			doc.PaymentReference = &ref
		}
		doc.PaymentCheckedAt = &checked
		doc.UpdatedAt = checked
		updated = doc.toDomain(orderID)
		return nil
	})
	return updated, err
}

func (r *OrderRepository) FlagForReview(ctx context.Context, orderID string, issues []domain.ReviewIssue, at time.Time) (domain.Order, error) {
	var updated domain.Order
	err := r.mutate(ctx, "orders.flagForReview", orderID, func(current domain.Order, doc *orderDocument) error {
		merged := repositories.ApplyReviewIssues(current, issues, at.UTC())
		*doc = newOrderDocument(merged)
		updated = doc.toDomain(orderID)
		return nil
	})
	return updated, err
}

func (r *OrderRepository) UpdateCartStatus(ctx context.Context, orderID string, status domain.CartSyncStatus, at time.Time) (domain.Order, error) {
	var updated domain.Order
	err := r.mutate(ctx, "orders.updateCartStatus", orderID, func(_ domain.Order, doc *orderDocument) error {
		doc.CartStatus = string(status)
		doc.UpdatedAt = at.UTC()
		updated = doc.toDomain(orderID)
		return nil
	})
	return updated, err
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.WrapStoreError("orders.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.PageSize(filter.Pagination.PageSize)

	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}
	query := coll.Query
	if filter.UserID != "" {
		query = query.Where("userId", "==", filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.ReviewRequired != nil {
		query = query.Where("reviewRequired", "==", *filter.ReviewRequired)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	if !cursor.IsZero() {
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}
	query = query.Limit(size + 1)

	iter := query.Documents(ctx)
	defer iter.Stop()

	orders := make([]domain.Order, 0, size)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		orders = append(orders, order)
	}

	page := domain.CursorPage[domain.Order]{}
	if len(orders) > size {
		last := orders[size-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
		orders = orders[:size]
	}
	page.Items = orders
	return page, nil
}

// mutate reads the order inside a transaction, lets apply edit the document and writes it back.
func (r *OrderRepository) mutate(ctx context.Context, op, orderID string, apply func(domain.Order, *orderDocument) error) error {
	ref, err := r.orderRef(ctx, orderID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if err := apply(doc.toDomain(orderID), &doc); err != nil {
			return err
		}
		return tx.Set(ref, doc)
	})
	return pfirestore.WrapError(op, err)
}

func (r *OrderRepository) orderRef(ctx context.Context, orderID string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, repositories.NewStoreError("orders.get", repositories.StoreErrorNotFound, "order not found")
	}
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return nil, pfirestore.WrapError("orders.get", err)
	}
	return coll.Doc(orderID), nil
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.decode", err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}
