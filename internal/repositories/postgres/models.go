package postgres

import (
	"time"

	domain "github.com/plankworks/api/internal/domain"
)

type orderRow struct {
	ID                string         `gorm:"primaryKey;type:varchar(40)"`
	UserID            string         `gorm:"index:idx_orders_user_created,priority:1;not null"`
	Lines             []orderLineRow `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Amount            int64          `gorm:"not null"`
	Currency          string         `gorm:"type:varchar(3);not null"`
	ShippingFee       int64          `gorm:"not null"`
	DeliveryOption    string         `gorm:"type:varchar(20);not null"`
	ScheduledDate     *time.Time
	Status            string  `gorm:"type:varchar(32);index;not null"`
	TransactionHash   string  `gorm:"type:varchar(128);uniqueIndex;not null"`
	PaymentSessionID  string  `gorm:"type:varchar(255)"`
	PaymentReference  *string `gorm:"type:varchar(255)"`
	PaymentStatus     string  `gorm:"type:varchar(20);not null"`
	PaymentCheckedAt  *time.Time
	DeliveryProof     *string
	CartStatus        string                    `gorm:"type:varchar(20);not null"`
	ReviewRequired    bool                      `gorm:"index;not null;default:false"`
	ReviewIssues      []domain.ReviewIssue      `gorm:"serializer:json"`
	History           []domain.StatusTransition `gorm:"serializer:json"`
	RefundReason      *string
	CreatedAt         time.Time `gorm:"index:idx_orders_user_created,priority:2;not null"`
	UpdatedAt         time.Time `gorm:"not null"`
	DeliveredAt       *time.Time
	RefundRequestedAt *time.Time
	RefundedAt        *time.Time
	CancelledAt       *time.Time
}

func (orderRow) TableName() string { return "orders" }

type orderLineRow struct {
	OrderID       string                    `gorm:"primaryKey;type:varchar(40)"`
	LineIndex     int                       `gorm:"primaryKey"`
	ItemID        string                    `gorm:"type:varchar(64);not null"`
	ItemName      string                    `gorm:"not null"`
	Quantity      int                       `gorm:"not null"`
	UnitPrice     int64                     `gorm:"not null"`
	Customizable  bool                      `gorm:"not null"`
	Customization *domain.LineCustomization `gorm:"serializer:json"`
	StockStatus   string                    `gorm:"type:varchar(20);not null"`
}

func (orderLineRow) TableName() string { return "order_lines" }

type itemRow struct {
	ID            string                       `gorm:"primaryKey;type:varchar(64)"`
	Name          string                       `gorm:"not null"`
	Price         int64                        `gorm:"not null"`
	Currency      string                       `gorm:"type:varchar(3);not null"`
	Stock         int                          `gorm:"not null;check:stock >= 0"`
	Customizable  bool                         `gorm:"not null"`
	Customization *domain.CustomizationOptions `gorm:"serializer:json"`
	UpdatedAt     time.Time                    `gorm:"not null"`
}

func (itemRow) TableName() string { return "items" }

type cartEntryRow struct {
	UserID        string                    `gorm:"primaryKey;type:varchar(128)"`
	ItemID        string                    `gorm:"primaryKey;type:varchar(64)"`
	Quantity      int                       `gorm:"not null"`
	Customization *domain.LineCustomization `gorm:"serializer:json"`
	AddedAt       time.Time                 `gorm:"not null"`
}

func (cartEntryRow) TableName() string { return "cart_entries" }

type pendingCheckoutRow struct {
	TransactionHash string                 `gorm:"primaryKey;type:varchar(128)"`
	UserID          string                 `gorm:"type:varchar(128);not null"`
	Payload         domain.CheckoutPayload `gorm:"serializer:json"`
	SessionID       string                 `gorm:"type:varchar(255)"`
	RedirectURL     string
	Amount          int64
	Currency        string `gorm:"type:varchar(3)"`
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

func (pendingCheckoutRow) TableName() string { return "pending_checkouts" }

func newOrderRow(order domain.Order) orderRow {
	row := orderRow{
		ID:               order.ID,
		UserID:           order.UserID,
		Lines:            make([]orderLineRow, len(order.Lines)),
		Amount:           order.Amount,
		Currency:         order.Currency,
		ShippingFee:      order.ShippingFee,
		DeliveryOption:   string(order.DeliveryOption),
		ScheduledDate:    utcPtr(order.ScheduledDate),
		TransactionHash:  order.TransactionHash,
		PaymentSessionID: order.PaymentSessionID,
		PaymentReference: order.PaymentReference,
		PaymentStatus:    string(order.PaymentStatus),
		PaymentCheckedAt: utcPtr(order.PaymentCheckedAt),
		CartStatus:       string(order.CartStatus),
		ReviewRequired:   order.Review.Required,
		ReviewIssues:     order.Review.Issues,
		CreatedAt:        order.CreatedAt.UTC(),
	}
	for i, line := range order.Lines {
		row.Lines[i] = orderLineRow{
			OrderID:       order.ID,
			LineIndex:     i,
			ItemID:        line.ItemID,
			ItemName:      line.ItemName,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Customizable:  line.Customizable,
			Customization: line.Customization,
			StockStatus:   string(line.StockStatus),
		}
	}
	row.setStatusFields(order)
	return row
}

func (r *orderRow) setStatusFields(order domain.Order) {
	r.Status = string(order.Status)
	r.History = order.History
	r.DeliveryProof = order.DeliveryProof
	r.RefundReason = order.RefundReason
	r.DeliveredAt = utcPtr(order.DeliveredAt)
	r.RefundRequestedAt = utcPtr(order.RefundRequestedAt)
	r.RefundedAt = utcPtr(order.RefundedAt)
	r.CancelledAt = utcPtr(order.CancelledAt)
	r.UpdatedAt = order.UpdatedAt.UTC()
}

func (r orderRow) toDomain() domain.Order {
	order := domain.Order{
		ID:                r.ID,
		UserID:            r.UserID,
		Lines:             make([]domain.OrderLine, len(r.Lines)),
		Amount:            r.Amount,
		Currency:          r.Currency,
		ShippingFee:       r.ShippingFee,
		DeliveryOption:    domain.DeliveryOption(r.DeliveryOption),
		ScheduledDate:     utcPtr(r.ScheduledDate),
		Status:            domain.OrderStatus(r.Status),
		TransactionHash:   r.TransactionHash,
		PaymentSessionID:  r.PaymentSessionID,
		PaymentReference:  r.PaymentReference,
		PaymentStatus:     domain.PaymentStatus(r.PaymentStatus),
		PaymentCheckedAt:  utcPtr(r.PaymentCheckedAt),
		DeliveryProof:     r.DeliveryProof,
		CartStatus:        domain.CartSyncStatus(r.CartStatus),
		Review:            domain.OrderReview{Required: r.ReviewRequired, Issues: r.ReviewIssues},
		History:           r.History,
		RefundReason:      r.RefundReason,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		DeliveredAt:       utcPtr(r.DeliveredAt),
		RefundRequestedAt: utcPtr(r.RefundRequestedAt),
		RefundedAt:        utcPtr(r.RefundedAt),
		CancelledAt:       utcPtr(r.CancelledAt),
	}
	for _, line := range r.Lines {
		if line.LineIndex < 0 || line.LineIndex >= len(order.Lines) {
			continue
		}
		order.Lines[line.LineIndex] = domain.OrderLine{
			ItemID:        line.ItemID,
			ItemName:      line.ItemName,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Customizable:  line.Customizable,
			Customization: line.Customization,
			StockStatus:   domain.LineStockStatus(line.StockStatus),
		}
	}
	return order
}

func newItemRow(item domain.Item) itemRow {
	return itemRow{
		ID:            item.ID,
		Name:          item.Name,
		Price:         item.Price,
		Currency:      item.Currency,
		Stock:         item.Stock,
		Customizable:  item.Customizable,
		Customization: item.Customization,
		UpdatedAt:     item.UpdatedAt.UTC(),
	}
}

func (r itemRow) toDomain() domain.Item {
	return domain.Item{
		ID:            r.ID,
		Name:          r.Name,
		Price:         r.Price,
		Currency:      r.Currency,
		Stock:         r.Stock,
		Customizable:  r.Customizable,
		Customization: r.Customization,
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
