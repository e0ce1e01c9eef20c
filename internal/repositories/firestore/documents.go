package firestore

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	domain "github.com/plankworks/api/internal/domain"
)

// transactionDocID derives a document id from a client transaction hash. Raw hashes may contain
// characters that are not valid in a document path.
func transactionDocID(transactionHash string) string {
	sum := sha256.Sum256([]byte(transactionHash))
	return hex.EncodeToString(sum[:])
}

type orderDocument struct {
	UserID            string                 `firestore:"userId"`
	Lines             []orderLineDocument    `firestore:"lines"`
	Amount            int64                  `firestore:"amount"`
	Currency          string                 `firestore:"currency"`
	ShippingFee       int64                  `firestore:"shippingFee"`
	DeliveryOption    string                 `firestore:"deliveryOption"`
	ScheduledDate     *time.Time             `firestore:"scheduledDate,omitempty"`
	Status            string                 `firestore:"status"`
	TransactionHash   string                 `firestore:"transactionHash"`
	PaymentSessionID  string                 `firestore:"paymentSessionId,omitempty"`
	PaymentReference  *string                `firestore:"paymentReference,omitempty"`
	PaymentStatus     string                 `firestore:"paymentStatus"`
	PaymentCheckedAt  *time.Time             `firestore:"paymentCheckedAt,omitempty"`
	DeliveryProof     *string                `firestore:"deliveryProof,omitempty"`
	CartStatus        string                 `firestore:"cartStatus"`
	ReviewRequired    bool                   `firestore:"reviewRequired"`
	ReviewIssues      []reviewIssueDocument  `firestore:"reviewIssues,omitempty"`
	History           []statusChangeDocument `firestore:"history,omitempty"`
	RefundReason      *string                `firestore:"refundReason,omitempty"`
	CreatedAt         time.Time              `firestore:"createdAt"`
	UpdatedAt         time.Time              `firestore:"updatedAt"`
	DeliveredAt       *time.Time             `firestore:"deliveredAt,omitempty"`
	RefundRequestedAt *time.Time             `firestore:"refundRequestedAt,omitempty"`
	RefundedAt        *time.Time             `firestore:"refundedAt,omitempty"`
	CancelledAt       *time.Time             `firestore:"cancelledAt,omitempty"`
}

type orderLineDocument struct {
	ItemID        string                 `firestore:"itemId"`
	ItemName      string                 `firestore:"itemName"`
	Quantity      int                    `firestore:"quantity"`
	UnitPrice     int64                  `firestore:"unitPrice"`
	Customizable  bool                   `firestore:"customizable"`
	Customization *customizationDocument `firestore:"customization,omitempty"`
	StockStatus   string                 `firestore:"stockStatus"`
}

type customizationDocument struct {
	LengthFt         float64 `firestore:"lengthFt"`
	WidthFt          float64 `firestore:"widthFt"`
	HeightFt         float64 `firestore:"heightFt"`
	FrameMaterial    string  `firestore:"frameMaterial"`
	TabletopMaterial string  `firestore:"tabletopMaterial"`
	LaborDays        int     `firestore:"laborDays"`
}

type reviewIssueDocument struct {
	Code      string    `firestore:"code"`
	ItemID    string    `firestore:"itemId,omitempty"`
	LineIndex *int      `firestore:"lineIndex,omitempty"`
	Message   string    `firestore:"message,omitempty"`
	At        time.Time `firestore:"at"`
}

type statusChangeDocument struct {
	From      string    `firestore:"from,omitempty"`
	To        string    `firestore:"to"`
	ActorID   string    `firestore:"actorId,omitempty"`
	ActorRole string    `firestore:"actorRole,omitempty"`
	Reason    string    `firestore:"reason,omitempty"`
	At        time.Time `firestore:"at"`
}

type itemDocument struct {
	Name          string               `firestore:"name"`
	Price         int64                `firestore:"price"`
	Currency      string               `firestore:"currency"`
	Stock         int                  `firestore:"stock"`
	Customizable  bool                 `firestore:"customizable"`
	Customization *itemOptionsDocument `firestore:"customization,omitempty"`
	UpdatedAt     time.Time            `firestore:"updatedAt"`
}

type itemOptionsDocument struct {
	LaborCostPerDay int64              `firestore:"laborCostPerDay"`
	ProfitMargin    float64            `firestore:"profitMargin"`
	OverheadCost    int64              `firestore:"overheadCost"`
	EstimatedDays   int                `firestore:"estimatedDays"`
	Materials       []materialDocument `firestore:"materials"`
}

type materialDocument struct {
	Name      string           `firestore:"name"`
	UnitCosts map[string]int64 `firestore:"unitCosts"`
}

type cartEntryDocument struct {
	ItemID        string                 `firestore:"itemId"`
	Quantity      int                    `firestore:"quantity"`
	Customization *customizationDocument `firestore:"customization,omitempty"`
	AddedAt       time.Time              `firestore:"addedAt"`
}

type pendingCheckoutDocument struct {
	UserID         string                 `firestore:"userId"`
	Lines          []checkoutLineDocument `firestore:"lines"`
	DeliveryOption string                 `firestore:"deliveryOption"`
	ScheduledDate  *time.Time             `firestore:"scheduledDate,omitempty"`
	SessionID      string                 `firestore:"sessionId"`
	RedirectURL    string                 `firestore:"redirectUrl"`
	Amount         int64                  `firestore:"amount"`
	Currency       string                 `firestore:"currency"`
	CreatedAt      time.Time              `firestore:"createdAt"`
	ExpiresAt      time.Time              `firestore:"expiresAt"`
}

type checkoutLineDocument struct {
	ItemID        string                 `firestore:"itemId"`
	Quantity      int                    `firestore:"quantity"`
	UnitPrice     int64                  `firestore:"unitPrice"`
	Customization *customizationDocument `firestore:"customization,omitempty"`
}

type orderHashDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		UserID:           order.UserID,
		Lines:            make([]orderLineDocument, len(order.Lines)),
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
		CreatedAt:        order.CreatedAt.UTC(),
	}
	for i, line := range order.Lines {
		doc.Lines[i] = orderLineDocument{
			ItemID:        line.ItemID,
			ItemName:      line.ItemName,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Customizable:  line.Customizable,
			Customization: newCustomizationDocument(line.Customization),
			StockStatus:   string(line.StockStatus),
		}
	}
	doc.setReview(order.Review)
	doc.setStatusFields(order)
	return doc
}

// setStatusFields copies the fields owned by status transitions.
func (d *orderDocument) setStatusFields(order domain.Order) {
	d.Status = string(order.Status)
	d.DeliveryProof = order.DeliveryProof
	d.RefundReason = order.RefundReason
	d.DeliveredAt = utcPtr(order.DeliveredAt)
	d.RefundRequestedAt = utcPtr(order.RefundRequestedAt)
	d.RefundedAt = utcPtr(order.RefundedAt)
	d.CancelledAt = utcPtr(order.CancelledAt)
	d.History = make([]statusChangeDocument, len(order.History))
	for i, entry := range order.History {
		d.History[i] = statusChangeDocument{
			From:      string(entry.From),
			To:        string(entry.To),
			ActorID:   entry.ActorID,
			ActorRole: entry.ActorRole,
			Reason:    entry.Reason,
			At:        entry.At.UTC(),
		}
	}
	d.UpdatedAt = order.UpdatedAt.UTC()
}

func (d *orderDocument) setReview(review domain.OrderReview) {
	d.ReviewRequired = review.Required
	d.ReviewIssues = make([]reviewIssueDocument, len(review.Issues))
	for i, issue := range review.Issues {
		d.ReviewIssues[i] = reviewIssueDocument{
			Code:      string(issue.Code),
			ItemID:    issue.ItemID,
			LineIndex: issue.LineIndex,
			Message:   issue.Message,
			At:        issue.At.UTC(),
		}
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:                id,
		UserID:            d.UserID,
		Lines:             make([]domain.OrderLine, len(d.Lines)),
		Amount:            d.Amount,
		Currency:          d.Currency,
		ShippingFee:       d.ShippingFee,
		DeliveryOption:    domain.DeliveryOption(d.DeliveryOption),
		ScheduledDate:     d.ScheduledDate,
		Status:            domain.OrderStatus(d.Status),
		TransactionHash:   d.TransactionHash,
		PaymentSessionID:  d.PaymentSessionID,
		PaymentReference:  d.PaymentReference,
		PaymentStatus:     domain.PaymentStatus(d.PaymentStatus),
		PaymentCheckedAt:  d.PaymentCheckedAt,
		DeliveryProof:     d.DeliveryProof,
		CartStatus:        domain.CartSyncStatus(d.CartStatus),
		Review:            domain.OrderReview{Required: d.ReviewRequired},
		RefundReason:      d.RefundReason,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		DeliveredAt:       d.DeliveredAt,
		RefundRequestedAt: d.RefundRequestedAt,
		RefundedAt:        d.RefundedAt,
		CancelledAt:       d.CancelledAt,
	}
	for i, line := range d.Lines {
		order.Lines[i] = domain.OrderLine{
			ItemID:        line.ItemID,
			ItemName:      line.ItemName,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Customizable:  line.Customizable,
			Customization: line.Customization.toDomain(),
			StockStatus:   domain.LineStockStatus(line.StockStatus),
		}
	}
	for _, issue := range d.ReviewIssues {
		order.Review.Issues = append(order.Review.Issues, domain.ReviewIssue{
			Code:      domain.ReviewIssueCode(issue.Code),
			ItemID:    issue.ItemID,
			LineIndex: issue.LineIndex,
			Message:   issue.Message,
			At:        issue.At,
		})
	}
	for _, entry := range d.History {
		order.History = append(order.History, domain.StatusTransition{
			From:      domain.OrderStatus(entry.From),
			To:        domain.OrderStatus(entry.To),
			ActorID:   entry.ActorID,
			ActorRole: entry.ActorRole,
			Reason:    entry.Reason,
			At:        entry.At,
		})
	}
	return order
}

func newCustomizationDocument(c *domain.LineCustomization) *customizationDocument {
	if c == nil {
		return nil
	}
	return &customizationDocument{
		LengthFt:         c.Dimensions.LengthFt,
		WidthFt:          c.Dimensions.WidthFt,
		HeightFt:         c.Dimensions.HeightFt,
		FrameMaterial:    c.Materials.Frame,
		TabletopMaterial: c.Materials.Tabletop,
		LaborDays:        c.LaborDays,
	}
}

func (c *customizationDocument) toDomain() *domain.LineCustomization {
	if c == nil {
		return nil
	}
	return &domain.LineCustomization{
		Dimensions: domain.Dimensions{LengthFt: c.LengthFt, WidthFt: c.WidthFt, HeightFt: c.HeightFt},
		Materials:  domain.MaterialSelection{Frame: c.FrameMaterial, Tabletop: c.TabletopMaterial},
		LaborDays:  c.LaborDays,
	}
}

func newItemDocument(item domain.Item) itemDocument {
	doc := itemDocument{
		Name:         item.Name,
		Price:        item.Price,
		Currency:     item.Currency,
		Stock:        item.Stock,
		Customizable: item.Customizable,
		UpdatedAt:    item.UpdatedAt.UTC(),
	}
	if opts := item.Customization; opts != nil {
		doc.Customization = &itemOptionsDocument{
			LaborCostPerDay: opts.LaborCostPerDay,
			ProfitMargin:    opts.ProfitMargin,
			OverheadCost:    opts.OverheadCost,
			EstimatedDays:   opts.EstimatedDays,
		}
		for _, material := range opts.Materials {
			costs := make(map[string]int64, len(material.UnitCosts))
			for plank, cost := range material.UnitCosts {
				costs[string(plank)] = cost
			}
			doc.Customization.Materials = append(doc.Customization.Materials, materialDocument{Name: material.Name, UnitCosts: costs})
		}
	}
	return doc
}

func (d itemDocument) toDomain(id string) domain.Item {
	item := domain.Item{
		ID:           id,
		Name:         d.Name,
		Price:        d.Price,
		Currency:     d.Currency,
		Stock:        d.Stock,
		Customizable: d.Customizable,
		UpdatedAt:    d.UpdatedAt,
	}
	if opts := d.Customization; opts != nil {
		item.Customization = &domain.CustomizationOptions{
			LaborCostPerDay: opts.LaborCostPerDay,
			ProfitMargin:    opts.ProfitMargin,
			OverheadCost:    opts.OverheadCost,
			EstimatedDays:   opts.EstimatedDays,
		}
		for _, material := range opts.Materials {
			costs := make(map[domain.PlankType]int64, len(material.UnitCosts))
			for plank, cost := range material.UnitCosts {
				costs[domain.PlankType(plank)] = cost
			}
			item.Customization.Materials = append(item.Customization.Materials, domain.Material{Name: material.Name, UnitCosts: costs})
		}
	}
	return item
}

func newPendingCheckoutDocument(p domain.PendingCheckout) pendingCheckoutDocument {
	doc := pendingCheckoutDocument{
		UserID:         p.UserID,
		Lines:          make([]checkoutLineDocument, len(p.Payload.Lines)),
		DeliveryOption: string(p.Payload.DeliveryOption),
		ScheduledDate:  utcPtr(p.Payload.ScheduledDate),
		SessionID:      p.SessionID,
		RedirectURL:    p.RedirectURL,
		Amount:         p.Amount,
		Currency:       p.Currency,
		CreatedAt:      p.CreatedAt.UTC(),
		ExpiresAt:      p.ExpiresAt.UTC(),
	}
	for i, line := range p.Payload.Lines {
		doc.Lines[i] = checkoutLineDocument{
			ItemID:        line.ItemID,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Customization: newCustomizationDocument(line.Customization),
		}
	}
	return doc
}

func (d pendingCheckoutDocument) toDomain(hash string) domain.PendingCheckout {
	p := domain.PendingCheckout{
		TransactionHash: hash,
		UserID:          d.UserID,
		Payload: domain.CheckoutPayload{
			Lines:          make([]domain.CheckoutLine, len(d.Lines)),
			DeliveryOption: domain.DeliveryOption(d.DeliveryOption),
			ScheduledDate:  d.ScheduledDate,
		},
		SessionID:   d.SessionID,
		RedirectURL: d.RedirectURL,
		Amount:      d.Amount,
		Currency:    d.Currency,
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
	for i, line := range d.Lines {
		p.Payload.Lines[i] = domain.CheckoutLine{
			ItemID:        line.ItemID,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Customization: line.Customization.toDomain(),
		}
	}
	return p
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
