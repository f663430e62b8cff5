package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order. Orders are never deleted;
// cancellation is a status transition, not a removal.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
)

// transitions lists the allowed status changes. Shipped and Cancelled are
// terminal.
var transitions = map[Status][]Status{
	StatusCreated: {StatusPaid, StatusCancelled},
	StatusPaid:    {StatusShipped, StatusCancelled},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPaid, StatusShipped, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status change s → next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Order represents a customer order. UserID and the per-item ProductID are
// opaque references into other bounded contexts; resolving them is the
// caller's responsibility via the respective services.
type Order struct {
	ID             string
	UserID         string
	Items          []LineItem
	Status         Status
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LineItem is a single order line. Price is a snapshot of the product price
// at placement time, so later catalog changes never affect placed orders.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Total returns the sum of quantity × price over all line items.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
