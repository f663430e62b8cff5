package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkraev/ordergrid/pkg/resilience"
)

// Validation errors surfaced by PlaceOrder. None of them is ever retried.
var (
	ErrEmptyItems = errors.New("items required")
	ErrNoUser     = errors.New("user id required")
)

// InvalidQuantityError indicates a line item with a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// UnknownProductError indicates a referenced product does not exist.
type UnknownProductError struct {
	ProductID string
}

func (e *UnknownProductError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// TransitionError indicates a status change the lifecycle does not allow.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition order from %s to %s", e.From, e.To)
}

// ProductInfo is the slice of the product context this service needs: the
// identifier it references and the price it snapshots.
type ProductInfo struct {
	ID    string
	Price decimal.Decimal
}

// ProductSource resolves product references. Implemented by the product
// service client; returns an *UnknownProductError for missing products.
type ProductSource interface {
	GetProduct(ctx context.Context, id string) (ProductInfo, error)
}

// PlaceOrderRequest is the command input for placing an order.
type PlaceOrderRequest struct {
	UserID         string
	Items          []ItemRequest
	IdempotencyKey string
}

// ItemRequest is one requested line; the price is resolved server-side.
type ItemRequest struct {
	ProductID string
	Quantity  int
}

// ServiceConfig holds the non-dependency knobs of the service.
type ServiceConfig struct {
	// DegradedReads makes GetOrders fall back to an empty list when the
	// storage path fails, instead of surfacing the error.
	DegradedReads bool
}

// Service is the composition root of the order domain: one repository plus
// one resilience policy per outbound dependency. All order mutations go
// through it; nothing else writes to the repository.
type Service struct {
	cfg      ServiceConfig
	repo     Repository
	products ProductSource

	// readPolicy guards repository reads and productPolicy the downstream
	// product lookups; both may retry. writePolicy guards Save and carries
	// no retry stage: placing an order is not idempotent.
	readPolicy    *resilience.Policy
	writePolicy   *resilience.Policy
	productPolicy *resilience.Policy

	idem *idempotencyFilter
	lg   *zap.Logger
}

// NewService wires a Service from its dependencies.
func NewService(
	cfg ServiceConfig,
	repo Repository,
	products ProductSource,
	readPolicy, writePolicy, productPolicy *resilience.Policy,
	lg *zap.Logger,
) *Service {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Service{
		cfg:           cfg,
		repo:          repo,
		products:      products,
		readPolicy:    readPolicy,
		writePolicy:   writePolicy,
		productPolicy: productPolicy,
		idem:          newIdempotencyFilter(),
		lg:            lg,
	}
}

// GetOrders returns orders matching the filter. With DegradedReads enabled a
// failing storage path degrades to an empty list instead of an error.
func (s *Service) GetOrders(ctx context.Context, filter Filter) ([]Order, error) {
	find := func(ctx context.Context) ([]Order, error) {
		return s.repo.Find(ctx, filter)
	}
	if !s.cfg.DegradedReads {
		return resilience.Execute(ctx, s.readPolicy, find)
	}
	return resilience.ExecuteFallback(ctx, s.readPolicy, find,
		func(_ context.Context, cause error) ([]Order, error) {
			s.lg.Warn("order listing degraded to empty result", zap.Error(cause))
			return []Order{}, nil
		})
}

// GetOrder returns a single order by ID.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return resilience.Execute(ctx, s.readPolicy, func(ctx context.Context) (*Order, error) {
		return s.repo.FindByID(ctx, id)
	})
}

// PlaceOrder validates the command, snapshots product prices through the
// resilience-guarded product source, and persists a new order in the Created
// status. The write is intentionally not retried; when the caller supplies
// an idempotency key, a replayed request returns the previously created
// order instead of a duplicate.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if req.UserID == "" {
		return nil, ErrNoUser
	}
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
	}

	// Idempotency fast path: the bloom filter rules out most fresh keys
	// without a storage round trip; a positive hit is confirmed against the
	// repository.
	if req.IdempotencyKey != "" && s.idem.seen(req.IdempotencyKey) {
		existing, err := s.findReplay(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.lg.Debug("idempotent replay", zap.String("order", existing.ID))
			return existing, nil
		}
	}

	items := make([]LineItem, len(req.Items))
	for i, item := range req.Items {
		info, err := resilience.Execute(ctx, s.productPolicy, func(ctx context.Context) (ProductInfo, error) {
			return s.products.GetProduct(ctx, item.ProductID)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "resolve product %s", item.ProductID)
		}
		items[i] = LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     info.Price,
		}
	}

	now := time.Now().UTC()
	o := &Order{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Items:          items,
		Status:         StatusCreated,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.writePolicy.Do(ctx, func(ctx context.Context) error {
		return s.repo.Save(ctx, o)
	})
	if err != nil {
		// A constraint violation on the idempotency key means a concurrent
		// request with the same key won the race; return its order.
		if req.IdempotencyKey != "" && errors.Is(err, ErrConstraint) {
			existing, ferr := s.findReplay(ctx, req.IdempotencyKey)
			if ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, errors.Wrap(err, "save order")
	}

	if req.IdempotencyKey != "" {
		s.idem.add(req.IdempotencyKey)
	}
	s.lg.Info("order placed",
		zap.String("order", o.ID),
		zap.String("user", o.UserID),
		zap.Int("items", len(o.Items)))
	return o, nil
}

// PayOrder transitions an order from Created to Paid.
func (s *Service) PayOrder(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, id, StatusPaid)
}

// ShipOrder transitions an order from Paid to Shipped.
func (s *Service) ShipOrder(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, id, StatusShipped)
}

// CancelOrder transitions an order to Cancelled. Orders are never deleted;
// cancellation is the terminal status for abandoned orders.
func (s *Service) CancelOrder(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, id, StatusCancelled)
}

// transition loads the order, checks the lifecycle table, and persists the
// new status. Status writes go through the non-retrying write policy like
// any other mutation.
func (s *Service) transition(ctx context.Context, id string, next Status) (*Order, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanTransitionTo(next) {
		return nil, &TransitionError{From: o.Status, To: next}
	}

	o.Status = next
	o.UpdatedAt = time.Now().UTC()

	err = s.writePolicy.Do(ctx, func(ctx context.Context) error {
		return s.repo.Save(ctx, o)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "transition order %s to %s", id, next)
	}

	s.lg.Info("order status changed",
		zap.String("order", o.ID),
		zap.String("status", string(next)))
	return o, nil
}

// findReplay looks up an order by idempotency key, mapping ErrNotFound to a
// nil order.
func (s *Service) findReplay(ctx context.Context, key string) (*Order, error) {
	existing, err := resilience.Execute(ctx, s.readPolicy, func(ctx context.Context) (*Order, error) {
		return s.repo.FindByIdempotencyKey(ctx, key)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "idempotency lookup")
	}
	return existing, nil
}
