package order

import (
	"context"

	"github.com/go-faster/errors"
)

// Sentinel errors shared by all repository implementations. Callers match
// them with errors.Is; implementations wrap backend errors into exactly one
// of these classes.
var (
	// ErrNotFound is returned when the requested order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrUnavailable is returned for transient backend failures (connection
	// refused, pool exhausted). Safe to retry.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrConstraint is returned for integrity violations such as a duplicate
	// order ID or idempotency key. Never retried.
	ErrConstraint = errors.New("constraint violation")
)

// Op is a comparison operator usable in a filter condition.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
)

// Cond is a single field/operator/value predicate.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Filter is a structured query predicate. It deliberately carries no backend
// query syntax: each repository implementation translates conditions into its
// own query language, which keeps callers independent of the storage engine.
// Conditions are combined with AND.
type Filter struct {
	Conds  []Cond
	Limit  int
	Offset int
}

// Where appends a condition and returns the filter for chaining.
func (f Filter) Where(field string, op Op, value any) Filter {
	f.Conds = append(f.Conds, Cond{Field: field, Op: op, Value: value})
	return f
}

// Repository defines persistence operations for orders. Implementations are
// selected at construction time (postgres, memory); callers never inspect the
// concrete type.
type Repository interface {
	// Find returns all orders matching the filter.
	Find(ctx context.Context, filter Filter) ([]Order, error)
	// FindByID returns a single order, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*Order, error)
	// FindByIdempotencyKey returns the order placed with the given key,
	// or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	// Save upserts an order keyed by its ID.
	Save(ctx context.Context, o *Order) error
	// Delete removes an order, or returns ErrNotFound. The order service
	// never calls this; it exists for administrative tooling.
	Delete(ctx context.Context, id string) error
}
