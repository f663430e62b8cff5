// Package memory implements the order repository on an in-process map. It
// backs tests and single-node deployments where PostgreSQL is not wired; the
// backend is chosen at construction time in the application wiring.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/mkraev/ordergrid/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository is a mutex-guarded in-memory order store.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]order.Order
	byKey  map[string]string // idempotency key → order ID
}

// NewOrderRepository returns an empty in-memory repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders: make(map[string]order.Order),
		byKey:  make(map[string]string),
	}
}

// Find returns all orders matching the filter, newest first.
func (r *OrderRepository) Find(_ context.Context, filter order.Filter) ([]order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]order.Order, 0)
	for _, o := range r.orders {
		ok, err := matches(o, filter.Conds)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, cloneOrder(o))
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []order.Order{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// FindByID returns a single order, or order.ErrNotFound.
func (r *OrderRepository) FindByID(_ context.Context, id string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	c := cloneOrder(o)
	return &c, nil
}

// FindByIdempotencyKey returns the order placed with the given key, or
// order.ErrNotFound.
func (r *OrderRepository) FindByIdempotencyKey(_ context.Context, key string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[key]
	if !ok {
		return nil, order.ErrNotFound
	}
	o := cloneOrder(r.orders[id])
	return &o, nil
}

// Save upserts an order keyed by its ID. A different order reusing an
// existing idempotency key is rejected with order.ErrConstraint, mirroring
// the partial unique index of the PostgreSQL backend.
func (r *OrderRepository) Save(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.IdempotencyKey != "" {
		if existing, ok := r.byKey[o.IdempotencyKey]; ok && existing != o.ID {
			return errors.Wrapf(order.ErrConstraint, "idempotency key %q already used", o.IdempotencyKey)
		}
	}

	r.orders[o.ID] = cloneOrder(*o)
	if o.IdempotencyKey != "" {
		r.byKey[o.IdempotencyKey] = o.ID
	}
	return nil
}

// Delete removes an order, or returns order.ErrNotFound.
func (r *OrderRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	delete(r.orders, id)
	if o.IdempotencyKey != "" {
		delete(r.byKey, o.IdempotencyKey)
	}
	return nil
}

// matches evaluates all filter conditions against an order (AND semantics).
func matches(o order.Order, conds []order.Cond) (bool, error) {
	for _, c := range conds {
		ok, err := matchCond(o, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchCond(o order.Order, c order.Cond) (bool, error) {
	switch c.Field {
	case "id":
		return compareStrings(o.ID, c)
	case "user_id":
		return compareStrings(o.UserID, c)
	case "idempotency_key":
		return compareStrings(o.IdempotencyKey, c)
	case "status":
		return compareStrings(string(o.Status), normalizeStatus(c))
	case "created_at":
		return compareTime(o.CreatedAt, c)
	}
	return false, errors.Errorf("unknown filter field %q", c.Field)
}

func normalizeStatus(c order.Cond) order.Cond {
	switch v := c.Value.(type) {
	case order.Status:
		c.Value = string(v)
	case []order.Status:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = string(s)
		}
		c.Value = out
	}
	return c
}

func compareStrings(field string, c order.Cond) (bool, error) {
	if c.Op == order.OpIn {
		vals, ok := c.Value.([]string)
		if !ok {
			return false, errors.Errorf("filter field %q: in requires []string", c.Field)
		}
		for _, v := range vals {
			if field == v {
				return true, nil
			}
		}
		return false, nil
	}

	v, ok := c.Value.(string)
	if !ok {
		return false, errors.Errorf("filter field %q: expected string value", c.Field)
	}
	cmp := strings.Compare(field, v)
	return compareResult(cmp, c)
}

func compareTime(field time.Time, c order.Cond) (bool, error) {
	v, ok := c.Value.(time.Time)
	if !ok {
		return false, errors.Errorf("filter field %q: expected time.Time value", c.Field)
	}
	cmp := 0
	switch {
	case field.Before(v):
		cmp = -1
	case field.After(v):
		cmp = 1
	}
	return compareResult(cmp, c)
}

func compareResult(cmp int, c order.Cond) (bool, error) {
	switch c.Op {
	case order.OpEq:
		return cmp == 0, nil
	case order.OpNeq:
		return cmp != 0, nil
	case order.OpGt:
		return cmp > 0, nil
	case order.OpGte:
		return cmp >= 0, nil
	case order.OpLt:
		return cmp < 0, nil
	case order.OpLte:
		return cmp <= 0, nil
	}
	return false, errors.Errorf("unknown filter operator %q", c.Op)
}

func cloneOrder(o order.Order) order.Order {
	items := make([]order.LineItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}
