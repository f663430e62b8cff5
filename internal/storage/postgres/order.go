package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkraev/ordergrid/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Backend
// errors are folded into the domain taxonomy: integrity violations become
// order.ErrConstraint, connectivity problems order.ErrUnavailable, and empty
// results order.ErrNotFound.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const (
	selectOrderSQL = `SELECT id, user_id, items, status, idempotency_key, created_at, updated_at FROM orders`

	upsertOrderSQL = `INSERT INTO orders (id, user_id, items, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET items = EXCLUDED.items, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`

	deleteOrderSQL = `DELETE FROM orders WHERE id = $1`
)

// Find returns all orders matching the structured filter.
func (r *OrderRepository) Find(ctx context.Context, filter order.Filter) ([]order.Order, error) {
	query, args, err := buildQuery(filter)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("find orders", err)
	}

	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, mapError("find orders", err)
	}
	return orders, nil
}

// FindByID returns a single order, or order.ErrNotFound.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (*order.Order, error) {
	return r.findOne(ctx, selectOrderSQL+` WHERE id = $1`, id)
}

// FindByIdempotencyKey returns the order placed with the given key, or
// order.ErrNotFound.
func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	return r.findOne(ctx, selectOrderSQL+` WHERE idempotency_key = $1`, key)
}

func (r *OrderRepository) findOne(ctx context.Context, query string, arg any) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, mapError("find order", err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, mapError("find order", err)
	}
	return &o, nil
}

// Save upserts an order keyed by its ID. The line items are serialized to
// JSON for storage in the JSONB column.
func (r *OrderRepository) Save(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrapf(err, "marshal items of order %s", o.ID)
	}

	_, err = r.pool.Exec(ctx, upsertOrderSQL,
		o.ID, o.UserID, itemsJSON, string(o.Status), o.IdempotencyKey, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Sprintf("save order %s", o.ID), err)
	}
	return nil
}

// Delete removes an order row, or returns order.ErrNotFound.
func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteOrderSQL, id)
	if err != nil {
		return mapError(fmt.Sprintf("delete order %s", id), err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// filterColumns maps filter field names to queryable columns. Anything else
// is rejected before reaching the database.
var filterColumns = map[string]string{
	"id":              "id",
	"user_id":         "user_id",
	"status":          "status",
	"idempotency_key": "idempotency_key",
	"created_at":      "created_at",
}

var filterOps = map[order.Op]string{
	order.OpEq:  "=",
	order.OpNeq: "<>",
	order.OpGt:  ">",
	order.OpGte: ">=",
	order.OpLt:  "<",
	order.OpLte: "<=",
}

// buildQuery translates a structured filter into a parameterized SELECT.
// This is the only place filter conditions meet SQL; callers never pass
// query strings through the repository boundary.
func buildQuery(filter order.Filter) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(selectOrderSQL)

	args := make([]any, 0, len(filter.Conds))
	for i, c := range filter.Conds {
		col, ok := filterColumns[c.Field]
		if !ok {
			return "", nil, errors.Errorf("unknown filter field %q", c.Field)
		}

		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}

		args = append(args, filterValue(c.Value))
		if c.Op == order.OpIn {
			fmt.Fprintf(&sb, "%s = ANY($%d)", col, len(args))
			continue
		}
		op, ok := filterOps[c.Op]
		if !ok {
			return "", nil, errors.Errorf("unknown filter operator %q", c.Op)
		}
		fmt.Fprintf(&sb, "%s %s $%d", col, op, len(args))
	}

	sb.WriteString(" ORDER BY created_at DESC, id")
	if filter.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", filter.Offset)
	}
	return sb.String(), args, nil
}

// filterValue normalizes domain types into driver-friendly values.
func filterValue(v any) any {
	switch t := v.(type) {
	case order.Status:
		return string(t)
	case []order.Status:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = string(s)
		}
		return out
	default:
		return v
	}
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
		status    string
	)
	err := row.Scan(&o.ID, &o.UserID, &itemsJSON, &status, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return order.Order{}, err
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return order.Order{}, errors.Wrapf(err, "unmarshal items of order %s", o.ID)
	}
	o.Status = order.Status(status)
	return o, nil
}

// mapError folds a pgx error into the domain error taxonomy so callers and
// the resilience layer can classify it without importing driver types.
func mapError(msg string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity_constraint_violation
			return errors.Wrapf(order.ErrConstraint, "%s: %s", msg, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), // connection_exception
			strings.HasPrefix(pgErr.Code, "57"): // operator_intervention
			return errors.Wrapf(order.ErrUnavailable, "%s: %s", msg, pgErr.Message)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return errors.Wrapf(order.ErrUnavailable, "%s: %v", msg, err)
	}
	return errors.Wrap(err, msg)
}
