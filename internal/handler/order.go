package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/mkraev/ordergrid/internal/domain/order"
)

// maxBodySize bounds request bodies; order payloads are small.
const maxBodySize = 1 << 20

// listOrders handles GET /api/orders. Query parameters status, user_id,
// limit, and offset narrow the result.
func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	orders, err := h.orders.GetOrders(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.Arr(func(e *jx.Encoder) {
		for i := range orders {
			encodeOrder(e, &orders[i])
		}
	})
	writeJSON(w, http.StatusOK, e.Bytes())
}

// getOrder handles GET /api/orders/{id}.
func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeOrder(&e, o)
	writeJSON(w, http.StatusOK, e.Bytes())
}

// placeOrder handles POST /api/orders. The idempotency key may come from the
// Idempotency-Key header or the request body; the header wins.
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, r, errors.Wrap(errBadParam, "read body"))
		return
	}

	req, err := decodePlaceOrder(body)
	if err != nil {
		writeError(w, r, errors.Wrapf(errBadParam, "malformed request body: %v", err))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	o, err := h.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeOrder(&e, o)
	writeJSON(w, http.StatusCreated, e.Bytes())
}

func (h *Handler) payOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.PayOrder)
}

func (h *Handler) shipOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.ShipOrder)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.CancelOrder)
}

func (h *Handler) transition(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, id string) (*order.Order, error),
) {
	o, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeOrder(&e, o)
	writeJSON(w, http.StatusOK, e.Bytes())
}

// filterFromQuery builds a structured repository filter from query params.
func filterFromQuery(r *http.Request) (order.Filter, error) {
	var filter order.Filter

	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		s := order.Status(status)
		if !s.Valid() {
			return filter, errors.Wrapf(errBadParam, "unknown status %q", status)
		}
		filter = filter.Where("status", order.OpEq, s)
	}
	if userID := q.Get("user_id"); userID != "" {
		filter = filter.Where("user_id", order.OpEq, userID)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.Wrapf(errBadParam, "invalid limit %q", raw)
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, errors.Wrapf(errBadParam, "invalid offset %q", raw)
		}
		filter.Offset = offset
	}
	return filter, nil
}

// decodePlaceOrder parses a place-order request body.
func decodePlaceOrder(body []byte) (order.PlaceOrderRequest, error) {
	var req order.PlaceOrderRequest

	d := jx.DecodeBytes(body)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "user_id":
			v, err := d.Str()
			if err != nil {
				return err
			}
			req.UserID = v
		case "idempotency_key":
			v, err := d.Str()
			if err != nil {
				return err
			}
			req.IdempotencyKey = v
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var item order.ItemRequest
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					switch key {
					case "product_id":
						v, err := d.Str()
						if err != nil {
							return err
						}
						item.ProductID = v
					case "quantity":
						v, err := d.Int()
						if err != nil {
							return err
						}
						item.Quantity = v
					default:
						return d.Skip()
					}
					return nil
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		default:
			return d.Skip()
		}
		return nil
	})
	return req, err
}

// encodeOrder writes one order object to the encoder.
func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(o.UserID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("total", func(e *jx.Encoder) { e.Str(o.Total().StringFixed(2)) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, item := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("product_id", func(e *jx.Encoder) { e.Str(item.ProductID) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(item.Quantity) })
						e.Field("price", func(e *jx.Encoder) { e.Str(item.Price.StringFixed(2)) })
					})
				}
			})
		})
		e.Field("created_at", func(e *jx.Encoder) { e.Str(o.CreatedAt.Format(timeFormat)) })
		e.Field("updated_at", func(e *jx.Encoder) { e.Str(o.UpdatedAt.Format(timeFormat)) })
	})
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"
