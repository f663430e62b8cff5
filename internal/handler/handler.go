// Package handler exposes the order service over plain HTTP with JSON
// bodies. It owns the mapping between the domain error taxonomy and HTTP
// status codes; the resilience errors surface as 429/503/504 so callers can
// distinguish back-pressure from hard failures.
package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/mkraev/ordergrid/internal/domain/order"
	"github.com/mkraev/ordergrid/pkg/resilience"
)

// errBadParam marks malformed query parameters and bodies; mapped to 400.
var errBadParam = errors.New("bad request parameter")

// Handler serves the order API, delegating all business logic to the order
// service.
type Handler struct {
	orders *order.Service
}

// New constructs a Handler.
func New(orders *order.Service) *Handler {
	return &Handler{orders: orders}
}

// Register mounts all API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/orders", h.listOrders)
	mux.HandleFunc("POST /api/orders", h.placeOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.getOrder)
	mux.HandleFunc("POST /api/orders/{id}/pay", h.payOrder)
	mux.HandleFunc("POST /api/orders/{id}/ship", h.shipOrder)
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.cancelOrder)
}

// writeError maps a domain error to an HTTP status and JSON body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var (
		invalidQty *order.InvalidQuantityError
		unknown    *order.UnknownProductError
		transition *order.TransitionError
		exhausted  *resilience.ExhaustedError
	)
	switch {
	case errors.Is(err, order.ErrEmptyItems),
		errors.Is(err, order.ErrNoUser),
		errors.Is(err, errBadParam),
		errors.As(err, &invalidQty):
		status = http.StatusBadRequest
	case errors.As(err, &unknown):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, order.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrConstraint), errors.As(err, &transition):
		status = http.StatusConflict
	case errors.Is(err, resilience.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, order.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, resilience.ErrTimeout),
		errors.As(err, &exhausted):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("request failed", zap.Error(err))
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(status) })
		e.Field("message", func(e *jx.Encoder) { e.Str(publicMessage(status, err)) })
	})
	writeJSON(w, status, e.Bytes())
}

// publicMessage hides internal detail for 5xx responses.
func publicMessage(status int, err error) string {
	if status >= 500 && status != http.StatusServiceUnavailable {
		return http.StatusText(status)
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
