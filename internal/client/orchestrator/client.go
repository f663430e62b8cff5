// Package orchestrator is the HTTP client for the container orchestrator's
// scaling endpoint. The autoscale loop treats it as advisory: a failed call
// is logged by the loop and the decision dropped.
package orchestrator

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mkraev/ordergrid/pkg/autoscale"
)

var _ autoscale.Orchestrator = (*Client)(nil)

// Client posts scale commands to the orchestrator API.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates an orchestrator client for the given base URL.
func NewClient(baseURL string) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse orchestrator URL")
	}
	return &Client{
		base: base,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// ScaleService requests a replica count change of delta for the named
// service. Negative delta scales in.
func (c *Client) ScaleService(ctx context.Context, service string, delta int) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("service", func(e *jx.Encoder) { e.Str(service) })
		e.Field("delta", func(e *jx.Encoder) { e.Int(delta) })
	})

	u := c.base.JoinPath("v1", "scale")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(e.Bytes()))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "scale request")
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("orchestrator status %d", resp.StatusCode)
	}
	return nil
}

// Nop is an Orchestrator that only logs decisions. It backs deployments
// without an orchestrator endpoint configured.
type Nop struct {
	lg *zap.Logger
}

// NewNop creates a logging-only orchestrator.
func NewNop(lg *zap.Logger) *Nop {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Nop{lg: lg}
}

// ScaleService logs the decision and succeeds.
func (n *Nop) ScaleService(_ context.Context, service string, delta int) error {
	n.lg.Info("scaling decision (no orchestrator configured)",
		zap.String("service", service),
		zap.Int("delta", delta))
	return nil
}
