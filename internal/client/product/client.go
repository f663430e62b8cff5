// Package product is the HTTP client for the downstream product service.
// Order placement resolves product references through it; the caller wraps
// every call in its own resilience policy with service-specific timeouts.
package product

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Errors returned by the client, classified for the resilience layer:
// ErrUnavailable is transient and retryable, ErrNotFound is not.
var (
	ErrNotFound    = errors.New("product not found")
	ErrUnavailable = errors.New("product service unavailable")
)

// Product is the product service's view of a catalog entry.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

// Client talks to the product service over HTTP with traced transport.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a client for the product service at baseURL. The zero
// timeout here is deliberate: deadlines come from the per-call context set
// by the resilience policy.
func NewClient(baseURL string) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse product service URL")
	}
	return &Client{
		base: base,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// GetProduct fetches a single product by ID.
func (c *Client) GetProduct(ctx context.Context, id string) (*Product, error) {
	u := c.base.JoinPath("products", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "get product %s: %v", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(ErrNotFound, "product %s", id)
	case resp.StatusCode >= 500:
		return nil, errors.Wrapf(ErrUnavailable, "get product %s: status %d", id, resp.StatusCode)
	default:
		return nil, errors.Errorf("get product %s: unexpected status %d", id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "read product %s: %v", id, err)
	}

	p, err := decodeProduct(body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode product %s", id)
	}
	return p, nil
}

// decodeProduct parses the product service response body.
func decodeProduct(body []byte) (*Product, error) {
	var p Product
	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			if err != nil {
				return err
			}
			p.ID = v
		case "name":
			v, err := d.Str()
			if err != nil {
				return err
			}
			p.Name = v
		case "price":
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			price, err := decimal.NewFromString(unquote(raw.String()))
			if err != nil {
				return errors.Wrap(err, "parse price")
			}
			p.Price = price
		default:
			return d.Skip()
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("response missing product id")
	}
	return &p, nil
}

// unquote strips JSON string quotes; the price field arrives either as a
// number or a quoted decimal string.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Healthy pings the product service root. Used as a readiness check.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.Errorf("product service status %d", resp.StatusCode)
	}
	return nil
}
