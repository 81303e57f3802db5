// Package backend talks to the marketplace REST API that owns carts, coupons
// and orders.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/storefront-cart/internal/cart"
	"github.com/noah-isme/storefront-cart/internal/obs"
	"github.com/noah-isme/storefront-cart/internal/resilience"
)

const (
	pathCartList      = "/cart/list"
	pathCartAdd       = "/cart/add"
	pathCartEdit      = "/cart/edit"
	pathCartRemove    = "/cart/remove"
	pathCouponList    = "/coupon/list"
	pathAddressList   = "/customerAddress/list"
	pathOrderAdd      = "/order/add"
	maxResponseBytes  = 1 << 20
	defaultUserAgent  = "storefront-cart"
	defaultTimeout    = 10 * time.Second
	breakerTargetName = "marketplace"
)

// Config configures a Client.
type Config struct {
	BaseURL             string
	Timeout             time.Duration
	MaxAttempts         int
	BaseBackoff         time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	Logger              zerolog.Logger
	// Transport replaces http.DefaultTransport under the otelhttp wrapper.
	Transport http.RoundTripper
}

// Client implements cart.Backend over HTTP.
type Client struct {
	baseURL string
	http    resilience.HTTPClient
	breaker *resilience.Breaker
	logger  zerolog.Logger
}

var _ cart.Backend = (*Client)(nil)

// New builds a client whose requests are traced with otelhttp and guarded by
// a circuit breaker.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	breaker := resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget(breakerTargetName).
		WithLogger(cfg.Logger)
	return &Client{
		baseURL: base,
		breaker: breaker,
		logger:  cfg.Logger.With().Str("component", "backend").Logger(),
		http: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(transport)},
			Breaker:     breaker,
			BaseBackoff: cfg.BaseBackoff,
			MaxAttempts: cfg.MaxAttempts,
			Jitter:      0.2,
			Timeout:     timeout,
		},
	}, nil
}

// Breaker exposes the circuit breaker for readiness reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// ListCart returns the server cart.
func (c *Client) ListCart(ctx context.Context, token string) ([]cart.Line, error) {
	data, err := c.call(ctx, "list cart", pathCartList, token, struct{}{}, true)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[lineDTO](data)
	if err != nil {
		return nil, c.decodeErr("list cart", err)
	}
	lines := make([]cart.Line, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, row.toLine())
	}
	return lines, nil
}

// AddLine creates a cart line.
func (c *Client) AddLine(ctx context.Context, token string, req cart.AddLineRequest) (cart.Line, error) {
	body := addLineBody{
		ProductID:            req.ProductID,
		ProductVariantUnitID: req.VariantID,
		Quantity:             req.Quantity,
	}
	for _, a := range req.AddOns {
		if a.ID == "" {
			continue
		}
		body.AddOns = append(body.AddOns, addOnLineBody{ID: a.ID, Quantity: a.Units()})
	}
	return c.lineCall(ctx, "add line", pathCartAdd, token, body)
}

// EditLine sets the quantity of a persisted line.
func (c *Client) EditLine(ctx context.Context, token string, req cart.EditLineRequest) (cart.Line, error) {
	return c.lineCall(ctx, "edit line", pathCartEdit, token, editLineBody{
		CartID:               req.LineID,
		ProductID:            req.ProductID,
		ProductVariantUnitID: req.VariantID,
		Quantity:             req.Quantity,
	})
}

// RemoveLine deletes a persisted line.
func (c *Client) RemoveLine(ctx context.Context, token string, lineID string) error {
	_, err := c.call(ctx, "remove line", pathCartRemove, token, removeLineBody{CartID: lineID}, false)
	return err
}

// ListCoupons returns the coupons the backend considers eligible for total.
func (c *Client) ListCoupons(ctx context.Context, token string, total decimal.Decimal) ([]cart.Coupon, error) {
	data, err := c.call(ctx, "list coupons", pathCouponList, token, couponListBody{TotalAmount: total}, true)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[couponDTO](data)
	if err != nil {
		return nil, c.decodeErr("list coupons", err)
	}
	coupons := make([]cart.Coupon, 0, len(rows))
	for _, row := range rows {
		coupons = append(coupons, row.toCoupon())
	}
	return coupons, nil
}

// ListAddresses returns the shopper's saved addresses.
func (c *Client) ListAddresses(ctx context.Context, token string) ([]cart.Address, error) {
	data, err := c.call(ctx, "list addresses", pathAddressList, token, struct{}{}, true)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[addressDTO](data)
	if err != nil {
		return nil, c.decodeErr("list addresses", err)
	}
	addresses := make([]cart.Address, 0, len(rows))
	for _, row := range rows {
		addresses = append(addresses, row.toAddress())
	}
	return addresses, nil
}

// PlaceOrder submits an order. It is never retried.
func (c *Client) PlaceOrder(ctx context.Context, token string, req cart.OrderRequest) (cart.OrderConfirmation, error) {
	body := orderBody{
		TotalAmount: req.Total,
		SubTotal:    req.Subtotal,
		PaymentType: req.PaymentType,
		OrderType:   string(req.OrderType),
		CouponCode:  req.CouponCode,
		AddressID:   req.AddressID,
	}
	if req.CouponDiscount.Valid {
		amount := req.CouponDiscount.Decimal
		body.CouponAmount = &amount
	}
	data, err := c.call(ctx, "place order", pathOrderAdd, token, body, false)
	if err != nil {
		return cart.OrderConfirmation{}, err
	}
	var dto orderDTO
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &dto); err != nil {
			return cart.OrderConfirmation{}, c.decodeErr("place order", err)
		}
	}
	return cart.OrderConfirmation{
		OrderID:   dto.ID,
		Reference: dto.OrderNumber,
		Total:     dto.TotalAmount,
		PlacedAt:  dto.CreatedAt,
	}, nil
}

func (c *Client) lineCall(ctx context.Context, op, path, token string, body any) (cart.Line, error) {
	data, err := c.call(ctx, op, path, token, body, false)
	if err != nil {
		return cart.Line{}, err
	}
	if len(data) == 0 || string(data) == "null" {
		return cart.Line{}, nil
	}
	var dto lineDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return cart.Line{}, c.decodeErr(op, err)
	}
	return dto.toLine(), nil
}

// call posts body to path and unwraps the response envelope. Only reads pass
// idempotent=true; a retried add could otherwise create a duplicate line.
func (c *Client) call(ctx context.Context, op, path, token string, body any, idempotent bool) (json.RawMessage, error) {
	ctx, span := otel.Tracer("backend.Client").Start(ctx, "backend "+path)
	defer span.End()
	span.SetAttributes(attribute.String("backend.endpoint", path))

	start := time.Now()
	data, status, err := c.post(ctx, op, path, token, body, idempotent)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if status > 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	obs.ObserveBackendRequest(path, result, obs.DurationMillis(time.Since(start)))
	if err != nil {
		c.logger.Warn().Err(err).Str("endpoint", path).Int("status", status).Msg("backend_call_failed")
	}
	return data, err
}

func (c *Client) post(ctx context.Context, op, path, token string, body any, idempotent bool) (json.RawMessage, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("backend: encode %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("backend: build %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	var resp *http.Response
	if idempotent {
		resp, err = c.http.DoIdempotent(ctx, req)
	} else {
		resp, err = c.http.Do(ctx, req)
	}
	if err != nil {
		return nil, 0, &cart.RemoteError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &cart.RemoteError{Op: op, Status: resp.StatusCode, Err: err}
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		remote := &cart.RemoteError{Op: op, Status: resp.StatusCode, Err: errors.New(resp.Status)}
		if decodeErr == nil {
			remote.Message = env.Message
		}
		return nil, resp.StatusCode, remote
	}
	if decodeErr != nil {
		return nil, resp.StatusCode, &cart.RemoteError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode envelope: %w", decodeErr)}
	}
	if !env.Success {
		return nil, resp.StatusCode, &cart.RemoteError{
			Op:      op,
			Status:  resp.StatusCode,
			Message: env.Message,
			Err:     errors.New("backend reported failure"),
		}
	}
	return env.Data, resp.StatusCode, nil
}

func (c *Client) decodeErr(op string, err error) error {
	return &cart.RemoteError{Op: op, Err: fmt.Errorf("decode data: %w", err)}
}
