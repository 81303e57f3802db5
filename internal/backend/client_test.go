package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-cart/internal/backend"
	"github.com/noah-isme/storefront-cart/internal/cart"
)

type recorded struct {
	Path  string
	Auth  string
	Body  map[string]any
	Count int
}

type fakeMarketplace struct {
	mu       sync.Mutex
	calls    map[string]*recorded
	handlers map[string]func(w http.ResponseWriter, hit int)
}

func newFakeMarketplace(t *testing.T) (*fakeMarketplace, *backend.Client) {
	t.Helper()
	fm := &fakeMarketplace{calls: map[string]*recorded{}, handlers: map[string]func(http.ResponseWriter, int){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		fm.mu.Lock()
		rec, ok := fm.calls[r.URL.Path]
		if !ok {
			rec = &recorded{Path: r.URL.Path}
			fm.calls[r.URL.Path] = rec
		}
		rec.Count++
		rec.Auth = r.Header.Get("Authorization")
		rec.Body = body
		hit := rec.Count
		handler := fm.handlers[r.URL.Path]
		fm.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if handler == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"message":"not found"}`))
			return
		}
		handler(w, hit)
	}))
	t.Cleanup(srv.Close)

	client, err := backend.New(backend.Config{
		BaseURL:             srv.URL,
		Timeout:             time.Second,
		MaxAttempts:         3,
		BaseBackoff:         time.Millisecond,
		BreakerMinRequests:  50,
		BreakerFailureRatio: 0.9,
		BreakerOpenFor:      time.Second,
		Logger:              zerolog.Nop(),
	})
	require.NoError(t, err)
	return fm, client
}

func (fm *fakeMarketplace) handle(path string, fn func(w http.ResponseWriter, hit int)) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.handlers[path] = fn
}

func (fm *fakeMarketplace) respond(path, body string) {
	fm.handle(path, func(w http.ResponseWriter, _ int) { _, _ = w.Write([]byte(body)) })
}

func (fm *fakeMarketplace) call(path string) recorded {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if rec, ok := fm.calls[path]; ok {
		return *rec
	}
	return recorded{}
}

func TestListCartDecodesRows(t *testing.T) {
	fm, client := newFakeMarketplace(t)
	fm.respond("/cart/list", `{"success":true,"data":{"rows":[
		{"id":"c1","productId":"p1","productVariantUnitId":"v1","quantity":2,"price":"12.50",
		 "addOns":[{"id":"a1","name":"Cheese","price":3}],
		 "product":{"name":"Burger","description":"Double","store":{"name":"Diner"}}}
	]}}`)

	lines, err := client.ListCart(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	line := lines[0]
	require.Equal(t, "c1", line.ID)
	require.Equal(t, "v1", line.VariantID)
	require.Equal(t, 2.0, line.Quantity)
	require.True(t, decimal.RequireFromString("12.5").Equal(line.UnitPrice))
	require.Equal(t, "Burger", line.DisplayName)
	require.Equal(t, "Diner", line.OwnerStore)
	require.Len(t, line.AddOns, 1)
	require.Equal(t, "Cheese", line.AddOns[0].Name)

	require.Equal(t, "Bearer tok", fm.call("/cart/list").Auth)
}

func TestListCartRetriesServerErrors(t *testing.T) {
	fm, client := newFakeMarketplace(t)
	fm.handle("/cart/list", func(w http.ResponseWriter, hit int) {
		if hit == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"message":"warming up"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":[]}`))
	})

	lines, err := client.ListCart(context.Background(), "tok")
	require.NoError(t, err)
	require.Empty(t, lines)
	require.Equal(t, 2, fm.call("/cart/list").Count)
}

func TestAddLineIsNotRetried(t *testing.T) {
	fm, client := newFakeMarketplace(t)
	fm.handle("/cart/add", func(w http.ResponseWriter, _ int) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"success":false,"message":"gateway timeout"}`))
	})

	_, err := client.AddLine(context.Background(), "tok", cart.AddLineRequest{ProductID: "p1", Quantity: 1})
	require.ErrorIs(t, err, cart.ErrRemote)
	var remote *cart.RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusBadGateway, remote.Status)
	require.Equal(t, "gateway timeout", remote.UserMessage())
	require.Equal(t, 1, fm.call("/cart/add").Count)
}

func TestAddLineSendsAddOnsAndDecodesCreatedLine(t *testing.T) {
	fm, client := newFakeMarketplace(t)
	fm.respond("/cart/add", `{"success":true,"data":{"id":"c9","productId":"p1","quantity":2,"price":5}}`)

	line, err := client.AddLine(context.Background(), "tok", cart.AddLineRequest{
		ProductID: "p1",
		VariantID: "v2",
		Quantity:  2,
		AddOns:    []cart.AddOn{{ID: "a1", Name: "Extra"}, {Name: "no id"}},
	})
	require.NoError(t, err)
	require.Equal(t, "c9", line.ID)

	body := fm.call("/cart/add").Body
	require.Equal(t, "p1", body["productId"])
	require.Equal(t, "v2", body["productVariantUnitId"])
	require.EqualValues(t, 2, body["quantity"])
	addOns, ok := body["addOns"].([]any)
	require.True(t, ok)
	require.Len(t, addOns, 1)
}

func TestEditLineSendsCartID(t *testing.T) {
	fm, client := newFakeMarketplace(t)
	fm.respond("/cart/edit", `{"success":true,"data":null}`)

	line, err := client.EditLine(context.Background(), "tok", cart.EditLineRequest{LineID: "c1", ProductID: "p1", Quantity: 4})
	require.NoError(t, err)
	require.False(t, line.Persisted())

	body := fm.call("/cart/edit").Body
	require.Equal(t, "c1", body["cartId"])
	require.EqualValues(t, 4, body["quantity"])
}

func TestUnsuccessfulEnvelopeBecomesRemoteError(t *testing.T) {
	fm, client := newFakeMarketplace(t)
	fm.respond("/cart/remove", `{"success":false,"message":"Cart item already removed"}`)

	err := client.RemoveLine(context.Background(), "tok", "c1")
	var remote *cart.RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, "Cart item already removed", remote.UserMessage())
	require.Equal(t, http.StatusOK, remote.Status)
}

func TestListCouponsSendsTotal(t *testing.T) {
	fm, client := newFakeMarketplace(t)
	fm.respond("/coupon/list", `{"success":true,"data":[
		{"code":"HALF","isPercentage":true,"discountValue":50,"maxDiscount":100,"minPurchaseAmount":200},
		{"code":"FLAT","discountValue":"10","maxDiscount":null,"minPurchaseAmount":0}
	]}`)

	coupons, err := client.ListCoupons(context.Background(), "tok", decimal.RequireFromString("250.00"))
	require.NoError(t, err)
	require.Len(t, coupons, 2)
	require.True(t, coupons[0].MaxDiscount.Valid)
	require.False(t, coupons[1].MaxDiscount.Valid)
	require.Equal(t, "250", fm.call("/coupon/list").Body["totalAmount"])
}

func TestListAddresses(t *testing.T) {
	fm, client := newFakeMarketplace(t)
	fm.respond("/customerAddress/list", `{"success":true,"data":{"rows":[
		{"id":"a1","label":"Home","address":"Jl. Merdeka 1","city":"Bandung","isDefault":true}
	]}}`)

	addresses, err := client.ListAddresses(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, addresses, 1)
	require.Equal(t, "Jl. Merdeka 1", addresses[0].Line1)
	require.True(t, addresses[0].IsDefault)
}

func TestPlaceOrderPayload(t *testing.T) {
	fm, client := newFakeMarketplace(t)
	fm.respond("/order/add", `{"success":true,"data":{"id":"o1","orderNumber":"INV-7","totalAmount":90,"createdAt":"2026-01-02T03:04:05Z"}}`)

	conf, err := client.PlaceOrder(context.Background(), "tok", cart.OrderRequest{
		Subtotal:       decimal.NewFromInt(100),
		Total:          decimal.NewFromInt(90),
		PaymentType:    "cod",
		OrderType:      cart.OrderDelivery,
		CouponCode:     "TENOFF",
		CouponDiscount: decimal.NewNullDecimal(decimal.NewFromInt(10)),
		AddressID:      "a1",
	})
	require.NoError(t, err)
	require.Equal(t, "o1", conf.OrderID)
	require.Equal(t, "INV-7", conf.Reference)

	body := fm.call("/order/add").Body
	require.Equal(t, "90", body["totalAmount"])
	require.Equal(t, "100", body["subTotal"])
	require.Equal(t, "delivery", body["orderType"])
	require.Equal(t, "TENOFF", body["couponCode"])
	require.Equal(t, "10", body["couponAmount"])
	require.Equal(t, "a1", body["addressId"])
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := backend.New(backend.Config{})
	require.Error(t, err)
}
