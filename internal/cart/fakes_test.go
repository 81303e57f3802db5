package cart_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-cart/internal/cart"
)

var errBackendDown = errors.New("backend down")

// fakeBackend is an in-memory marketplace backend. Fail hooks let a test make
// individual calls fail.
type fakeBackend struct {
	mu        sync.Mutex
	lines     []cart.Line
	prices    map[string]decimal.Decimal
	coupons   []cart.Coupon
	addresses []cart.Address
	nextID    int
	calls     map[string]int
	edits     []cart.EditLineRequest
	orders    []cart.OrderRequest

	failList   bool
	failAdd    func(cart.AddLineRequest) error
	failEdit   func(cart.EditLineRequest) error
	failRemove bool
	failOrder  error
	editGate   chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		prices: map[string]decimal.Decimal{},
		calls:  map[string]int{},
	}
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) seed(lines ...cart.Line) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, lines...)
}

func (f *fakeBackend) ListCart(_ context.Context, token string) ([]cart.Line, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	if f.failList {
		return nil, errBackendDown
	}
	return append([]cart.Line(nil), f.lines...), nil
}

func (f *fakeBackend) AddLine(_ context.Context, _ string, req cart.AddLineRequest) (cart.Line, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["add"]++
	if f.failAdd != nil {
		if err := f.failAdd(req); err != nil {
			return cart.Line{}, err
		}
	}
	f.nextID++
	line := cart.Line{
		ID:        fmt.Sprintf("srv-%d", f.nextID),
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  float64(req.Quantity),
		UnitPrice: f.prices[req.ProductID],
		AddOns:    req.AddOns,
	}
	f.lines = append(f.lines, line)
	return line, nil
}

func (f *fakeBackend) EditLine(_ context.Context, _ string, req cart.EditLineRequest) (cart.Line, error) {
	if f.editGate != nil {
		<-f.editGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["edit"]++
	f.edits = append(f.edits, req)
	if f.failEdit != nil {
		if err := f.failEdit(req); err != nil {
			return cart.Line{}, err
		}
	}
	for i := range f.lines {
		if f.lines[i].ID == req.LineID {
			f.lines[i].Quantity = float64(req.Quantity)
			return f.lines[i], nil
		}
	}
	return cart.Line{}, &cart.RemoteError{Op: "edit line", Status: 404, Message: "cart item not found"}
}

func (f *fakeBackend) RemoveLine(_ context.Context, _ string, lineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["remove"]++
	if f.failRemove {
		return errBackendDown
	}
	for i := range f.lines {
		if f.lines[i].ID == lineID {
			f.lines = append(f.lines[:i], f.lines[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeBackend) ListCoupons(_ context.Context, _ string, _ decimal.Decimal) ([]cart.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["coupons"]++
	return append([]cart.Coupon(nil), f.coupons...), nil
}

func (f *fakeBackend) ListAddresses(_ context.Context, _ string) ([]cart.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["addresses"]++
	return append([]cart.Address(nil), f.addresses...), nil
}

func (f *fakeBackend) PlaceOrder(_ context.Context, _ string, req cart.OrderRequest) (cart.OrderConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["order"]++
	if f.failOrder != nil {
		return cart.OrderConfirmation{}, f.failOrder
	}
	f.orders = append(f.orders, req)
	f.lines = nil
	return cart.OrderConfirmation{OrderID: "ord-1", Total: req.Total}, nil
}

// memStore is a single-session Store.
type memStore struct {
	mu    sync.Mutex
	lines []cart.Line
	token string
	saves int
}

func (s *memStore) LoadLines(context.Context) ([]cart.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cart.Line(nil), s.lines...), nil
}

func (s *memStore) SaveLines(_ context.Context, lines []cart.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append([]cart.Line(nil), lines...)
	s.saves++
	return nil
}

func (s *memStore) ClearLines(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
	return nil
}

func (s *memStore) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *memStore) stored() []cart.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cart.Line(nil), s.lines...)
}

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
