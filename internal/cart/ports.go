package cart

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AddLineRequest is the payload for creating a cart line on the backend.
type AddLineRequest struct {
	ProductID string
	VariantID string
	Quantity  int64
	AddOns    []AddOn
}

// EditLineRequest is the payload for changing a persisted line's quantity.
type EditLineRequest struct {
	LineID    string
	ProductID string
	VariantID string
	Quantity  int64
}

// OrderType selects how the order is fulfilled.
type OrderType string

const (
	// OrderDelivery ships to an address and requires one.
	OrderDelivery OrderType = "delivery"
	// OrderPickup is collected at the store.
	OrderPickup OrderType = "pickup"
)

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool {
	return t == OrderDelivery || t == OrderPickup
}

// Address is a saved or user-entered delivery address.
type Address struct {
	ID         string `json:"id"`
	Label      string `json:"label,omitempty"`
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	IsDefault  bool   `json:"isDefault"`
}

// OrderRequest is what the engine submits when placing an order.
type OrderRequest struct {
	Subtotal       decimal.Decimal
	Total          decimal.Decimal
	PaymentType    string
	OrderType      OrderType
	CouponCode     string
	CouponDiscount decimal.NullDecimal
	AddressID      string
}

// OrderConfirmation is the backend acknowledgement of a placed order.
type OrderConfirmation struct {
	OrderID   string          `json:"orderId"`
	Reference string          `json:"reference,omitempty"`
	Total     decimal.Decimal `json:"total"`
	PlacedAt  time.Time       `json:"placedAt"`
}

// Backend is the remote marketplace API that owns cart persistence, coupons and orders.
type Backend interface {
	ListCart(ctx context.Context, token string) ([]Line, error)
	AddLine(ctx context.Context, token string, req AddLineRequest) (Line, error)
	EditLine(ctx context.Context, token string, req EditLineRequest) (Line, error)
	RemoveLine(ctx context.Context, token string, lineID string) error
	ListCoupons(ctx context.Context, token string, total decimal.Decimal) ([]Coupon, error)
	ListAddresses(ctx context.Context, token string) ([]Address, error)
	PlaceOrder(ctx context.Context, token string, req OrderRequest) (OrderConfirmation, error)
}

// Store is the session's client-side key-value storage: the persisted offline
// cart and the bearer token. Writes are last-write-wins.
type Store interface {
	LoadLines(ctx context.Context) ([]Line, error)
	SaveLines(ctx context.Context, lines []Line) error
	ClearLines(ctx context.Context) error
	Token(ctx context.Context) (string, error)
}

// TokenChecker decides whether a stored token is usable. Expired or malformed
// tokens are treated as absent.
type TokenChecker interface {
	Usable(token string) bool
}
