package backend

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-cart/internal/cart"
)

// envelope is the response wrapper every marketplace endpoint uses.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type addOnDTO struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Quantity float64         `json:"quantity,omitempty"`
}

type productDTO struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Store       struct {
		Name string `json:"name"`
	} `json:"store"`
}

type lineDTO struct {
	ID                   string          `json:"id"`
	ProductID            string          `json:"productId"`
	ProductVariantUnitID string          `json:"productVariantUnitId"`
	Quantity             float64         `json:"quantity"`
	Price                decimal.Decimal `json:"price"`
	AddOns               []addOnDTO      `json:"addOns"`
	Product              *productDTO     `json:"product,omitempty"`
}

func (d lineDTO) toLine() cart.Line {
	line := cart.Line{
		ID:        d.ID,
		ProductID: d.ProductID,
		VariantID: d.ProductVariantUnitID,
		Quantity:  d.Quantity,
		UnitPrice: d.Price,
	}
	if d.Product != nil {
		line.DisplayName = d.Product.Name
		line.DisplayDescription = d.Product.Description
		line.OwnerStore = d.Product.Store.Name
	}
	for _, a := range d.AddOns {
		line.AddOns = append(line.AddOns, cart.AddOn{ID: a.ID, Name: a.Name, UnitPrice: a.Price, Quantity: a.Quantity})
	}
	return line
}

type addLineBody struct {
	ProductID            string          `json:"productId"`
	ProductVariantUnitID string          `json:"productVariantUnitId,omitempty"`
	Quantity             int64           `json:"quantity"`
	AddOns               []addOnLineBody `json:"addOns,omitempty"`
}

type addOnLineBody struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
}

type editLineBody struct {
	CartID               string `json:"cartId"`
	ProductID            string `json:"productId"`
	ProductVariantUnitID string `json:"productVariantUnitId,omitempty"`
	Quantity             int64  `json:"quantity"`
}

type removeLineBody struct {
	CartID string `json:"cartId"`
}

type couponListBody struct {
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

type couponDTO struct {
	Code              string              `json:"code"`
	Description       string              `json:"description"`
	IsPercentage      bool                `json:"isPercentage"`
	DiscountValue     decimal.Decimal     `json:"discountValue"`
	MaxDiscount       decimal.NullDecimal `json:"maxDiscount"`
	MinPurchaseAmount decimal.Decimal     `json:"minPurchaseAmount"`
}

func (d couponDTO) toCoupon() cart.Coupon {
	return cart.Coupon{
		Code:              d.Code,
		Description:       d.Description,
		IsPercentage:      d.IsPercentage,
		DiscountValue:     d.DiscountValue,
		MaxDiscount:       d.MaxDiscount,
		MinPurchaseAmount: d.MinPurchaseAmount,
	}
}

type addressDTO struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	IsDefault  bool   `json:"isDefault"`
}

func (d addressDTO) toAddress() cart.Address {
	return cart.Address{
		ID:         d.ID,
		Label:      d.Label,
		Line1:      d.Address,
		City:       d.City,
		PostalCode: d.PostalCode,
		IsDefault:  d.IsDefault,
	}
}

type orderBody struct {
	TotalAmount  decimal.Decimal  `json:"totalAmount"`
	SubTotal     decimal.Decimal  `json:"subTotal"`
	PaymentType  string           `json:"paymentType"`
	OrderType    string           `json:"orderType"`
	CouponCode   string           `json:"couponCode,omitempty"`
	CouponAmount *decimal.Decimal `json:"couponAmount,omitempty"`
	AddressID    string           `json:"addressId,omitempty"`
}

type orderDTO struct {
	ID          string          `json:"id"`
	OrderNumber string          `json:"orderNumber"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// decodeRows accepts both a bare array and the {rows: [...]} wrapper some list
// endpoints use.
func decodeRows[T any](data json.RawMessage) ([]T, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var direct []T
	if err := json.Unmarshal(data, &direct); err == nil {
		return direct, nil
	}
	var wrapped struct {
		Rows []T `json:"rows"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Rows, nil
}
