// Package storefront exposes the cart engine over HTTP for the storefront
// frontend.
package storefront

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-cart/internal/cart"
	"github.com/noah-isme/storefront-cart/internal/common"
	"github.com/noah-isme/storefront-cart/internal/session"
)

// Sessions resolves the cart engine that belongs to a shopper session.
type Sessions interface {
	Open(ctx context.Context, id string) (*cart.Engine, error)
	Refresh(ctx context.Context, id string) (cart.State, error)
	AttachToken(ctx context.Context, id, token string) (bool, error)
}

// Handler wires cart engines to HTTP.
type Handler struct {
	Sessions Sessions
	Logger   zerolog.Logger
}

type envelope struct {
	Data    any           `json:"data"`
	Notices []cart.Notice `json:"notices"`
}

type addOnPayload struct {
	ID       string          `json:"id" validate:"required"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity float64         `json:"quantity" validate:"min=0"`
}

type addItemPayload struct {
	ProductID   string          `json:"productId" validate:"required"`
	VariantID   string          `json:"productVariantUnitId"`
	Quantity    float64         `json:"quantity" validate:"required,gt=0"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	AddOns      []addOnPayload  `json:"addOns" validate:"dive"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Store       string          `json:"store"`
}

type updateItemPayload struct {
	Quantity *float64 `json:"quantity" validate:"required,min=0"`
}

type couponPayload struct {
	Code string `json:"code" validate:"required,max=64"`
}

type orderPayload struct {
	Type        string `json:"type" validate:"required,oneof=delivery pickup"`
	AddressID   string `json:"addressId" validate:"required_if=Type delivery"`
	PaymentType string `json:"paymentType" validate:"omitempty,max=32"`
}

// Get returns the cart, loading and merging it on first use.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	h.respond(w, http.StatusOK, engine, engine.State())
}

// Refresh re-runs the merge against the server cart.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	id, _ := common.SessionID(r.Context())
	st, err := h.Sessions.Refresh(r.Context(), id)
	var partial *cart.PartialMergeError
	if err != nil && !errors.As(err, &partial) {
		h.writeError(w, err)
		return
	}
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	h.respond(w, http.StatusOK, engine, st)
}

// AddItem adds a product or increases the quantity of its existing line.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var payload addItemPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	in := cart.AddLineInput{
		ProductID:          payload.ProductID,
		VariantID:          payload.VariantID,
		Quantity:           payload.Quantity,
		UnitPrice:          payload.UnitPrice,
		DisplayName:        payload.Name,
		DisplayDescription: payload.Description,
		OwnerStore:         payload.Store,
	}
	for _, a := range payload.AddOns {
		in.AddOns = append(in.AddOns, cart.AddOn{ID: a.ID, Name: a.Name, UnitPrice: a.Price, Quantity: a.Quantity})
	}
	st, err := engine.AddLine(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, engine, st)
}

// UpdateItem changes a line quantity optimistically. The returned state shows
// the new quantity before the backend confirms it.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var payload updateItemPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	st, err := engine.UpdateQuantity(r.Context(), chi.URLParam(r, "ref"), *payload.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusAccepted, engine, st)
}

// RemoveItem deletes a line.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	st, err := engine.RemoveLine(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, engine, st)
}

// ApplyCoupon applies one of the coupons the backend offers for this cart.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var payload couponPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	st, err := engine.ApplyCouponCode(r.Context(), payload.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, engine, st)
}

// ClearCoupon removes the selected coupon.
func (h *Handler) ClearCoupon(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	h.respond(w, http.StatusOK, engine, engine.ClearCoupon())
}

// Checkout returns the cart with the shopper's coupons and addresses.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	checkout, err := engine.PrepareCheckout(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, engine, checkout)
}

// PlaceOrder submits the cart as an order.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var payload orderPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	in := cart.OrderInput{Type: cart.OrderType(payload.Type), PaymentType: payload.PaymentType}
	if id := strings.TrimSpace(payload.AddressID); id != "" {
		in.Address = &cart.Address{ID: id}
	}
	conf, err := engine.PlaceOrder(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Logger.Info().Str("order_id", conf.OrderID).Str("order_type", payload.Type).Msg("order_placed")
	h.respond(w, http.StatusCreated, engine, conf)
}

// engine opens the session's engine. A partial merge still yields a usable
// engine; its notice is delivered with the response.
func (h *Handler) engine(w http.ResponseWriter, r *http.Request) (*cart.Engine, bool) {
	if h.Sessions == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart sessions not configured", nil)
		return nil, false
	}
	id, _ := common.SessionID(r.Context())
	engine, err := h.Sessions.Open(r.Context(), id)
	var partial *cart.PartialMergeError
	if err != nil && !errors.As(err, &partial) {
		h.writeError(w, err)
		return nil, false
	}
	if engine == nil {
		h.writeError(w, err)
		return nil, false
	}
	return engine, true
}

func (h *Handler) respond(w http.ResponseWriter, status int, engine *cart.Engine, data any) {
	notices := engine.DrainNotices()
	if notices == nil {
		notices = []cart.Notice{}
	}
	common.JSON(w, status, envelope{Data: data, Notices: notices})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if err == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
		return
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusBadRequest
		}
		code := appErr.Code
		if code == "" {
			code = "BAD_REQUEST"
		}
		common.JSONError(w, status, code, appErr.Message, appErr.Details)
		return
	}
	var remote *cart.RemoteError
	switch {
	case errors.Is(err, session.ErrInvalidSession):
		common.JSONError(w, http.StatusBadRequest, "INVALID_SESSION", "session id is malformed", nil)
	case errors.Is(err, cart.ErrAuthRequired):
		common.JSONError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "please sign in to continue", nil)
	case errors.Is(err, cart.ErrClosed):
		common.JSONError(w, http.StatusConflict, "CART_RELOADED", "your cart was reloaded, please try again", nil)
	case errors.Is(err, cart.ErrLineNotFound):
		common.JSONError(w, http.StatusNotFound, "LINE_NOT_FOUND", validationText(err), nil)
	case errors.Is(err, cart.ErrValidation):
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", validationText(err), nil)
	case errors.As(err, &remote):
		common.JSONError(w, http.StatusBadGateway, "REMOTE_FAILURE", remote.UserMessage(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		common.JSONError(w, http.StatusGatewayTimeout, "TIMEOUT", "the request timed out", nil)
	default:
		h.Logger.Error().Err(err).Msg("cart_request_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unexpected error", nil)
	}
}

// validationText drops the sentinel suffix so shoppers see only the reason.
func validationText(err error) string {
	msg := err.Error()
	return strings.TrimSuffix(msg, ": "+cart.ErrValidation.Error())
}
