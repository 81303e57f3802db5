package storefront

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes mounts the cart endpoints. orderGuards wrap only order placement,
// typically idempotency and a tighter rate limit.
func (h *Handler) Routes(orderGuards ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Post("/refresh", h.Refresh)
	r.Post("/items", h.AddItem)
	r.Patch("/items/{ref}", h.UpdateItem)
	r.Delete("/items/{ref}", h.RemoveItem)
	r.Post("/coupon", h.ApplyCoupon)
	r.Delete("/coupon", h.ClearCoupon)
	r.Get("/checkout", h.Checkout)
	r.With(orderGuards...).Post("/orders", h.PlaceOrder)
	return r
}
