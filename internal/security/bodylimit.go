package security

import (
	"net/http"

	"github.com/noah-isme/storefront-cart/internal/common"
)

// BodyLimit rejects request bodies larger than Max bytes.
type BodyLimit struct {
	Max int64
}

// Middleware answers 413 for a declared oversized body and caps the reader
// for bodies of unknown length.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	if b.Max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body is too large", nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.Max)
		next.ServeHTTP(w, r)
	})
}
