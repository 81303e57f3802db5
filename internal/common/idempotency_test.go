package common_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-cart/internal/common"
)

func newIdem(t *testing.T) common.Idem {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return common.Idem{R: client, TTL: time.Minute}
}

func orderRequest(key, session string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/orders", strings.NewReader(`{}`))
	req.Header.Set("Idempotency-Key", key)
	return req.WithContext(common.WithSessionID(req.Context(), session))
}

func TestIdemReplaysSuccessfulResponse(t *testing.T) {
	idem := newIdem(t)
	var calls atomic.Int32
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		common.JSON(w, http.StatusCreated, map[string]string{"orderId": "o1"})
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, orderRequest("k1", "s1"))
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, orderRequest("k1", "s1"))
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, int32(1), calls.Load())

	other := httptest.NewRecorder()
	handler.ServeHTTP(other, orderRequest("k1", "s2"))
	require.Equal(t, int32(2), calls.Load())
}

func TestIdemReleasesKeyOnFailure(t *testing.T) {
	idem := newIdem(t)
	var calls atomic.Int32
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			common.JSONError(w, http.StatusBadGateway, "REMOTE_FAILURE", "try again", nil)
			return
		}
		common.JSON(w, http.StatusCreated, map[string]string{"orderId": "o2"})
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, orderRequest("k2", "s1"))
	require.Equal(t, http.StatusBadGateway, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, orderRequest("k2", "s1"))
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, int32(2), calls.Load())
}

func TestIdemWithoutHeaderPassesThrough(t *testing.T) {
	idem := newIdem(t)
	var calls atomic.Int32
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	require.Equal(t, int32(2), calls.Load())
}
