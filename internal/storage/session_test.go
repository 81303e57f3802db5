package storage_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-cart/internal/cart"
	"github.com/noah-isme/storefront-cart/internal/storage"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*storage.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.New(storage.NewRedisKV(client), "test", ttl), mr
}

func TestRedisSessionRoundTrip(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()
	sess := store.Session("s-1")

	lines, err := sess.LoadLines(ctx)
	require.NoError(t, err)
	require.Empty(t, lines)

	saved := []cart.Line{{
		ProductID:   "p1",
		Quantity:    2,
		UnitPrice:   decimal.RequireFromString("19.90"),
		AddOns:      []cart.AddOn{{Name: "gift wrap", UnitPrice: decimal.NewFromInt(1)}},
		DisplayName: "Notebook",
	}}
	require.NoError(t, sess.SaveLines(ctx, saved))
	require.True(t, mr.Exists("test:s-1:cart"))
	require.Equal(t, time.Hour, mr.TTL("test:s-1:cart"))

	lines, err = sess.LoadLines(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.True(t, saved[0].UnitPrice.Equal(lines[0].UnitPrice))
	require.Equal(t, "gift wrap", lines[0].AddOns[0].Name)

	require.NoError(t, sess.ClearLines(ctx))
	lines, err = sess.LoadLines(ctx)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestRedisSessionToken(t *testing.T) {
	store, _ := newRedisStore(t, time.Hour)
	ctx := context.Background()
	sess := store.Session("s-2")

	token, err := sess.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, sess.SetToken(ctx, " abc.def.ghi "))
	token, err = sess.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc.def.ghi", token)

	require.NoError(t, sess.SetToken(ctx, ""))
	token, err = sess.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestSessionsAreIsolated(t *testing.T) {
	store, _ := newRedisStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Session("a").SaveLines(ctx, []cart.Line{{ProductID: "p1", Quantity: 1}}))
	lines, err := store.Session("b").LoadLines(ctx)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestSessionExpires(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	sess := store.Session("s-3")
	require.NoError(t, sess.SaveLines(ctx, []cart.Line{{ProductID: "p1", Quantity: 1}}))
	require.NoError(t, sess.SetToken(ctx, "tok"))

	mr.FastForward(2 * time.Minute)

	lines, err := sess.LoadLines(ctx)
	require.NoError(t, err)
	require.Empty(t, lines)
	token, err := sess.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestSessionForget(t *testing.T) {
	store, _ := newRedisStore(t, 0)
	ctx := context.Background()
	sess := store.Session("m-1")

	require.NoError(t, sess.SaveLines(ctx, []cart.Line{{ProductID: "p1", Quantity: 3}}))
	require.NoError(t, sess.SetToken(ctx, "tok"))
	lines, err := sess.LoadLines(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	require.NoError(t, sess.Forget(ctx))
	lines, err = sess.LoadLines(ctx)
	require.NoError(t, err)
	require.Empty(t, lines)
	token, err := sess.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, token)
}
