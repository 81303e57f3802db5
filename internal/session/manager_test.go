package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-cart/internal/cart"
	"github.com/noah-isme/storefront-cart/internal/lock"
	"github.com/noah-isme/storefront-cart/internal/session"
	"github.com/noah-isme/storefront-cart/internal/storage"
)

type stubBackend struct {
	mu    sync.Mutex
	lines []cart.Line
	lists atomic.Int32
	adds  atomic.Int32
	fail  bool
}

func (b *stubBackend) ListCart(context.Context, string) ([]cart.Line, error) {
	b.lists.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]cart.Line(nil), b.lines...), nil
}

func (b *stubBackend) AddLine(_ context.Context, _ string, req cart.AddLineRequest) (cart.Line, error) {
	b.adds.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return cart.Line{}, errors.New("unavailable")
	}
	line := cart.Line{ID: "srv-" + req.ProductID, ProductID: req.ProductID, Quantity: float64(req.Quantity), UnitPrice: decimal.NewFromInt(10)}
	b.lines = append(b.lines, line)
	return line, nil
}

func (b *stubBackend) EditLine(_ context.Context, _ string, req cart.EditLineRequest) (cart.Line, error) {
	return cart.Line{ID: req.LineID}, nil
}

func (b *stubBackend) RemoveLine(context.Context, string, string) error { return nil }

func (b *stubBackend) ListCoupons(context.Context, string, decimal.Decimal) ([]cart.Coupon, error) {
	return nil, nil
}

func (b *stubBackend) ListAddresses(context.Context, string) ([]cart.Address, error) {
	return nil, nil
}

func (b *stubBackend) PlaceOrder(context.Context, string, cart.OrderRequest) (cart.OrderConfirmation, error) {
	return cart.OrderConfirmation{}, nil
}

type anyToken struct{}

func (anyToken) Usable(token string) bool { return token != "" }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T, backend cart.Backend, clk *clock) (*session.Manager, *storage.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := storage.New(storage.NewRedisKV(client), "test", time.Hour)
	mgr, err := session.NewManager(session.Config{
		Backend:  backend,
		Storage:  store,
		Tokens:   anyToken{},
		Locker:   lock.Locker{R: client, RetryBackoff: 2 * time.Millisecond},
		Logger:   zerolog.Nop(),
		Debounce: 10 * time.Millisecond,
		IdleTTL:  time.Minute,
		Now:      clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr, store
}

const sid = "session-0001"

func TestOpenLoadsOnceAndConcurrently(t *testing.T) {
	backend := &stubBackend{lines: []cart.Line{{ID: "c1", ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(5)}}}
	mgr, store := newManager(t, backend, &clock{now: time.Now()})
	ctx := context.Background()
	require.NoError(t, store.Session(sid).SetToken(ctx, "tok"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine, err := mgr.Open(ctx, sid)
			require.NoError(t, err)
			require.Len(t, engine.State().Lines, 1)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), backend.lists.Load())

	_, err := mgr.Open(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, int32(1), backend.lists.Load())
	require.Equal(t, 1, mgr.Len())
}

func TestAttachTokenTriggersMerge(t *testing.T) {
	backend := &stubBackend{}
	mgr, store := newManager(t, backend, &clock{now: time.Now()})
	ctx := context.Background()

	engine, err := mgr.Open(ctx, sid)
	require.NoError(t, err)
	_, err = engine.AddLine(ctx, cart.AddLineInput{ProductID: "p1", Quantity: 2})
	require.NoError(t, err)
	require.Zero(t, backend.lists.Load())

	changed, err := mgr.AttachToken(ctx, sid, "tok")
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = mgr.AttachToken(ctx, sid, "tok")
	require.NoError(t, err)
	require.False(t, changed)

	engine, err = mgr.Open(ctx, sid)
	require.NoError(t, err)
	state := engine.State()
	require.Len(t, state.Lines, 1)
	require.Equal(t, "srv-p1", state.Lines[0].ID)
	require.Equal(t, int32(1), backend.adds.Load())

	stored, err := store.Session(sid).LoadLines(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, stored[0].Persisted())
}

func TestOpenReturnsPartialMergeWithEngine(t *testing.T) {
	backend := &stubBackend{fail: true}
	mgr, store := newManager(t, backend, &clock{now: time.Now()})
	ctx := context.Background()
	sess := store.Session(sid)
	require.NoError(t, sess.SetToken(ctx, "tok"))
	require.NoError(t, sess.SaveLines(ctx, []cart.Line{{ProductID: "p1", Quantity: 1}}))

	engine, err := mgr.Open(ctx, sid)
	var partial *cart.PartialMergeError
	require.True(t, errors.As(err, &partial))
	require.NotNil(t, engine)

	_, err = mgr.Open(ctx, sid)
	require.NoError(t, err)
}

func TestOpenRejectsInvalidSessionID(t *testing.T) {
	mgr, _ := newManager(t, &stubBackend{}, &clock{now: time.Now()})
	_, err := mgr.Open(context.Background(), "../../etc")
	require.ErrorIs(t, err, session.ErrInvalidSession)
	_, err = mgr.Open(context.Background(), "short")
	require.ErrorIs(t, err, session.ErrInvalidSession)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	clk := &clock{now: time.Now()}
	mgr, _ := newManager(t, &stubBackend{}, clk)
	ctx := context.Background()

	_, err := mgr.Open(ctx, sid)
	require.NoError(t, err)
	clk.Advance(30 * time.Second)
	_, err = mgr.Open(ctx, "session-0002")
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	require.Equal(t, 1, mgr.Sweep(ctx))
	require.Equal(t, 1, mgr.Len())
}

func TestSweptEngineRejectsUpdatesAndReopens(t *testing.T) {
	clk := &clock{now: time.Now()}
	backend := &stubBackend{}
	mgr, store := newManager(t, backend, clk)
	ctx := context.Background()
	require.NoError(t, store.Session(sid).SetToken(ctx, "tok"))

	engine, err := mgr.Open(ctx, sid)
	require.NoError(t, err)
	_, err = engine.AddLine(ctx, cart.AddLineInput{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, mgr.Sweep(ctx))

	state, err := engine.UpdateQuantity(ctx, "srv-p1", 3)
	require.ErrorIs(t, err, cart.ErrClosed)
	require.Equal(t, 1.0, state.Lines[0].Quantity)
	require.Equal(t, cart.PhaseReady, state.Phase)

	reopened, err := mgr.Open(ctx, sid)
	require.NoError(t, err)
	require.NotSame(t, engine, reopened)
	_, err = reopened.UpdateQuantity(ctx, "srv-p1", 3)
	require.NoError(t, err)
}
