package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/storefront-cart/internal/debounce"
	"github.com/noah-isme/storefront-cart/internal/obs"
)

const (
	defaultDebounce = 400 * time.Millisecond
	maxNotices      = 32
)

// Options configures an Engine.
type Options struct {
	Backend  Backend
	Store    Store
	Tokens   TokenChecker
	Logger   zerolog.Logger
	Debounce time.Duration
	Now      func() time.Time
}

// Engine owns the cart of a single shopper session. All mutation goes through
// its methods; state writes are serialised and remote calls run outside the lock.
type Engine struct {
	backend Backend
	store   Store
	tokens  TokenChecker
	logger  zerolog.Logger
	now     func() time.Time
	updates *debounce.Debouncer
	fetches singleflight.Group

	// persistMu orders snapshot-and-save so the store always ends with the newest snapshot.
	persistMu sync.Mutex
	// addMu serialises adds so two requests for one product cannot both create a backend line.
	addMu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	lines      []Line
	coupon     *Coupon
	totals     Totals
	inflight   int
	pending    map[string]*tentative
	notices    []Notice
	updateErrs []error
}

// NewEngine constructs an engine in the Uninitialized phase.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("cart: backend is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cart: store is required")
	}
	debounceFor := opts.Debounce
	if debounceFor <= 0 {
		debounceFor = defaultDebounce
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		backend: opts.Backend,
		store:   opts.Store,
		tokens:  opts.Tokens,
		logger:  opts.Logger.With().Str("component", "cart").Logger(),
		now:     now,
		updates: debounce.New(debounceFor),
		phase:   PhaseUninitialized,
		lines:   []Line{},
		totals:  ComputeTotals(nil, nil),
		pending: make(map[string]*tentative),
	}, nil
}

// State returns a snapshot of the cart.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	st := State{Phase: e.phase, Lines: cloneLines(e.lines), Totals: e.totals}
	if e.coupon != nil {
		c := *e.coupon
		st.Coupon = &c
	}
	return st
}

// DrainNotices returns and clears the queued notifications.
func (e *Engine) DrainNotices() []Notice {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.notices
	e.notices = nil
	return out
}

// Fetch loads the session cart. Without a usable token the stored local cart
// is returned as is. With one, the server cart is fetched and merged with the
// local cart, and the result is persisted. A network failure falls back to the
// local cart. The returned state is always usable; the only error reported is
// a *PartialMergeError listing local lines that could not be synchronised.
// Concurrent calls share a single load.
func (e *Engine) Fetch(ctx context.Context) (State, error) {
	v, err, _ := e.fetches.Do("fetch", func() (any, error) {
		return e.fetch(ctx)
	})
	st, _ := v.(State)
	return st, err
}

func (e *Engine) fetch(ctx context.Context) (State, error) {
	e.mu.Lock()
	e.phase = PhaseLoading
	e.mu.Unlock()

	local, err := e.store.LoadLines(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("cart_local_load_failed")
		local = nil
	}

	outcome := "guest"
	var result MergeResult
	token := e.token(ctx)
	if token == "" {
		result = MergeResult{Lines: collapse(local)}
	} else {
		server, err := e.backend.ListCart(ctx, token)
		if err != nil {
			outcome = "fallback"
			e.logger.Warn().Err(err).Msg("cart_server_fetch_failed")
			result = MergeResult{Lines: collapse(local)}
		} else {
			outcome = "merged"
			result = Merge(ctx, token, local, server, e.backend, e.logger)
			if len(result.Skipped) > 0 {
				outcome = "partial"
			}
			e.logger.Info().Stringer("merge", result).Msg("cart_merged")
		}
	}

	e.mu.Lock()
	lines := result.Lines
	for ref, t := range e.pending {
		idx := indexByRef(lines, ref)
		if idx < 0 {
			e.dropTentativeLocked(ref)
			continue
		}
		t.base = lines[idx].Quantity
		lines[idx].Quantity = t.target
	}
	e.lines = lines
	e.settlePhaseLocked()
	e.recomputeLocked()
	if len(result.Skipped) > 0 {
		e.noticeLocked(NoticePartialMerge, "", fmt.Sprintf("%d item(s) could not be synced to your account", len(result.Skipped)))
	}
	st := e.stateLocked()
	e.mu.Unlock()

	e.persist(ctx)
	obs.ObserveCartMerge(outcome, len(result.Skipped))
	return st, result.partialError()
}

// AddLineInput describes a product the shopper adds to the cart. UnitPrice and
// the display fields are the catalog snapshot shown to the shopper; once the
// backend creates the line its price is authoritative.
type AddLineInput struct {
	ProductID          string
	VariantID          string
	Quantity           float64
	UnitPrice          decimal.Decimal
	AddOns             []AddOn
	DisplayName        string
	DisplayDescription string
	OwnerStore         string
}

func (in AddLineInput) line() Line {
	return Line{
		ProductID:          strings.TrimSpace(in.ProductID),
		VariantID:          strings.TrimSpace(in.VariantID),
		Quantity:           in.Quantity,
		UnitPrice:          in.UnitPrice,
		AddOns:             append([]AddOn(nil), in.AddOns...),
		DisplayName:        in.DisplayName,
		DisplayDescription: in.DisplayDescription,
		OwnerStore:         in.OwnerStore,
	}
}

// AddLine adds a product to the cart. When a line for the same product and
// variant already exists the call becomes a quantity update of
// existing + requested instead of creating a duplicate.
func (e *Engine) AddLine(ctx context.Context, in AddLineInput) (State, error) {
	if strings.TrimSpace(in.ProductID) == "" {
		return e.State(), validationf("product id is required")
	}
	if !isWholeQuantity(in.Quantity) || in.Quantity < 1 {
		return e.State(), validationf("quantity must be a positive integer")
	}
	line := in.line()

	e.addMu.Lock()
	defer e.addMu.Unlock()

	e.mu.Lock()
	if idx := indexByKey(e.lines, line.Key()); idx >= 0 {
		existing := e.lines[idx]
		e.mu.Unlock()
		return e.UpdateQuantity(ctx, existing.Ref(), float64(existing.Units()+Units(in.Quantity)))
	}
	e.mu.Unlock()

	token := e.token(ctx)
	if token == "" {
		e.mu.Lock()
		if idx := indexByKey(e.lines, line.Key()); idx >= 0 {
			e.lines[idx].Quantity = float64(e.lines[idx].Units() + Units(in.Quantity))
		} else {
			e.lines = append(e.lines, line)
		}
		e.recomputeLocked()
		st := e.stateLocked()
		e.mu.Unlock()
		e.persist(ctx)
		obs.ObserveCartMutation("add", "local")
		return st, nil
	}

	e.mu.Lock()
	e.beginMutationLocked()
	e.mu.Unlock()

	created, err := e.backend.AddLine(ctx, token, AddLineRequest{
		ProductID: line.ProductID,
		VariantID: line.VariantID,
		Quantity:  Units(in.Quantity),
		AddOns:    line.AddOns,
	})
	if err == nil && !created.Persisted() {
		err = errMissingLineID
	}

	e.mu.Lock()
	e.endMutationLocked()
	if err != nil {
		st := e.stateLocked()
		e.mu.Unlock()
		obs.ObserveCartMutation("add", "error")
		e.logger.Warn().Err(err).Str("product_id", line.ProductID).Msg("cart_add_failed")
		return st, asRemote("add line", err)
	}
	created = adoptLocal(created, line)
	if idx := indexByKey(e.lines, created.Key()); idx >= 0 {
		e.lines[idx] = created
	} else {
		e.lines = append(e.lines, created)
	}
	e.recomputeLocked()
	st := e.stateLocked()
	e.mu.Unlock()

	e.persist(ctx)
	obs.ObserveCartMutation("add", "ok")
	return st, nil
}

// UpdateQuantity sets the quantity of the line addressed by ref. Zero removes
// the line. The new quantity is shown immediately; the backend edit is
// debounced per line so a burst of changes sends only the last value. If that
// edit fails the line returns to its last confirmed quantity and a rollback
// notice is queued.
func (e *Engine) UpdateQuantity(ctx context.Context, ref string, quantity float64) (State, error) {
	if !isWholeQuantity(quantity) || quantity < 0 {
		return e.State(), validationf("quantity must be a non-negative integer")
	}
	if quantity == 0 {
		return e.RemoveLine(ctx, ref)
	}
	token := e.token(ctx)

	e.mu.Lock()
	idx := indexByRef(e.lines, ref)
	if idx < 0 {
		st := e.stateLocked()
		e.mu.Unlock()
		return st, fmt.Errorf("line %q: %w", ref, ErrLineNotFound)
	}
	if token == "" || !e.lines[idx].Persisted() {
		e.lines[idx].Quantity = quantity
		e.recomputeLocked()
		st := e.stateLocked()
		e.mu.Unlock()
		e.persist(ctx)
		obs.ObserveCartMutation("update", "local")
		return st, nil
	}
	t := e.stageLocked(ref, idx, quantity)
	st := e.stateLocked()
	e.mu.Unlock()

	sendCtx := context.WithoutCancel(ctx)
	replaced, scheduled := e.updates.Schedule(ref, func() { _ = e.sendUpdate(sendCtx, ref) })
	if !scheduled {
		e.mu.Lock()
		e.unstageLocked(ref, t)
		st = e.stateLocked()
		e.mu.Unlock()
		return st, ErrClosed
	}
	if replaced {
		obs.ObserveCoalescedUpdate()
	}
	return st, nil
}

func (e *Engine) sendUpdate(ctx context.Context, ref string) error {
	token := e.token(ctx)

	e.mu.Lock()
	t, ok := e.pending[ref]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	idx := indexByRef(e.lines, ref)
	if idx < 0 {
		e.dropTentativeLocked(ref)
		e.mu.Unlock()
		return nil
	}
	line := e.lines[idx].clone()
	gen, sent := t.gen, t.target
	e.mu.Unlock()

	var (
		confirmed Line
		err       error
	)
	if token == "" {
		err = ErrAuthRequired
	} else {
		confirmed, err = e.backend.EditLine(ctx, token, EditLineRequest{
			LineID:    line.ID,
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  Units(sent),
		})
	}

	e.mu.Lock()
	applied := e.settleLocked(ref, t, gen, sent, confirmed, err)
	if !applied {
		e.mu.Unlock()
		e.logger.Debug().Str("ref", ref).Uint64("generation", gen).Msg("cart_update_superseded")
		return nil
	}
	if err != nil {
		remote := asRemote("update quantity", err)
		if errors.Is(err, ErrAuthRequired) {
			e.noticeLocked(NoticeRollback, ref, "please sign in again to change your cart")
		} else {
			e.noticeLocked(NoticeRollback, ref, remote.UserMessage())
		}
		e.recordUpdateErrLocked(remote)
		e.mu.Unlock()
		e.persist(ctx)
		obs.ObserveCartRollback("update")
		obs.ObserveCartMutation("update", "error")
		e.logger.Warn().Err(err).Str("ref", ref).Msg("cart_update_rolled_back")
		return remote
	}
	e.mu.Unlock()

	e.persist(ctx)
	obs.ObserveCartMutation("update", "ok")
	return nil
}

// Flush sends every pending quantity update now and waits for the outcome.
// It returns the failures observed since the previous Flush.
func (e *Engine) Flush(ctx context.Context) error {
	e.updates.Flush()
	e.mu.Lock()
	errs := e.updateErrs
	e.updateErrs = nil
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RemoveLine deletes the line addressed by ref. The backend call is not
// optimistic: on failure the cart is left exactly as it was.
func (e *Engine) RemoveLine(ctx context.Context, ref string) (State, error) {
	e.mu.Lock()
	idx := indexByRef(e.lines, ref)
	if idx < 0 {
		st := e.stateLocked()
		e.mu.Unlock()
		return st, fmt.Errorf("line %q: %w", ref, ErrLineNotFound)
	}
	line := e.lines[idx].clone()
	e.mu.Unlock()

	token := e.token(ctx)
	if token != "" && line.Persisted() {
		e.mu.Lock()
		e.beginMutationLocked()
		e.mu.Unlock()

		err := e.backend.RemoveLine(ctx, token, line.ID)

		e.mu.Lock()
		e.endMutationLocked()
		if err != nil {
			st := e.stateLocked()
			e.mu.Unlock()
			obs.ObserveCartMutation("remove", "error")
			e.logger.Warn().Err(err).Str("ref", ref).Msg("cart_remove_failed")
			return st, asRemote("remove line", err)
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.dropTentativeLocked(ref)
	if idx := indexByRef(e.lines, ref); idx >= 0 {
		e.lines = append(e.lines[:idx:idx], e.lines[idx+1:]...)
	}
	e.recomputeLocked()
	st := e.stateLocked()
	e.mu.Unlock()

	e.persist(ctx)
	obs.ObserveCartMutation("remove", "ok")
	return st, nil
}

// ApplyCoupon selects coupon when the current subtotal reaches its minimum
// purchase amount. A rejected coupon leaves the previous selection in place.
func (e *Engine) ApplyCoupon(_ context.Context, coupon Coupon) (State, error) {
	if err := coupon.validate(); err != nil {
		return e.State(), err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.lines) == 0 {
		obs.ObserveCartMutation("apply_coupon", "rejected")
		return e.stateLocked(), ErrEmptyCart
	}
	if !coupon.Eligible(e.totals.Subtotal) {
		obs.ObserveCartMutation("apply_coupon", "rejected")
		return e.stateLocked(), fmt.Errorf("add %s more to use %s: %w",
			coupon.MinPurchaseAmount.Sub(e.totals.Subtotal).StringFixed(2), coupon.Code, ErrCouponIneligible)
	}
	c := coupon
	e.coupon = &c
	e.recomputeLocked()
	obs.ObserveCartMutation("apply_coupon", "ok")
	return e.stateLocked(), nil
}

// ApplyCouponCode looks code up among the coupons the backend offers for the
// current total and applies the match.
func (e *Engine) ApplyCouponCode(ctx context.Context, code string) (State, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return e.State(), validationf("coupon code is required")
	}
	coupons, err := e.Coupons(ctx)
	if err != nil {
		return e.State(), err
	}
	for _, c := range coupons {
		if strings.EqualFold(c.Code, code) {
			return e.ApplyCoupon(ctx, c)
		}
	}
	return e.State(), fmt.Errorf("coupon %q is not available for this cart: %w", code, ErrCouponIneligible)
}

// ClearCoupon removes the selected coupon.
func (e *Engine) ClearCoupon() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.coupon = nil
	e.recomputeLocked()
	return e.stateLocked()
}

// Coupons lists the coupons the backend offers for the current cart total.
func (e *Engine) Coupons(ctx context.Context) ([]Coupon, error) {
	token := e.token(ctx)
	if token == "" {
		return nil, ErrAuthRequired
	}
	e.mu.Lock()
	total := e.totals.Subtotal
	e.mu.Unlock()
	coupons, err := e.backend.ListCoupons(ctx, token, total)
	if err != nil {
		return nil, asRemote("list coupons", err)
	}
	return coupons, nil
}

// Addresses lists the shopper's saved addresses.
func (e *Engine) Addresses(ctx context.Context) ([]Address, error) {
	token := e.token(ctx)
	if token == "" {
		return nil, ErrAuthRequired
	}
	addresses, err := e.backend.ListAddresses(ctx, token)
	if err != nil {
		return nil, asRemote("list addresses", err)
	}
	return addresses, nil
}

// Checkout bundles what the checkout view needs besides the cart itself.
type Checkout struct {
	State          State     `json:"cart"`
	Coupons        []Coupon  `json:"coupons"`
	Addresses      []Address `json:"addresses"`
	DefaultAddress *Address  `json:"defaultAddress,omitempty"`
}

// PrepareCheckout loads coupons and saved addresses concurrently.
func (e *Engine) PrepareCheckout(ctx context.Context) (Checkout, error) {
	if e.token(ctx) == "" {
		return Checkout{State: e.State()}, ErrAuthRequired
	}
	var out Checkout
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coupons, err := e.Coupons(gctx)
		out.Coupons = coupons
		return err
	})
	g.Go(func() error {
		addresses, err := e.Addresses(gctx)
		out.Addresses = addresses
		return err
	})
	err := g.Wait()
	out.State = e.State()
	if err != nil {
		return out, err
	}
	for i := range out.Addresses {
		if out.Addresses[i].IsDefault {
			addr := out.Addresses[i]
			out.DefaultAddress = &addr
			break
		}
	}
	return out, nil
}

// OrderInput is the shopper's order submission.
type OrderInput struct {
	Type        OrderType
	Address     *Address
	PaymentType string
}

const defaultPaymentType = "cod"

// PlaceOrder submits the cart as an order. Input problems are rejected before
// any network call; a missing token yields ErrAuthRequired. Pending quantity
// updates are flushed first so the submitted totals are what the backend
// holds. On success the cart, coupon and stored cart are cleared; on failure
// the cart is untouched and the backend message is returned verbatim.
func (e *Engine) PlaceOrder(ctx context.Context, in OrderInput) (OrderConfirmation, error) {
	if !in.Type.Valid() {
		return OrderConfirmation{}, validationf("order type must be %q or %q", OrderDelivery, OrderPickup)
	}
	if in.Type == OrderDelivery && (in.Address == nil || strings.TrimSpace(in.Address.ID) == "") {
		return OrderConfirmation{}, validationf("a delivery address is required")
	}
	token := e.token(ctx)
	if token == "" {
		obs.ObserveCartOrder(string(in.Type), "auth_required")
		return OrderConfirmation{}, ErrAuthRequired
	}
	// Earlier rollbacks were already reported as notices and left the cart
	// consistent; only updates still pending now may block the order.
	e.mu.Lock()
	e.updateErrs = nil
	e.mu.Unlock()
	if err := e.Flush(ctx); err != nil {
		obs.ObserveCartOrder(string(in.Type), "error")
		return OrderConfirmation{}, fmt.Errorf("cart changed before checkout: %w", err)
	}

	e.mu.Lock()
	if len(e.lines) == 0 {
		e.mu.Unlock()
		return OrderConfirmation{}, ErrEmptyCart
	}
	req := OrderRequest{
		Subtotal:    e.totals.Subtotal,
		Total:       e.totals.Total,
		PaymentType: strings.TrimSpace(in.PaymentType),
		OrderType:   in.Type,
	}
	if req.PaymentType == "" {
		req.PaymentType = defaultPaymentType
	}
	if e.coupon != nil && e.totals.Discount.IsPositive() {
		req.CouponCode = e.coupon.Code
		req.CouponDiscount = decimal.NewNullDecimal(e.totals.Discount)
	}
	if in.Type == OrderDelivery {
		req.AddressID = strings.TrimSpace(in.Address.ID)
	}
	e.beginMutationLocked()
	e.mu.Unlock()

	conf, err := e.backend.PlaceOrder(ctx, token, req)

	e.mu.Lock()
	e.endMutationLocked()
	if err != nil {
		e.mu.Unlock()
		obs.ObserveCartOrder(string(in.Type), "error")
		e.logger.Warn().Err(err).Str("order_type", string(in.Type)).Msg("cart_order_failed")
		return OrderConfirmation{}, asRemote("place order", err)
	}
	for ref := range e.pending {
		e.dropTentativeLocked(ref)
	}
	e.lines = []Line{}
	e.coupon = nil
	e.phase = PhaseCleared
	e.recomputeLocked()
	e.phase = PhaseReady
	e.mu.Unlock()

	e.persistMu.Lock()
	if err := e.store.ClearLines(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("cart_local_clear_failed")
	}
	e.persistMu.Unlock()

	obs.ObserveCartOrder(string(in.Type), "ok")
	e.logger.Info().Str("order_id", conf.OrderID).Str("order_type", string(in.Type)).Msg("cart_order_placed")
	return conf, nil
}

// Close sends pending updates and stops the update scheduler.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Flush(ctx)
	e.updates.Stop()
	return err
}

func (e *Engine) token(ctx context.Context) string {
	token, err := e.store.Token(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("cart_token_read_failed")
		return ""
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if e.tokens != nil && !e.tokens.Usable(token) {
		return ""
	}
	return token
}

// persist saves the cart with confirmed quantities only. A line awaiting a
// debounced edit is stored at its last confirmed quantity, so a rejected edit
// never reaches the stored cart and a later merge cannot push it again.
func (e *Engine) persist(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.mu.Lock()
	lines := cloneLines(e.lines)
	for ref, t := range e.pending {
		if idx := indexByRef(lines, ref); idx >= 0 {
			lines[idx].Quantity = t.base
		}
	}
	e.mu.Unlock()
	if err := e.store.SaveLines(ctx, lines); err != nil {
		e.logger.Warn().Err(err).Msg("cart_local_save_failed")
	}
}

func (e *Engine) recomputeLocked() {
	if len(e.lines) == 0 {
		e.coupon = nil
	}
	e.totals = ComputeTotals(e.lines, e.coupon)
}

// A running Fetch owns the phase until it settles it, so mutation bookkeeping
// leaves Loading alone.
func (e *Engine) beginMutationLocked() {
	e.inflight++
	if e.phase != PhaseLoading {
		e.phase = PhaseMutating
	}
}

func (e *Engine) endMutationLocked() {
	if e.inflight > 0 {
		e.inflight--
	}
	if e.phase != PhaseLoading {
		e.settlePhaseLocked()
	}
}

func (e *Engine) settlePhaseLocked() {
	if e.inflight > 0 {
		e.phase = PhaseMutating
		return
	}
	e.phase = PhaseReady
}

func (e *Engine) noticeLocked(kind NoticeKind, ref, message string) {
	e.notices = append(e.notices, Notice{Kind: kind, Ref: ref, Message: message, At: e.now()})
	if len(e.notices) > maxNotices {
		e.notices = e.notices[len(e.notices)-maxNotices:]
	}
}

func (e *Engine) recordUpdateErrLocked(err error) {
	e.updateErrs = append(e.updateErrs, err)
	if len(e.updateErrs) > maxNotices {
		e.updateErrs = e.updateErrs[len(e.updateErrs)-maxNotices:]
	}
}

// collapse keeps one line per product/variant, taking the larger quantity, and
// drops lines without a usable quantity.
func collapse(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	for _, line := range lines {
		if line.Units() <= 0 || line.Key().ProductID == "" {
			continue
		}
		if idx := indexByKey(out, line.Key()); idx >= 0 {
			if line.Units() > out[idx].Units() {
				out[idx].Quantity = line.Quantity
			}
			continue
		}
		out = append(out, line.clone())
	}
	return out
}
