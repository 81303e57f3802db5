package cart

// tentative tracks an optimistic quantity change awaiting backend confirmation.
// base is the last quantity the backend confirmed and is what a failure
// restores; target is the latest value the shopper asked for.
type tentative struct {
	base   float64
	target float64
	gen    uint64
}

// stageLocked applies quantity optimistically to the line at idx. Repeated
// stages for the same ref share one tentative record so the rollback base
// stays the last confirmed value rather than an intermediate optimistic one.
func (e *Engine) stageLocked(ref string, idx int, quantity float64) *tentative {
	t, ok := e.pending[ref]
	if !ok {
		t = &tentative{base: e.lines[idx].Quantity}
		e.pending[ref] = t
		e.beginMutationLocked()
	}
	t.gen++
	t.target = quantity
	e.lines[idx].Quantity = quantity
	e.recomputeLocked()
	return t
}

// settleLocked resolves a tentative change with the outcome of the remote call
// made for generation gen. It reports whether the outcome was applied; a
// response for a superseded generation only moves the rollback base forward
// on success and otherwise leaves the newer optimistic value alone.
func (e *Engine) settleLocked(ref string, t *tentative, gen uint64, sent float64, confirmed Line, err error) bool {
	current, ok := e.pending[ref]
	if !ok || current != t {
		return false
	}
	if t.gen != gen {
		if err == nil {
			t.base = sent
		}
		return false
	}
	delete(e.pending, ref)
	e.endMutationLocked()

	idx := indexByRef(e.lines, ref)
	if err != nil {
		if idx >= 0 {
			e.lines[idx].Quantity = t.base
		}
		e.recomputeLocked()
		return true
	}
	if idx >= 0 && !confirmed.UnitPrice.IsZero() {
		e.lines[idx].UnitPrice = confirmed.UnitPrice
	}
	e.recomputeLocked()
	return true
}

// unstageLocked reverts a change that could not be scheduled. A newer stage
// for ref owns the line, so only t itself is undone.
func (e *Engine) unstageLocked(ref string, t *tentative) {
	if e.pending[ref] != t {
		return
	}
	delete(e.pending, ref)
	e.endMutationLocked()
	if idx := indexByRef(e.lines, ref); idx >= 0 {
		e.lines[idx].Quantity = t.base
	}
	e.recomputeLocked()
}

// dropTentativeLocked forgets any pending change for ref without touching the line.
func (e *Engine) dropTentativeLocked(ref string) {
	if _, ok := e.pending[ref]; ok {
		delete(e.pending, ref)
		e.endMutationLocked()
	}
	e.updates.Cancel(ref)
}
