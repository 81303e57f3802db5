package cart

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// AddOn is an optional extra attached to a cart line (toppings, warranty, installation).
type AddOn struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  float64         `json:"quantity,omitempty"`
}

// Units returns the add-on quantity, defaulting to one when unset.
func (a AddOn) Units() int64 {
	if a.Quantity == 0 {
		return 1
	}
	return Units(a.Quantity)
}

// Line is a single product/variant entry in the cart.
type Line struct {
	ID                 string          `json:"id,omitempty"`
	ProductID          string          `json:"productId"`
	VariantID          string          `json:"productVariantUnitId,omitempty"`
	Quantity           float64         `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unitPrice"`
	AddOns             []AddOn         `json:"addOns,omitempty"`
	DisplayName        string          `json:"displayName,omitempty"`
	DisplayDescription string          `json:"displayDescription,omitempty"`
	OwnerStore         string          `json:"ownerStore,omitempty"`
}

// LineKey identifies a product/variant pair. At most one line per key survives a merge.
type LineKey struct {
	ProductID string
	VariantID string
}

// Key returns the product/variant identity of the line.
func (l Line) Key() LineKey {
	return LineKey{ProductID: strings.TrimSpace(l.ProductID), VariantID: strings.TrimSpace(l.VariantID)}
}

const localRefPrefix = "local:"

// Ref returns the handle callers use to address the line: the backend id once
// persisted, otherwise a deterministic local reference derived from the key.
func (l Line) Ref() string {
	if id := strings.TrimSpace(l.ID); id != "" {
		return id
	}
	k := l.Key()
	return localRefPrefix + k.ProductID + ":" + k.VariantID
}

// Persisted reports whether the backend has assigned an identifier to the line.
func (l Line) Persisted() bool {
	return strings.TrimSpace(l.ID) != ""
}

// Units is the floored quantity of the line.
func (l Line) Units() int64 {
	return Units(l.Quantity)
}

// UnitTotal is the base price plus every add-on price for a single unit.
func (l Line) UnitTotal() decimal.Decimal {
	total := l.UnitPrice
	for _, addOn := range l.AddOns {
		total = total.Add(addOn.UnitPrice)
	}
	return total
}

// Price is the effective line price: (unitPrice + Σ addOn.unitPrice) × floor(quantity).
func (l Line) Price() decimal.Decimal {
	return l.UnitTotal().Mul(decimal.NewFromInt(l.Units()))
}

func (l Line) clone() Line {
	out := l
	if l.AddOns != nil {
		out.AddOns = append([]AddOn(nil), l.AddOns...)
	}
	return out
}

// Units floors an upstream quantity. Negative, NaN and infinite values count as zero.
func Units(q float64) int64 {
	if math.IsNaN(q) || math.IsInf(q, 0) || q <= 0 {
		return 0
	}
	return int64(math.Floor(q))
}

func isWholeQuantity(q float64) bool {
	if math.IsNaN(q) || math.IsInf(q, 0) {
		return false
	}
	return q == math.Trunc(q)
}

func cloneLines(lines []Line) []Line {
	if len(lines) == 0 {
		return []Line{}
	}
	out := make([]Line, len(lines))
	for i, line := range lines {
		out[i] = line.clone()
	}
	return out
}

func indexByRef(lines []Line, ref string) int {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return -1
	}
	for i, line := range lines {
		if line.Ref() == ref {
			return i
		}
	}
	return -1
}

func indexByKey(lines []Line, key LineKey) int {
	for i, line := range lines {
		if line.Key() == key {
			return i
		}
	}
	return -1
}
