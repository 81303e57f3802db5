package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Pusher is the part of the backend a merge writes through.
type Pusher interface {
	AddLine(ctx context.Context, token string, req AddLineRequest) (Line, error)
	EditLine(ctx context.Context, token string, req EditLineRequest) (Line, error)
}

// MergeResult is the outcome of reconciling a local cart with the server cart.
type MergeResult struct {
	Lines   []Line
	Skipped []SkippedLine
	// Pushed counts local-only lines created on the backend.
	Pushed int
	// Raised counts server lines whose quantity was raised to the local value.
	Raised int
}

var errMissingLineID = errors.New("backend returned a line without id")

// Merge reconciles the locally persisted cart with the authoritative server
// cart. Server lines seed the result. A local line with a server counterpart
// raises the quantity to max(server, local), never the sum, and backfills
// display fields the server lacks. Local-only lines are pushed to the backend
// one by one; a failed push is recorded in Skipped and the loop carries on.
// Merge never fails as a whole.
func Merge(ctx context.Context, token string, local, server []Line, pusher Pusher, logger zerolog.Logger) MergeResult {
	result := MergeResult{Lines: make([]Line, 0, len(server)+len(local))}

	for _, line := range server {
		if idx := indexByKey(result.Lines, line.Key()); idx >= 0 {
			if Units(line.Quantity) > result.Lines[idx].Units() {
				result.Lines[idx].Quantity = float64(Units(line.Quantity))
			}
			logger.Debug().Str("product_id", line.ProductID).Str("line_id", line.ID).Msg("cart_merge_duplicate_server_line")
			continue
		}
		result.Lines = append(result.Lines, line.clone())
	}

	localByKey := make(map[LineKey]Line, len(local))
	for _, line := range local {
		key := line.Key()
		if _, seen := localByKey[key]; !seen {
			localByKey[key] = line
		}
		if err := ctx.Err(); err != nil {
			result.skip(line, err)
			continue
		}
		units := line.Units()
		if key.ProductID == "" || units <= 0 {
			result.skip(line, validationf("local line for product %q has no usable quantity", key.ProductID))
			continue
		}

		if idx := indexByKey(result.Lines, key); idx >= 0 {
			existing := &result.Lines[idx]
			backfillDisplay(existing, line)
			if units <= existing.Units() {
				continue
			}
			if existing.Persisted() {
				if pusher == nil {
					result.skip(line, &RemoteError{Op: "edit line", Err: errors.New("no backend configured")})
					continue
				}
				_, err := pusher.EditLine(ctx, token, EditLineRequest{
					LineID:    existing.ID,
					ProductID: existing.ProductID,
					VariantID: existing.VariantID,
					Quantity:  units,
				})
				if err != nil {
					logger.Warn().Err(err).Str("product_id", key.ProductID).Str("line_id", existing.ID).Msg("cart_merge_raise_failed")
					result.skip(line, asRemote("edit line", err))
					continue
				}
			}
			existing.Quantity = float64(units)
			result.Raised++
			continue
		}

		if pusher == nil {
			result.skip(line, &RemoteError{Op: "add line", Err: errors.New("no backend configured")})
			continue
		}
		created, err := pusher.AddLine(ctx, token, AddLineRequest{
			ProductID: key.ProductID,
			VariantID: key.VariantID,
			Quantity:  units,
			AddOns:    line.AddOns,
		})
		if err == nil && !created.Persisted() {
			err = &RemoteError{Op: "add line", Err: errMissingLineID}
		}
		if err != nil {
			logger.Warn().Err(err).Str("product_id", key.ProductID).Msg("cart_merge_push_failed")
			result.skip(line, asRemote("add line", err))
			continue
		}
		created = adoptLocal(created, line)
		if idx := indexByKey(result.Lines, created.Key()); idx >= 0 {
			if created.Units() > result.Lines[idx].Units() {
				result.Lines[idx].Quantity = created.Quantity
			}
		} else {
			result.Lines = append(result.Lines, created)
		}
		result.Pushed++
	}

	for i := range result.Lines {
		if source, ok := localByKey[result.Lines[i].Key()]; ok {
			backfillAddOnNames(&result.Lines[i], source)
		}
	}
	return result
}

func (r *MergeResult) skip(line Line, err error) {
	r.Skipped = append(r.Skipped, SkippedLine{Line: line.clone(), Err: err})
}

func backfillDisplay(dst *Line, src Line) {
	if dst.DisplayName == "" {
		dst.DisplayName = src.DisplayName
	}
	if dst.DisplayDescription == "" {
		dst.DisplayDescription = src.DisplayDescription
	}
	if dst.OwnerStore == "" {
		dst.OwnerStore = src.OwnerStore
	}
}

// adoptLocal fills gaps in a freshly created backend line from the local line it came from.
func adoptLocal(created Line, local Line) Line {
	out := created.clone()
	if out.ProductID == "" {
		out.ProductID = local.ProductID
	}
	if out.VariantID == "" {
		out.VariantID = local.VariantID
	}
	if out.Units() <= 0 {
		out.Quantity = float64(local.Units())
	}
	if len(out.AddOns) == 0 && len(local.AddOns) > 0 {
		out.AddOns = append([]AddOn(nil), local.AddOns...)
	}
	backfillDisplay(&out, local)
	return out
}

// backfillAddOnNames substitutes missing add-on names by position.
func backfillAddOnNames(dst *Line, src Line) {
	for j := range dst.AddOns {
		if dst.AddOns[j].Name != "" || j >= len(src.AddOns) {
			continue
		}
		dst.AddOns[j].Name = src.AddOns[j].Name
	}
}

func (r MergeResult) partialError() error {
	if len(r.Skipped) == 0 {
		return nil
	}
	return &PartialMergeError{Skipped: r.Skipped}
}

func (r MergeResult) String() string {
	return fmt.Sprintf("lines=%d pushed=%d raised=%d skipped=%d", len(r.Lines), r.Pushed, r.Raised, len(r.Skipped))
}
