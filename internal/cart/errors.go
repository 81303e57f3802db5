package cart

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed input rejected before any network call.
	ErrValidation = errors.New("cart: validation failed")
	// ErrAuthRequired is returned when an operation needs a token the session does not hold.
	ErrAuthRequired = errors.New("cart: authentication required")
	// ErrRemote marks a backend or network failure during a remote call.
	ErrRemote = errors.New("cart: remote failure")
	// ErrLineNotFound indicates the referenced line is not in the cart.
	ErrLineNotFound = fmt.Errorf("line not found: %w", ErrValidation)
	// ErrCouponIneligible indicates the subtotal does not reach the coupon minimum purchase amount.
	ErrCouponIneligible = fmt.Errorf("coupon not eligible: %w", ErrValidation)
	// ErrClosed is returned when a quantity change reaches an engine that was already closed.
	ErrClosed = errors.New("cart: engine closed")
	// ErrEmptyCart is returned when an operation requires at least one line.
	ErrEmptyCart = fmt.Errorf("cart is empty: %w", ErrValidation)
)

const genericRemoteMessage = "something went wrong, please try again"

func validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// RemoteError describes a failed backend call. Message carries the backend's
// own message verbatim when it supplied one.
type RemoteError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("cart: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.UserMessage())
	if e.Err != nil && e.Err.Error() != e.Message {
		b.WriteString(" (")
		b.WriteString(e.Err.Error())
		b.WriteString(")")
	}
	return b.String()
}

// UserMessage returns the backend message or a generic fallback.
func (e *RemoteError) UserMessage() string {
	if e == nil {
		return ""
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return msg
	}
	return genericRemoteMessage
}

// Unwrap exposes the underlying transport error.
func (e *RemoteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is(err, ErrRemote) match every RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// asRemote normalises any backend error into a RemoteError tagged with op.
func asRemote(op string, err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		out := *remote
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	return &RemoteError{Op: op, Err: err}
}

// SkippedLine is a local line that could not be pushed to the backend during a merge.
type SkippedLine struct {
	Line Line
	Err  error
}

// PartialMergeError reports local lines that were left out of a merge. The
// merge itself succeeded; the accompanying state is valid.
type PartialMergeError struct {
	Skipped []SkippedLine
}

// Error implements the error interface.
func (e *PartialMergeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("cart: %d local line(s) could not be synchronised", len(e.Skipped))
}

// Unwrap returns the individual push failures.
func (e *PartialMergeError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := make([]error, 0, len(e.Skipped))
	for _, s := range e.Skipped {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errs
}
