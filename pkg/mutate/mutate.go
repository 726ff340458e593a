// Package mutate validates and normalizes create/resize requests before they
// are handed to the storage backend, so the UI never submits an operation
// the backend is guaranteed to reject. Violations come back as typed
// rejections naming the rule that failed, not backend error strings.
package mutate

import (
	"fmt"
	"log/slog"

	"go.uber.org/fx"

	"diskatlas/pkg/blockrange"
	"diskatlas/pkg/catalog"
)

var Module = fx.Module("mutate",
	fx.Provide(NewValidator),
)

// minResizeWindow is the smallest useful gap between the minimum and maximum
// size of a resize; below it the operation is disabled outright rather than
// offered and then clamped to a no-op.
const minResizeWindow = 1024

// Rule identifies which validation rule a request violated.
type Rule int

const (
	// RuleNoUsableRange: the drive has no recognized partition table, so
	// there is no legal create/resize target on it.
	RuleNoUsableRange Rule = iota
	// RuleEmptyExtent: the requested extent covers zero bytes.
	RuleEmptyExtent
	// RuleOutsideUsable: the requested extent is not fully contained in the
	// drive's usable range. Rejected, never silently clamped.
	RuleOutsideUsable
	// RuleResizeWindow: the resize window is too narrow to be useful; the
	// operation is disabled entirely.
	RuleResizeWindow
	// RuleResizeOutOfBounds: the requested size falls outside the computed
	// min/max window.
	RuleResizeOutOfBounds
)

func (r Rule) String() string {
	switch r {
	case RuleNoUsableRange:
		return "no-usable-range"
	case RuleEmptyExtent:
		return "empty-extent"
	case RuleOutsideUsable:
		return "outside-usable"
	case RuleResizeWindow:
		return "resize-window"
	case RuleResizeOutOfBounds:
		return "resize-out-of-bounds"
	default:
		return "unknown"
	}
}

// Rejection is the typed validation failure. It satisfies error so it can
// flow through ordinary error returns while callers branch on Rule.
type Rejection struct {
	Rule   Rule
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("request rejected (%s): %s", r.Rule, r.Detail)
}

func reject(rule Rule, format string, args ...any) *Rejection {
	return &Rejection{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// CreateRequest is a proposed create-partition operation.
type CreateRequest struct {
	Extent    blockrange.Range
	FillToMax bool // consume all remaining contiguous free space
	TypeID    string
	Name      string
}

// NormalizedCreate is a validated request ready for backend submission.
// Length zero is the backend's "choose the maximal aligned size" sentinel;
// fill-to-max requests always normalize that way, because the backend's own
// alignment logic is authoritative for exact boundaries.
type NormalizedCreate struct {
	Offset uint64
	Length uint64
	TypeID string
	Name   string
}

// ResizeBounds is the legal size window for a resize operation.
type ResizeBounds struct {
	Min uint64 // bytes in use on the volume; shrinking below would lose data
	Max uint64 // current size plus the contiguous free space to the right
}

// Validator checks mutation requests against a drive's layout.
type Validator struct {
	logger *slog.Logger
}

func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{logger: logger.With("component", "mutate")}
}

// ValidateCreate checks a create request against the drive's usable range
// and returns the normalized form.
func (v *Validator) ValidateCreate(drive *catalog.Drive, req CreateRequest) (NormalizedCreate, error) {
	if drive.UsableRange == nil {
		return NormalizedCreate{}, reject(RuleNoUsableRange,
			"drive %s has no partition table", drive.Device)
	}
	usable := *drive.UsableRange

	if req.FillToMax {
		if !usable.Contains(req.Extent.Start) {
			return NormalizedCreate{}, reject(RuleOutsideUsable,
				"start offset %d outside usable range %v", req.Extent.Start, usable)
		}
		return NormalizedCreate{
			Offset: req.Extent.Start,
			Length: 0, // backend chooses the maximal aligned size
			TypeID: req.TypeID,
			Name:   req.Name,
		}, nil
	}

	if req.Extent.IsEmpty() {
		return NormalizedCreate{}, reject(RuleEmptyExtent,
			"extent %v covers zero bytes", req.Extent)
	}
	if !usable.ContainsRange(req.Extent) {
		return NormalizedCreate{}, reject(RuleOutsideUsable,
			"extent %v not contained in usable range %v", req.Extent, usable)
	}

	return NormalizedCreate{
		Offset: req.Extent.Start,
		Length: req.Extent.Len(),
		TypeID: req.TypeID,
		Name:   req.Name,
	}, nil
}

// ComputeResizeBounds derives the legal window for resizing a volume of
// currentSize with usedBytes in use and freeRight contiguous free bytes
// immediately to its right. Whether shrinking is possible depends on the
// filesystem driver, so availability is judged against the growth headroom
// from the committed floor (the larger of used and current size); when that
// headroom is under 1024 bytes the operation is disabled entirely rather
// than offered and clamped to a no-op.
func (v *Validator) ComputeResizeBounds(usedBytes, currentSize, freeRight uint64) (ResizeBounds, error) {
	bounds := ResizeBounds{
		Min: usedBytes,
		Max: currentSize + freeRight,
	}
	floor := max(bounds.Min, currentSize)
	if bounds.Max < floor || bounds.Max-floor < minResizeWindow {
		return ResizeBounds{}, reject(RuleResizeWindow,
			"resize window [%d, %d] narrower than %d bytes", floor, bounds.Max, minResizeWindow)
	}
	return bounds, nil
}

// ValidateResize checks a requested new size against the computed window.
// A requested size of zero is the fill-to-max sentinel and is always legal
// once the window itself is.
func (v *Validator) ValidateResize(usedBytes, currentSize, freeRight, requested uint64) (uint64, error) {
	bounds, err := v.ComputeResizeBounds(usedBytes, currentSize, freeRight)
	if err != nil {
		return 0, err
	}
	if requested == 0 {
		return 0, nil
	}
	if requested < bounds.Min || requested > bounds.Max {
		return 0, reject(RuleResizeOutOfBounds,
			"requested size %d outside window [%d, %d]", requested, bounds.Min, bounds.Max)
	}
	return requested, nil
}

// RejectionRule extracts the rule from a validation error, with ok=false
// for non-rejection errors (e.g. backend failures propagated verbatim).
func RejectionRule(err error) (Rule, bool) {
	if r, ok := err.(*Rejection); ok {
		return r.Rule, true
	}
	return 0, false
}
