// Package segment turns one drive's usable range and occupied volume extents
// into the ordered, gap-free segment sequence the presentation layer renders.
// The output always covers [0, total) exactly: reserved lips outside the
// usable range, occupied spans for volumes, free segments for the gaps.
package segment

import (
	"fmt"
	"log/slog"

	"go.uber.org/fx"

	"diskatlas/pkg/blockrange"
	"diskatlas/pkg/catalog"
	"diskatlas/pkg/config"
	"diskatlas/pkg/topology"
)

var Module = fx.Module("segment",
	fx.Provide(NewEngine),
)

// Kind discriminates segment flavors.
type Kind int

const (
	KindReserved Kind = iota
	KindOccupied
	KindFree
)

func (k Kind) String() string {
	switch k {
	case KindReserved:
		return "reserved"
	case KindOccupied:
		return "occupied"
	case KindFree:
		return "free"
	default:
		return "unknown"
	}
}

// Segment is one contiguous region of a drive. Node is set only for
// occupied segments. Actionable marks segments wide enough to offer
// interactive operations on; sub-threshold segments still exist so the
// sequence covers the disk exactly, the UI just hides them.
type Segment struct {
	Extent     blockrange.Range
	Kind       Kind
	Node       *topology.Node
	Actionable bool
}

// Anomaly records an inconsistency found while laying out segments. The
// offending extent is clamped or skipped; the rest of the sequence is
// unaffected.
type Anomaly struct {
	Device  string
	Kind    string // "outside-usable", "overlap"
	Detail  string
	Extents []blockrange.Range
}

// Engine builds segment sequences.
type Engine struct {
	logger   *slog.Logger
	minWidth uint64
}

func NewEngine(cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		logger:   logger.With("component", "segment"),
		minWidth: cfg.MinSegmentWidth,
	}
}

// BuildDrive produces the full segment sequence for a drive from its
// root-level occupied nodes (already ordered by the topology builder; for
// identical starts the original order is preserved so output stays
// deterministic for identical input).
func (e *Engine) BuildDrive(drive *catalog.Drive, nodes []*topology.Node) ([]Segment, []Anomaly) {
	total := drive.Size
	if total == 0 {
		return nil, nil
	}

	disk := blockrange.New(0, total)
	usable := disk
	if drive.UsableRange != nil {
		// The prober guarantees the range is a subset of [0, total); the
		// clamp is there so a violated guarantee degrades instead of
		// producing a non-covering sequence.
		usable = drive.UsableRange.Clamp(disk)
	}

	var segs []Segment
	var anomalies []Anomaly

	emit := func(extent blockrange.Range, kind Kind, node *topology.Node) {
		if extent.IsEmpty() {
			return
		}
		segs = append(segs, Segment{
			Extent:     extent,
			Kind:       kind,
			Node:       node,
			Actionable: extent.Len() >= e.minWidth,
		})
	}

	emit(blockrange.New(0, usable.Start), KindReserved, nil)

	cursor := usable.Start
	for _, node := range nodes {
		extent := node.Extent

		if !usable.ContainsRange(extent) {
			anomalies = append(anomalies, Anomaly{
				Device: drive.Device,
				Kind:   "outside-usable",
				Detail: fmt.Sprintf("occupied extent %v outside usable range %v", extent, usable),
				Extents: []blockrange.Range{extent, usable},
			})
			e.logger.Warn("occupied extent outside usable range, clamping",
				"device", drive.Device, "extent", extent.String(), "usable", usable.String())
			extent = extent.Clamp(usable)
			if extent.IsEmpty() {
				continue
			}
		}

		if extent.Start < cursor {
			anomalies = append(anomalies, Anomaly{
				Device: drive.Device,
				Kind:   "overlap",
				Detail: fmt.Sprintf("occupied extent %v overlaps previous segment ending at %d", extent, cursor),
				Extents: []blockrange.Range{extent},
			})
			e.logger.Warn("overlapping occupied extents, clamping",
				"device", drive.Device, "extent", extent.String(), "cursor", cursor)
			extent = extent.Clamp(blockrange.New(cursor, usable.End))
			if extent.IsEmpty() {
				continue
			}
		}

		emit(blockrange.New(cursor, extent.Start), KindFree, nil)
		emit(extent, KindOccupied, node)
		cursor = extent.End
	}

	emit(blockrange.New(cursor, usable.End), KindFree, nil)
	emit(blockrange.New(usable.End, total), KindReserved, nil)

	return segs, anomalies
}

// Visible applies the UI visibility policy: with showAll unset, reserved
// segments and sub-threshold segments are filtered out. This is a pure view
// filter; the underlying sequence is untouched.
func Visible(segs []Segment, showAll bool) []Segment {
	if showAll {
		return segs
	}
	out := make([]Segment, 0, len(segs))
	for _, s := range segs {
		if s.Kind == KindReserved || !s.Actionable {
			continue
		}
		out = append(out, s)
	}
	return out
}

// FreeAfter returns the length of the contiguous free segment immediately to
// the right of the occupied segment holding node, zero when the next segment
// is not free. The resize validator uses this as the growth headroom.
func FreeAfter(segs []Segment, node *topology.Node) uint64 {
	for i, s := range segs {
		if s.Kind == KindOccupied && s.Node == node {
			if i+1 < len(segs) && segs[i+1].Kind == KindFree {
				return segs[i+1].Extent.Len()
			}
			return 0
		}
	}
	return 0
}
