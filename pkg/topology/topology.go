// Package topology assembles per-drive volume trees from catalog facts.
// Nodes form a closed tagged variant (partition, filesystem, container);
// each node owns its children exclusively and carries no parent pointers.
package topology

import (
	"log/slog"
	"sort"

	"github.com/godbus/dbus/v5"
	"go.uber.org/fx"

	"diskatlas/pkg/blockrange"
	"diskatlas/pkg/catalog"
)

var Module = fx.Module("topology",
	fx.Provide(NewBuilder),
)

// Kind discriminates the volume node variants. The set is small and fixed;
// consumers switch over it exhaustively.
type Kind int

const (
	KindPartition Kind = iota
	KindFilesystem
	KindContainer
)

func (k Kind) String() string {
	switch k {
	case KindPartition:
		return "partition"
	case KindFilesystem:
		return "filesystem"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

// Node is one volume in a drive's tree. Only the fields of the active kind
// are meaningful. A node's extent is always a subset of its parent's extent.
type Node struct {
	Kind   Kind
	Extent blockrange.Range
	Object dbus.ObjectPath
	Device string

	// Partition fields
	Number uint32
	TypeID string // partition-table-local type identifier
	Name   string
	Flags  uint64

	// Filesystem fields
	FSType      string
	Label       string
	MountPoints []string
	UsedBytes   uint64
	TotalBytes  uint64

	// Container fields
	Locked bool

	Children []*Node
}

// Mounted reports whether a filesystem node is currently mounted.
func (n *Node) Mounted() bool {
	return n.Kind == KindFilesystem && len(n.MountPoints) > 0
}

// Walk visits the node and all descendants depth-first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// maxUnlockDepth bounds the container recursion. Real stacks rarely nest
// more than crypto-on-partition; the bound keeps a misreporting backend from
// recursing forever.
const maxUnlockDepth = 8

// Builder constructs volume trees.
type Builder struct {
	logger *slog.Logger
}

func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{logger: logger.With("component", "topology")}
}

// BuildDrive produces the ordered root-level occupied nodes for one drive.
// A malformed descendant is skipped with a logged anomaly and never aborts
// the rest of the tree.
func (b *Builder) BuildDrive(drive *catalog.Drive, inv *catalog.Inventory) []*Node {
	span := blockrange.New(0, drive.Size)
	if drive.UsableRange != nil {
		span = *drive.UsableRange
	}

	if drive.Table != catalog.TableNone {
		return b.buildTable(drive.Device, drive.Object, blockrange.New(0, drive.Size), inv, 0)
	}

	// No partition table. A filesystem signature directly on the block gets
	// a single node spanning the usable range, so a filesystem-on-loop image
	// is not misrepresented as 100% free space.
	fact := inv.DriveBlock(drive)
	if fact == nil {
		return nil
	}
	if node := b.contentNode(fact, span, inv, 0); node != nil {
		return []*Node{node}
	}
	return nil
}

// buildTable turns the partitions hosted on the given table object into
// ordered partition nodes inside bounds.
func (b *Builder) buildTable(device string, table dbus.ObjectPath, bounds blockrange.Range, inv *catalog.Inventory, depth int) []*Node {
	parts := inv.Partitions(table)

	// The catalog returns map order; establish the load-bearing ordering
	// here: ascending extent start, stable for identical starts.
	sort.SliceStable(parts, func(i, j int) bool {
		if parts[i].PartitionOffset != parts[j].PartitionOffset {
			return parts[i].PartitionOffset < parts[j].PartitionOffset
		}
		return parts[i].PartitionNumber < parts[j].PartitionNumber
	})

	var nodes []*Node
	for _, part := range parts {
		if part.PartitionSize == 0 {
			b.logger.Warn("skipping zero-size partition",
				"device", device, "object", string(part.Object))
			continue
		}

		// Partition offsets are relative to the device hosting the table,
		// so nested tables (inside an unlocked container) are translated by
		// the bounds start.
		extent := blockrange.FromOffsetSize(bounds.Start+part.PartitionOffset, part.PartitionSize)
		if extent.End < extent.Start { // offset+size overflowed
			b.logger.Warn("skipping partition with overflowing extent",
				"device", device, "object", string(part.Object),
				"offset", part.PartitionOffset, "size", part.PartitionSize)
			continue
		}
		if !bounds.ContainsRange(extent) {
			b.logger.Warn("partition extent escapes its parent, clamping",
				"device", device, "object", string(part.Object),
				"extent", extent.String(), "bounds", bounds.String())
			extent = extent.Clamp(bounds)
			if extent.IsEmpty() {
				continue
			}
		}

		node := &Node{
			Kind:   KindPartition,
			Extent: extent,
			Object: part.Object,
			Device: part.Device,
			Number: part.PartitionNumber,
			TypeID: part.PartitionType,
			Name:   part.PartitionName,
			Flags:  part.PartitionFlags,
		}
		if child := b.contentNode(part, extent, inv, depth); child != nil {
			node.Children = []*Node{child}
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// contentNode classifies what sits directly on a block: a crypto container,
// a filesystem, or nothing. Unlocked containers feed their cleartext block
// back through the same table-vs-filesystem rule.
func (b *Builder) contentNode(fact *catalog.BlockFact, extent blockrange.Range, inv *catalog.Inventory, depth int) *Node {
	if depth > maxUnlockDepth {
		b.logger.Warn("container nesting exceeds depth bound, truncating",
			"object", string(fact.Object))
		return nil
	}

	switch {
	case fact.HasEncrypted || fact.IDUsage == "crypto":
		node := &Node{
			Kind:   KindContainer,
			Extent: extent,
			Object: fact.Object,
			Device: fact.Device,
			Label:  fact.IDLabel,
			Locked: true,
		}
		clear := inv.Cleartext(fact)
		if clear == nil {
			return node
		}
		node.Locked = false

		// The cleartext block occupies the head of the container's extent;
		// the crypto header accounts for the size difference.
		childExtent := blockrange.FromOffsetSize(extent.Start, clear.Size).Clamp(extent)
		if clear.HasTable {
			node.Children = b.buildTable(clear.Device, clear.Object, childExtent, inv, depth+1)
		} else if child := b.contentNode(clear, childExtent, inv, depth+1); child != nil {
			node.Children = []*Node{child}
		}
		return node

	case fact.IDUsage == "filesystem":
		total := fact.FSSize
		if total == 0 {
			total = extent.Len()
		}
		return &Node{
			Kind:        KindFilesystem,
			Extent:      extent,
			Object:      fact.Object,
			Device:      fact.Device,
			FSType:      fact.IDType,
			Label:       fact.IDLabel,
			MountPoints: fact.MountPoints,
			UsedBytes:   fact.FSUsed,
			TotalBytes:  total,
		}

	default:
		return nil
	}
}

// OccupiedExtents returns the root nodes' extents in tree order, the input
// shape the segment engine consumes.
func OccupiedExtents(nodes []*Node) []blockrange.Range {
	out := make([]blockrange.Range, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Extent)
	}
	return out
}
