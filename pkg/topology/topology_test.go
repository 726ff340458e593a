package topology

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"

	"diskatlas/pkg/blockrange"
	"diskatlas/pkg/catalog"
)

const (
	mib = uint64(1024 * 1024)
	gib = uint64(1024 * 1024 * 1024)
)

func testBuilder() *Builder {
	return NewBuilder(slog.New(slog.DiscardHandler))
}

func blockPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/freedesktop/UDisks2/block_devices/" + name)
}

func inventory(drives []*catalog.Drive, facts ...*catalog.BlockFact) *catalog.Inventory {
	inv := &catalog.Inventory{
		Drives: drives,
		Blocks: make(map[dbus.ObjectPath]*catalog.BlockFact),
	}
	for _, f := range facts {
		inv.Blocks[f.Object] = f
	}
	return inv
}

func gptDrive(name string, size uint64) *catalog.Drive {
	usable := blockrange.New(mib, size-mib)
	return &catalog.Drive{
		Object:      blockPath(name),
		Device:      "/dev/" + name,
		Size:        size,
		Table:       catalog.TableGPT,
		UsableRange: &usable,
	}
}

func TestBuildDriveOrdersPartitions(t *testing.T) {
	drive := gptDrive("sda", 100*gib)

	// Facts arrive in map order; feed them deliberately out of order.
	p2 := &catalog.BlockFact{
		Object: blockPath("sda2"), Device: "/dev/sda2",
		IsPartition: true, Table: drive.Object,
		PartitionOffset: 50 * gib, PartitionSize: 10 * gib, PartitionNumber: 2,
	}
	p1 := &catalog.BlockFact{
		Object: blockPath("sda1"), Device: "/dev/sda1",
		IsPartition: true, Table: drive.Object,
		PartitionOffset: mib, PartitionSize: 50*gib - mib, PartitionNumber: 1,
		IDUsage: "filesystem", IDType: "ext4", IDLabel: "root",
		MountPoints: []string{"/"}, FSSize: 50*gib - mib, FSUsed: 10 * gib,
	}
	inv := inventory(nil, &catalog.BlockFact{Object: drive.Object, Device: drive.Device, Size: drive.Size}, p2, p1)

	nodes := testBuilder().BuildDrive(drive, inv)
	if len(nodes) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(nodes))
	}
	if nodes[0].Number != 1 || nodes[1].Number != 2 {
		t.Errorf("partitions not ordered by extent start: %d, %d",
			nodes[0].Number, nodes[1].Number)
	}
	if nodes[0].Kind != KindPartition {
		t.Errorf("root node kind: got %s", nodes[0].Kind)
	}

	// The mounted filesystem hangs off its partition.
	if len(nodes[0].Children) != 1 {
		t.Fatalf("expected filesystem child on sda1, got %d children", len(nodes[0].Children))
	}
	fs := nodes[0].Children[0]
	if fs.Kind != KindFilesystem || fs.FSType != "ext4" || !fs.Mounted() {
		t.Errorf("unexpected filesystem child: %+v", fs)
	}
	if fs.UsedBytes != 10*gib {
		t.Errorf("fs usage: got %d", fs.UsedBytes)
	}

	// Containment invariant: every child extent inside its parent.
	for _, n := range nodes {
		n.Walk(func(c *Node) {
			if !n.Extent.ContainsRange(c.Extent) {
				t.Errorf("child extent %v escapes parent %v", c.Extent, n.Extent)
			}
		})
	}

	if len(nodes[1].Children) != 0 {
		t.Errorf("bare partition should have no children, got %d", len(nodes[1].Children))
	}
}

func TestBuildDriveLoopFilesystem(t *testing.T) {
	// Loop device: no table, ext4 signature directly on the block.
	drive := &catalog.Drive{
		Object: blockPath("loop0"),
		Device: "/dev/loop0",
		Size:   gib,
		Loop:   true,
		Table:  catalog.TableNone,
	}
	inv := inventory(nil, &catalog.BlockFact{
		Object: drive.Object, Device: drive.Device, Size: drive.Size,
		IDUsage: "filesystem", IDType: "ext4", IDLabel: "image",
	})

	nodes := testBuilder().BuildDrive(drive, inv)
	if len(nodes) != 1 {
		t.Fatalf("expected exactly one synthesized filesystem node, got %d", len(nodes))
	}
	fs := nodes[0]
	if fs.Kind != KindFilesystem {
		t.Fatalf("expected filesystem node, got %s", fs.Kind)
	}
	if fs.Extent != blockrange.New(0, gib) {
		t.Errorf("synthesized filesystem should span the whole block, got %v", fs.Extent)
	}
}

func TestBuildDriveEmpty(t *testing.T) {
	drive := &catalog.Drive{
		Object: blockPath("sdb"),
		Device: "/dev/sdb",
		Size:   gib,
		Table:  catalog.TableNone,
	}
	inv := inventory(nil, &catalog.BlockFact{
		Object: drive.Object, Device: drive.Device, Size: drive.Size,
	})

	if nodes := testBuilder().BuildDrive(drive, inv); len(nodes) != 0 {
		t.Errorf("blank drive should yield zero occupied nodes, got %d", len(nodes))
	}
}

func TestBuildDriveUnlockedContainer(t *testing.T) {
	drive := gptDrive("sdb", 10*gib)
	luks := &catalog.BlockFact{
		Object: blockPath("sdb1"), Device: "/dev/sdb1",
		IsPartition: true, Table: drive.Object,
		PartitionOffset: mib, PartitionSize: 10*gib - 2*mib, PartitionNumber: 1,
		IDUsage: "crypto", IDType: "crypto_LUKS",
		HasEncrypted:    true,
		CleartextDevice: blockPath("dm_0"),
	}
	clear := &catalog.BlockFact{
		Object: blockPath("dm_0"), Device: "/dev/dm-0",
		Size:          10*gib - 2*mib - 16*mib, // LUKS header overhead
		CryptoBacking: luks.Object,
		IDUsage:       "filesystem", IDType: "ext4", IDLabel: "secrets",
	}
	inv := inventory(nil, &catalog.BlockFact{Object: drive.Object, Size: drive.Size}, luks, clear)

	nodes := testBuilder().BuildDrive(drive, inv)
	if len(nodes) != 1 {
		t.Fatalf("expected 1 partition, got %d", len(nodes))
	}
	part := nodes[0]
	if len(part.Children) != 1 || part.Children[0].Kind != KindContainer {
		t.Fatalf("expected container child, got %+v", part.Children)
	}
	container := part.Children[0]
	if container.Locked {
		t.Error("container with cleartext device must be unlocked")
	}
	if len(container.Children) != 1 || container.Children[0].Kind != KindFilesystem {
		t.Fatalf("expected filesystem inside container, got %+v", container.Children)
	}
	fs := container.Children[0]
	if fs.FSType != "ext4" || fs.Label != "secrets" {
		t.Errorf("cleartext filesystem fields: %+v", fs)
	}
	if !container.Extent.ContainsRange(fs.Extent) {
		t.Errorf("filesystem extent %v escapes container %v", fs.Extent, container.Extent)
	}
}

func TestBuildDriveLockedContainer(t *testing.T) {
	drive := gptDrive("sdb", 10*gib)
	luks := &catalog.BlockFact{
		Object: blockPath("sdb1"), Device: "/dev/sdb1",
		IsPartition: true, Table: drive.Object,
		PartitionOffset: mib, PartitionSize: gib, PartitionNumber: 1,
		IDUsage: "crypto", IDType: "crypto_LUKS",
		HasEncrypted:    true,
		CleartextDevice: "/",
	}
	inv := inventory(nil, &catalog.BlockFact{Object: drive.Object, Size: drive.Size}, luks)

	nodes := testBuilder().BuildDrive(drive, inv)
	if len(nodes) != 1 || len(nodes[0].Children) != 1 {
		t.Fatalf("expected partition with container child, got %+v", nodes)
	}
	container := nodes[0].Children[0]
	if !container.Locked {
		t.Error("container without cleartext device must be locked")
	}
	if len(container.Children) != 0 {
		t.Errorf("locked container must own no children, got %d", len(container.Children))
	}
}

func TestBuildDriveContainerDepthBound(t *testing.T) {
	// Two crypto blocks reporting each other as cleartext device form a
	// cycle; the builder must truncate the chain instead of recursing
	// forever.
	drive := &catalog.Drive{
		Object: blockPath("sde"),
		Device: "/dev/sde",
		Size:   gib,
		Table:  catalog.TableNone,
	}
	outer := &catalog.BlockFact{
		Object: drive.Object, Device: drive.Device, Size: gib,
		IDUsage: "crypto", IDType: "crypto_LUKS",
		HasEncrypted:    true,
		CleartextDevice: blockPath("dm_loop"),
	}
	inner := &catalog.BlockFact{
		Object: blockPath("dm_loop"), Device: "/dev/dm-loop", Size: gib,
		IDUsage: "crypto", IDType: "crypto_LUKS",
		HasEncrypted:    true,
		CleartextDevice: drive.Object,
		CryptoBacking:   drive.Object,
	}
	inv := inventory(nil, outer, inner)

	nodes := testBuilder().BuildDrive(drive, inv)
	if len(nodes) != 1 {
		t.Fatalf("expected a single container chain, got %d roots", len(nodes))
	}

	depth := 0
	n := nodes[0]
	for len(n.Children) > 0 {
		if n.Kind != KindContainer {
			t.Fatalf("expected container at depth %d, got %s", depth, n.Kind)
		}
		if len(n.Children) != 1 {
			t.Fatalf("container chain fanned out at depth %d", depth)
		}
		n = n.Children[0]
		depth++
	}
	if depth != maxUnlockDepth {
		t.Errorf("chain truncated at depth %d, want %d", depth, maxUnlockDepth)
	}
}

func TestBuildDriveNestedTable(t *testing.T) {
	// A partition table inside an unlocked container: nested partition
	// offsets are relative to the cleartext device and must be translated.
	drive := gptDrive("sdc", 10*gib)
	luks := &catalog.BlockFact{
		Object: blockPath("sdc1"), Device: "/dev/sdc1",
		IsPartition: true, Table: drive.Object,
		PartitionOffset: 2 * mib, PartitionSize: 8 * gib, PartitionNumber: 1,
		IDUsage:         "crypto",
		HasEncrypted:    true,
		CleartextDevice: blockPath("dm_1"),
	}
	clear := &catalog.BlockFact{
		Object: blockPath("dm_1"), Device: "/dev/dm-1",
		Size:          8*gib - 16*mib,
		CryptoBacking: luks.Object,
		HasTable:      true, TableType: catalog.TableGPT,
	}
	inner := &catalog.BlockFact{
		Object: blockPath("dm_1p1"), Device: "/dev/dm-1p1",
		IsPartition: true, Table: clear.Object,
		PartitionOffset: mib, PartitionSize: gib, PartitionNumber: 1,
	}
	inv := inventory(nil, &catalog.BlockFact{Object: drive.Object, Size: drive.Size}, luks, clear, inner)

	nodes := testBuilder().BuildDrive(drive, inv)
	container := nodes[0].Children[0]
	if len(container.Children) != 1 {
		t.Fatalf("expected nested partition, got %+v", container.Children)
	}
	nested := container.Children[0]
	wantStart := 2*mib + mib // container start + inner offset
	if nested.Extent.Start != wantStart {
		t.Errorf("nested partition start: got %d, want %d", nested.Extent.Start, wantStart)
	}
	if !container.Extent.ContainsRange(nested.Extent) {
		t.Errorf("nested extent %v escapes container %v", nested.Extent, container.Extent)
	}
}

func TestBuildDriveSkipsMalformedDescendant(t *testing.T) {
	drive := gptDrive("sdd", 10*gib)
	good := &catalog.BlockFact{
		Object: blockPath("sdd1"), Device: "/dev/sdd1",
		IsPartition: true, Table: drive.Object,
		PartitionOffset: mib, PartitionSize: gib, PartitionNumber: 1,
	}
	zeroSize := &catalog.BlockFact{
		Object: blockPath("sdd2"), Device: "/dev/sdd2",
		IsPartition: true, Table: drive.Object,
		PartitionOffset: 2 * gib, PartitionSize: 0, PartitionNumber: 2,
	}
	inv := inventory(nil, &catalog.BlockFact{Object: drive.Object, Size: drive.Size}, good, zeroSize)

	nodes := testBuilder().BuildDrive(drive, inv)
	if len(nodes) != 1 {
		t.Fatalf("malformed partition should be skipped, not abort: got %d nodes", len(nodes))
	}
	if nodes[0].Number != 1 {
		t.Errorf("surviving partition: got number %d", nodes[0].Number)
	}
}

func TestBuildDriveIdempotent(t *testing.T) {
	drive := gptDrive("sda", 100*gib)
	p1 := &catalog.BlockFact{
		Object: blockPath("sda1"), Device: "/dev/sda1",
		IsPartition: true, Table: drive.Object,
		PartitionOffset: mib, PartitionSize: 50 * gib, PartitionNumber: 1,
		IDUsage: "filesystem", IDType: "ext4",
	}
	p2 := &catalog.BlockFact{
		Object: blockPath("sda2"), Device: "/dev/sda2",
		IsPartition: true, Table: drive.Object,
		PartitionOffset: mib + 50*gib, PartitionSize: 10 * gib, PartitionNumber: 2,
	}
	inv := inventory(nil, &catalog.BlockFact{Object: drive.Object, Size: drive.Size}, p1, p2)

	a := testBuilder().BuildDrive(drive, inv)
	b := testBuilder().BuildDrive(drive, inv)
	if !reflect.DeepEqual(a, b) {
		t.Error("identical input must produce structurally identical trees")
	}
}

func TestOccupiedExtents(t *testing.T) {
	nodes := []*Node{
		{Extent: blockrange.New(mib, gib)},
		{Extent: blockrange.New(gib, 2*gib)},
	}
	got := OccupiedExtents(nodes)
	if len(got) != 2 || got[0].Start != mib || got[1].End != 2*gib {
		t.Errorf("unexpected extents %v", got)
	}
}
