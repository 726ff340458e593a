// Package catalog enumerates block devices through the storage service and
// flattens their reported attributes into plain facts. It fetches data only;
// layout policy lives in the probe, topology and segment packages.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/godbus/dbus/v5"
	"go.uber.org/fx"

	"diskatlas/pkg/blockrange"
	"diskatlas/pkg/udisks"
)

var Module = fx.Module("catalog",
	fx.Provide(New),
)

// TableType identifies a drive's partition table scheme.
type TableType string

const (
	TableNone TableType = ""
	TableGPT  TableType = "gpt"
	TableDOS  TableType = "dos"
)

// Drive describes one top-level block device. Descriptors are constructed
// fresh on every enumeration pass and never mutated in place; a new pass
// replaces the old descriptor wholesale.
type Drive struct {
	Object      dbus.ObjectPath // whole-disk block object
	DriveObject dbus.ObjectPath // org.freedesktop.UDisks2.Drive object, if any

	Device string // device node, e.g. /dev/sda
	Vendor string
	Model  string
	Serial string

	Size  uint64
	Table TableType

	Removable   bool
	Optical     bool
	Loop        bool
	BackingFile string // loop devices only

	// UsableRange is populated by the usable-range prober. Nil when the
	// drive has no recognized table type.
	UsableRange *blockrange.Range

	// GUID is the GPT disk GUID, populated alongside UsableRange when the
	// header probe succeeds. Empty for DOS and untabled drives.
	GUID string
}

// BlockFact is the raw, per-object view of a block device as the service
// reports it. One fact may describe a whole disk, a partition, a crypto
// cleartext device or a logical volume; the topology builder sorts that out.
type BlockFact struct {
	Object dbus.ObjectPath
	Device string
	Size   uint64

	// Partition facts (present when the object carries the Partition interface)
	IsPartition     bool
	PartitionOffset uint64
	PartitionSize   uint64
	PartitionNumber uint32
	PartitionType   string // table-local type identifier (GUID or MBR id)
	PartitionName   string
	PartitionFlags  uint64
	Table           dbus.ObjectPath // owning partition table object

	// Content signature
	IDUsage string // "filesystem", "crypto", "raid", ...
	IDType  string // "ext4", "crypto_LUKS", "LVM2_member", ...
	IDLabel string

	// Partition table on this block, if any
	HasTable  bool
	TableType TableType

	// Filesystem state
	MountPoints []string
	FSSize      uint64
	FSUsed      uint64

	// Crypto container facts
	HasEncrypted    bool
	CleartextDevice dbus.ObjectPath // unlocked cleartext block, "/" when locked
	CryptoBacking   dbus.ObjectPath // on cleartext devices: the encrypted parent
}

// Mounted reports whether the block currently has at least one mount point.
func (f *BlockFact) Mounted() bool {
	return len(f.MountPoints) > 0
}

// Inventory is the full result of one enumeration pass.
type Inventory struct {
	Drives []*Drive
	Blocks map[dbus.ObjectPath]*BlockFact
}

// Catalog turns the storage service's object tree into an Inventory.
type Catalog struct {
	source udisks.ObjectSource
	logger *slog.Logger
}

func New(source udisks.ObjectSource, logger *slog.Logger) *Catalog {
	return &Catalog{
		source: source,
		logger: logger.With("component", "catalog"),
	}
}

// Enumerate fetches the object tree and maps it into fresh descriptors.
func (c *Catalog) Enumerate(ctx context.Context) (*Inventory, error) {
	objs, err := c.source.ManagedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate block objects: %w", err)
	}
	return c.mapObjects(objs), nil
}

func (c *Catalog) mapObjects(objs udisks.ObjectMap) *Inventory {
	inv := &Inventory{
		Blocks: make(map[dbus.ObjectPath]*BlockFact),
	}

	for path, ifaces := range objs {
		block, ok := ifaces[udisks.InterfaceBlock]
		if !ok {
			continue
		}
		if !udisks.IsBlockObject(path) {
			continue
		}

		fact := &BlockFact{
			Object:  path,
			Device:  udisks.PropBytesString(block, "Device"),
			Size:    udisks.PropUint64(block, "Size"),
			IDUsage: udisks.PropString(block, "IdUsage"),
			IDType:  udisks.PropString(block, "IdType"),
			IDLabel: udisks.PropString(block, "IdLabel"),
		}

		if part, ok := ifaces[udisks.InterfacePartition]; ok {
			fact.IsPartition = true
			fact.PartitionOffset = udisks.PropUint64(part, "Offset")
			fact.PartitionSize = udisks.PropUint64(part, "Size")
			fact.PartitionNumber = uint32(udisks.PropUint64(part, "Number"))
			fact.PartitionType = udisks.PropString(part, "Type")
			fact.PartitionName = udisks.PropString(part, "Name")
			fact.PartitionFlags = udisks.PropUint64(part, "Flags")
			fact.Table = udisks.PropObjectPath(part, "Table")
		}

		if table, ok := ifaces[udisks.InterfacePartitionTable]; ok {
			fact.HasTable = true
			fact.TableType = parseTableType(udisks.PropString(table, "Type"))
		}

		if fs, ok := ifaces[udisks.InterfaceFilesystem]; ok {
			fact.MountPoints = udisks.PropByteArrays(fs, "MountPoints")
			fact.FSSize = udisks.PropUint64(fs, "Size")
			fact.FSUsed = udisks.PropUint64(fs, "Used")
		}

		if enc, ok := ifaces[udisks.InterfaceEncrypted]; ok {
			fact.HasEncrypted = true
			fact.CleartextDevice = udisks.PropObjectPath(enc, "CleartextDevice")
		}

		if backing := udisks.PropObjectPath(block, "CryptoBackingDevice"); backing != "" && backing != "/" {
			fact.CryptoBacking = backing
		}

		inv.Blocks[path] = fact

		// Top-level drives: not a partition, not somebody's cleartext child.
		if !fact.IsPartition && fact.CryptoBacking == "" {
			drive := &Drive{
				Object:      path,
				DriveObject: udisks.PropObjectPath(block, "Drive"),
				Device:      fact.Device,
				Size:        fact.Size,
				Table:       fact.TableType,
			}

			if loop, ok := ifaces[udisks.InterfaceLoop]; ok {
				drive.Loop = true
				drive.BackingFile = udisks.PropBytesString(loop, "BackingFile")
			}

			if drive.DriveObject != "" && drive.DriveObject != "/" {
				if dr, ok := objs[drive.DriveObject]; ok {
					if props, ok := dr[udisks.InterfaceDrive]; ok {
						drive.Vendor = udisks.PropString(props, "Vendor")
						drive.Model = udisks.PropString(props, "Model")
						drive.Serial = udisks.PropString(props, "Serial")
						drive.Removable = udisks.PropBool(props, "Removable")
						drive.Optical = udisks.PropBool(props, "Optical")
					}
				}
			}

			inv.Drives = append(inv.Drives, drive)
		}
	}

	// Deterministic order for identical input.
	sort.Slice(inv.Drives, func(i, j int) bool {
		return inv.Drives[i].Device < inv.Drives[j].Device
	})

	c.logger.Debug("enumeration pass complete",
		"drives", len(inv.Drives), "blocks", len(inv.Blocks))
	return inv
}

// DriveBlock returns the whole-disk fact backing the drive.
func (inv *Inventory) DriveBlock(d *Drive) *BlockFact {
	return inv.Blocks[d.Object]
}

// Partitions returns the partitions of the table hosted on the given block
// object, unsorted. The topology builder orders them by extent.
func (inv *Inventory) Partitions(table dbus.ObjectPath) []*BlockFact {
	var out []*BlockFact
	for _, f := range inv.Blocks {
		if f.IsPartition && f.Table == table {
			out = append(out, f)
		}
	}
	return out
}

// Cleartext resolves an unlocked container's cleartext block fact, nil when
// the container is locked or the cleartext object vanished mid-pass.
func (inv *Inventory) Cleartext(container *BlockFact) *BlockFact {
	if container.CleartextDevice == "" || container.CleartextDevice == "/" {
		return nil
	}
	return inv.Blocks[container.CleartextDevice]
}

// DeviceIDs returns the set of block object paths, used by the polling
// fallback to diff passes.
func (inv *Inventory) DeviceIDs() map[dbus.ObjectPath]struct{} {
	ids := make(map[dbus.ObjectPath]struct{}, len(inv.Blocks))
	for path := range inv.Blocks {
		ids[path] = struct{}{}
	}
	return ids
}

func parseTableType(s string) TableType {
	switch s {
	case "gpt":
		return TableGPT
	case "dos":
		return TableDOS
	default:
		return TableNone
	}
}
