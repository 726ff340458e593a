// Package udisks is a thin client for the UDisks2 storage service on the
// D-Bus system bus. It exposes enumeration, read-only device handles,
// object-lifecycle signals and the mutation calls the validator approves.
// No policy lives here.
package udisks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"
	"go.uber.org/fx"
)

const (
	// BusName is the well-known name of the UDisks2 service.
	BusName = "org.freedesktop.UDisks2"

	// ManagerPath is the ObjectManager root of the UDisks2 object tree.
	ManagerPath = dbus.ObjectPath("/org/freedesktop/UDisks2")

	// BlockDevicePrefix is the object path prefix for block devices.
	BlockDevicePrefix = "/org/freedesktop/UDisks2/block_devices/"

	InterfaceBlock          = "org.freedesktop.UDisks2.Block"
	InterfaceDrive          = "org.freedesktop.UDisks2.Drive"
	InterfacePartition      = "org.freedesktop.UDisks2.Partition"
	InterfacePartitionTable = "org.freedesktop.UDisks2.PartitionTable"
	InterfaceFilesystem     = "org.freedesktop.UDisks2.Filesystem"
	InterfaceEncrypted      = "org.freedesktop.UDisks2.Encrypted"
	InterfaceLoop           = "org.freedesktop.UDisks2.Loop"

	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"
)

var Module = fx.Module("udisks",
	fx.Provide(
		New,
		func(c *Client) ObjectSource { return c },
		func(c *Client) DeviceOpener { return c },
	),
)

// InterfaceProps maps a D-Bus interface name to its property bag.
type InterfaceProps map[string]map[string]dbus.Variant

// ObjectMap is the result shape of ObjectManager.GetManagedObjects.
type ObjectMap map[dbus.ObjectPath]InterfaceProps

// ObjectSource enumerates the storage service's object tree. The catalog
// consumes this interface so tests can feed literal property maps.
type ObjectSource interface {
	ManagedObjects(ctx context.Context) (ObjectMap, error)
}

// DeviceOpener hands out read-only device file handles without ever raising
// an interactive authorization prompt.
type DeviceOpener interface {
	OpenDeviceReadOnly(ctx context.Context, object dbus.ObjectPath) (*os.File, error)
}

// Client wraps a system-bus connection to UDisks2.
type Client struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// New connects to the system bus. The connection is closed on fx shutdown.
func New(lc fx.Lifecycle, logger *slog.Logger) (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	c := &Client{
		conn:   conn,
		logger: logger.With("component", "udisks"),
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return c.Close()
		},
	})

	return c, nil
}

// NewWithConn wraps an existing bus connection. Used by the CLI commands
// that run outside the fx app.
func NewWithConn(conn *dbus.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, logger: logger.With("component", "udisks")}
}

// Connect dials the system bus without fx lifecycle management.
func Connect(logger *slog.Logger) (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return NewWithConn(conn, logger), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// ManagedObjects fetches the full UDisks2 object tree in one call.
func (c *Client) ManagedObjects(ctx context.Context) (ObjectMap, error) {
	var objs ObjectMap
	obj := c.conn.Object(BusName, ManagerPath)
	err := obj.CallWithContext(ctx, objectManagerInterface+".GetManagedObjects", 0).Store(&objs)
	if err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objs, nil
}

// OpenDeviceReadOnly asks UDisks2 for a read-only fd on the block device.
// The auth.no_user_interaction option makes polkit deny instead of prompting,
// so a background probe can never pop an authorization dialog.
func (c *Client) OpenDeviceReadOnly(ctx context.Context, object dbus.ObjectPath) (*os.File, error) {
	options := map[string]dbus.Variant{
		"auth.no_user_interaction": dbus.MakeVariant(true),
	}

	var fd dbus.UnixFD
	obj := c.conn.Object(BusName, object)
	err := obj.CallWithContext(ctx, InterfaceBlock+".OpenDevice", 0, "r", options).Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", object, err)
	}

	return os.NewFile(uintptr(fd), string(object)), nil
}

// SubscribeObjectLifecycle installs match rules for InterfacesAdded and
// InterfacesRemoved under the UDisks2 object manager and returns the raw
// signal channel. The caller must drain the channel; Unsubscribe releases it.
func (c *Client) SubscribeObjectLifecycle(ctx context.Context) (chan *dbus.Signal, error) {
	err := c.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(ManagerPath),
		dbus.WithMatchInterface(objectManagerInterface),
	)
	if err != nil {
		return nil, fmt.Errorf("add signal match: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)
	return ch, nil
}

// Unsubscribe detaches a channel previously returned by
// SubscribeObjectLifecycle.
func (c *Client) Unsubscribe(ch chan *dbus.Signal) {
	c.conn.RemoveSignal(ch)
}

// CreatePartition asks the partition table object to create a partition.
// A size of zero is the backend's "maximal aligned size" sentinel; the
// mutation validator guarantees fill-to-max requests arrive that way.
func (c *Client) CreatePartition(ctx context.Context, table dbus.ObjectPath, offset, size uint64, typeID, name string) (dbus.ObjectPath, error) {
	var created dbus.ObjectPath
	obj := c.conn.Object(BusName, table)
	err := obj.CallWithContext(ctx, InterfacePartitionTable+".CreatePartition", 0,
		offset, size, typeID, name, map[string]dbus.Variant{}).Store(&created)
	if err != nil {
		return "", fmt.Errorf("create partition on %s: %w", table, err)
	}
	return created, nil
}

// ResizePartition resizes a partition. Size zero means maximal.
func (c *Client) ResizePartition(ctx context.Context, partition dbus.ObjectPath, size uint64) error {
	obj := c.conn.Object(BusName, partition)
	err := obj.CallWithContext(ctx, InterfacePartition+".Resize", 0,
		size, map[string]dbus.Variant{}).Err
	if err != nil {
		return fmt.Errorf("resize partition %s: %w", partition, err)
	}
	return nil
}

// Format formats a block device with the given filesystem type.
func (c *Client) Format(ctx context.Context, block dbus.ObjectPath, fstype string) error {
	obj := c.conn.Object(BusName, block)
	err := obj.CallWithContext(ctx, InterfaceBlock+".Format", 0,
		fstype, map[string]dbus.Variant{}).Err
	if err != nil {
		return fmt.Errorf("format %s: %w", block, err)
	}
	return nil
}

// DeletePartition removes a partition.
func (c *Client) DeletePartition(ctx context.Context, partition dbus.ObjectPath) error {
	obj := c.conn.Object(BusName, partition)
	err := obj.CallWithContext(ctx, InterfacePartition+".Delete", 0,
		map[string]dbus.Variant{}).Err
	if err != nil {
		return fmt.Errorf("delete partition %s: %w", partition, err)
	}
	return nil
}

// IsBlockObject reports whether the object path names a block device.
func IsBlockObject(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), BlockDevicePrefix)
}
