package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"diskatlas/pkg/blockrange"
	"diskatlas/pkg/catalog"
	"diskatlas/pkg/config"
	"diskatlas/pkg/db"
	"diskatlas/pkg/db/queries"
	"diskatlas/pkg/mutate"
	"diskatlas/pkg/pipeline"
	"diskatlas/pkg/probe"
	"diskatlas/pkg/segment"
	"diskatlas/pkg/topology"
	"diskatlas/pkg/udisks"
	"diskatlas/pkg/watcher"
)

// CLI is the root command structure
type CLI struct {
	// Global flags
	LogLevel string `short:"l" default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`

	// Subcommands
	Monitor   MonitorCmd   `cmd:"" help:"Run the live monitoring daemon"`
	Drives    DrivesCmd    `cmd:"" help:"Drive operations"`
	Segments  SegmentsCmd  `cmd:"" help:"Show the segment layout of a drive"`
	Plan      PlanCmd      `cmd:"" help:"Validate partition operations without executing them"`
	Events    EventsCmd    `cmd:"" help:"Show journaled device change events"`
	Anomalies AnomaliesCmd `cmd:"" help:"Show journaled layout anomalies"`
}

// MonitorCmd runs the long-lived monitoring daemon: watcher-driven pipeline
// passes with anomalies and change events journaled to the database.
type MonitorCmd struct{}

func (c *MonitorCmd) Run(cli *CLI) error {
	app := fx.New(
		fx.Provide(
			func() *config.Config {
				cfg := config.New()
				cfg.LogLevel = cli.LogLevel
				return cfg
			},
			provideLogger,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		db.Module,
		udisks.Module,
		catalog.Module,
		probe.Module,
		topology.Module,
		segment.Module,
		pipeline.Module,
		fx.Invoke(runMonitor),
	)

	app.Run()
	return nil
}

func runMonitor(lc fx.Lifecycle, p *pipeline.Pipeline, w *watcher.Watcher) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				p.Run(ctx, w)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// snapshotOnce runs a single modeling pass against the live bus, for the
// one-shot CLI commands.
func snapshotOnce(cli *CLI) (*pipeline.Snapshot, error) {
	logger := makeLogger(cli.LogLevel)
	cfg := config.New()

	client, err := udisks.Connect(logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	cat := catalog.New(client, logger)
	prober := probe.New(client, cfg, logger)
	builder := topology.NewBuilder(logger)
	engine := segment.NewEngine(cfg, logger)
	p := pipeline.New(cat, prober, builder, engine, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.Refresh(ctx)
}

// DrivesCmd contains drive subcommands
type DrivesCmd struct {
	List DrivesListCmd `cmd:"" help:"List drives"`
	Show DrivesShowCmd `cmd:"" help:"Show one drive's volume tree"`
}

// DrivesListCmd lists drives
type DrivesListCmd struct{}

func (c *DrivesListCmd) Run(cli *CLI) error {
	snap, err := snapshotOnce(cli)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Device", "Model", "Size", "Table", "Usable", "Volumes"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})

	for _, view := range snap.Drives {
		d := view.Drive
		model := d.Model
		if d.Loop {
			model = "loop: " + d.BackingFile
		}
		tableType := string(d.Table)
		if tableType == "" {
			tableType = "none"
		}
		usable := "-"
		if d.UsableRange != nil {
			usable = humanize.IBytes(d.UsableRange.Len())
		}
		t.AppendRow(table.Row{
			d.Device,
			model,
			humanize.IBytes(d.Size),
			tableType,
			usable,
			len(view.Nodes),
		})
	}
	t.Render()
	return nil
}

// DrivesShowCmd shows one drive's volume tree
type DrivesShowCmd struct {
	Device string `arg:"" help:"Device node, e.g. /dev/sda"`
}

func (c *DrivesShowCmd) Run(cli *CLI) error {
	snap, err := snapshotOnce(cli)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	view := snap.Drive(c.Device)
	if view == nil {
		return fmt.Errorf("no such drive: %s", c.Device)
	}
	d := view.Drive

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendRow(table.Row{"Device", d.Device})
	if d.Vendor != "" || d.Model != "" {
		t.AppendRow(table.Row{"Model", fmt.Sprintf("%s %s", d.Vendor, d.Model)})
	}
	if d.Serial != "" {
		t.AppendRow(table.Row{"Serial", d.Serial})
	}
	t.AppendRow(table.Row{"Size", humanize.IBytes(d.Size)})
	tableType := string(d.Table)
	if tableType == "" {
		tableType = "none"
	}
	t.AppendRow(table.Row{"Table", tableType})
	if d.GUID != "" {
		t.AppendRow(table.Row{"Disk GUID", d.GUID})
	}
	if d.UsableRange != nil {
		t.AppendRow(table.Row{"Usable", d.UsableRange.String()})
	}
	if d.Loop {
		t.AppendRow(table.Row{"Backing file", d.BackingFile})
	}
	t.Render()

	if len(view.Nodes) == 0 {
		fmt.Println("\nNo volumes.")
		return nil
	}

	fmt.Println()
	vt := table.NewWriter()
	vt.SetOutputMirror(os.Stdout)
	vt.SetStyle(table.StyleRounded)
	vt.AppendHeader(table.Row{"Volume", "Kind", "Size", "Content", "Mount"})
	vt.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
	})
	for _, n := range view.Nodes {
		appendNodeRows(vt, n, 0)
	}
	vt.Render()
	return nil
}

func appendNodeRows(t table.Writer, n *topology.Node, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}

	name := n.Device
	if name == "" {
		name = string(n.Object)
	}

	content := ""
	mount := ""
	switch n.Kind {
	case topology.KindPartition:
		content = n.TypeID
		if n.Name != "" {
			content = n.Name
		}
	case topology.KindFilesystem:
		content = n.FSType
		if n.Label != "" {
			content = fmt.Sprintf("%s (%s)", n.FSType, n.Label)
		}
		if len(n.MountPoints) > 0 {
			mount = n.MountPoints[0]
		}
	case topology.KindContainer:
		if n.Locked {
			content = "locked"
		} else {
			content = "unlocked"
		}
	}

	t.AppendRow(table.Row{
		indent + name,
		n.Kind.String(),
		humanize.IBytes(n.Extent.Len()),
		content,
		mount,
	})
	for _, c := range n.Children {
		appendNodeRows(t, c, depth+1)
	}
}

// SegmentsCmd renders a drive's segment sequence
type SegmentsCmd struct {
	Device string `arg:"" help:"Device node, e.g. /dev/sda"`
	All    bool   `short:"a" help:"Include reserved and sub-threshold segments"`
}

func (c *SegmentsCmd) Run(cli *CLI) error {
	snap, err := snapshotOnce(cli)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	view := snap.Drive(c.Device)
	if view == nil {
		return fmt.Errorf("no such drive: %s", c.Device)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Kind", "Start", "End", "Size", "Volume"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})

	for _, s := range segment.Visible(view.Segments, c.All) {
		vol := ""
		if s.Node != nil {
			vol = s.Node.Device
		}
		t.AppendRow(table.Row{
			s.Kind.String(),
			s.Extent.Start,
			s.Extent.End,
			humanize.IBytes(s.Extent.Len()),
			vol,
		})
	}
	t.Render()
	return nil
}

// PlanCmd contains dry-run validation subcommands
type PlanCmd struct {
	Create PlanCreateCmd `cmd:"" help:"Validate a create-partition request"`
	Resize PlanResizeCmd `cmd:"" help:"Compute and validate a resize window"`
}

// PlanCreateCmd validates a create request against the live layout
type PlanCreateCmd struct {
	Device string `arg:"" help:"Drive device node, e.g. /dev/sda"`
	Start  uint64 `required:"" help:"Byte offset of the new partition"`
	Size   uint64 `help:"Byte length (ignored with --fill)"`
	Fill   bool   `help:"Consume all remaining contiguous free space"`
	Type   string `help:"Partition type identifier"`
	Name   string `help:"Partition name"`
}

func (c *PlanCreateCmd) Run(cli *CLI) error {
	snap, err := snapshotOnce(cli)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	view := snap.Drive(c.Device)
	if view == nil {
		return fmt.Errorf("no such drive: %s", c.Device)
	}

	v := mutate.NewValidator(makeLogger(cli.LogLevel))
	norm, err := v.ValidateCreate(view.Drive, mutate.CreateRequest{
		Extent:    blockrange.FromOffsetSize(c.Start, c.Size),
		FillToMax: c.Fill,
		TypeID:    c.Type,
		Name:      c.Name,
	})
	if err != nil {
		return err
	}

	length := "maximal (backend-aligned)"
	if norm.Length != 0 {
		length = humanize.IBytes(norm.Length)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendRow(table.Row{"Offset", norm.Offset})
	t.AppendRow(table.Row{"Length", length})
	if norm.TypeID != "" {
		t.AppendRow(table.Row{"Type", norm.TypeID})
	}
	if norm.Name != "" {
		t.AppendRow(table.Row{"Name", norm.Name})
	}
	t.Render()
	return nil
}

// PlanResizeCmd computes the resize window for a volume
type PlanResizeCmd struct {
	Device string `arg:"" help:"Volume device node, e.g. /dev/sda2"`
	Size   uint64 `help:"Requested new size in bytes (0 = grow to maximum)"`
}

func (c *PlanResizeCmd) Run(cli *CLI) error {
	snap, err := snapshotOnce(cli)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}

	view, node := findVolume(snap, c.Device)
	if node == nil {
		return fmt.Errorf("no such volume: %s", c.Device)
	}

	var used uint64
	node.Walk(func(n *topology.Node) {
		if n.Kind == topology.KindFilesystem && n.UsedBytes > used {
			used = n.UsedBytes
		}
	})
	current := node.Extent.Len()
	freeRight := segment.FreeAfter(view.Segments, node)

	v := mutate.NewValidator(makeLogger(cli.LogLevel))
	bounds, err := v.ComputeResizeBounds(used, current, freeRight)
	if err != nil {
		return err
	}
	validated, err := v.ValidateResize(used, current, freeRight, c.Size)
	if err != nil {
		return err
	}

	requested := "grow to maximum"
	if validated != 0 {
		requested = humanize.IBytes(validated)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendRow(table.Row{"Current", humanize.IBytes(current)})
	t.AppendRow(table.Row{"In use", humanize.IBytes(used)})
	t.AppendRow(table.Row{"Free after", humanize.IBytes(freeRight)})
	t.AppendRow(table.Row{"Minimum", humanize.IBytes(bounds.Min)})
	t.AppendRow(table.Row{"Maximum", humanize.IBytes(bounds.Max)})
	t.AppendRow(table.Row{"Requested", requested})
	t.Render()
	return nil
}

func findVolume(snap *pipeline.Snapshot, device string) (*pipeline.DriveView, *topology.Node) {
	for _, view := range snap.Drives {
		for _, root := range view.Nodes {
			var found *topology.Node
			root.Walk(func(n *topology.Node) {
				if n.Device == device && found == nil {
					found = n
				}
			})
			if found != nil {
				return view, found
			}
		}
	}
	return nil, nil
}

// EventsCmd lists journaled change events
type EventsCmd struct {
	Since time.Duration `help:"Only events newer than this (e.g. 24h)"`
	Limit int           `default:"50" help:"Maximum rows"`
}

func (c *EventsCmd) Run(cli *CLI) error {
	database, err := db.Open(config.New().DBPath, makeLogger(cli.LogLevel))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer database.Close()

	var since time.Time
	if c.Since > 0 {
		since = time.Now().Add(-c.Since)
	}
	events, err := queries.ListChangeEvents(database.Conn(), since, c.Limit)
	if err != nil {
		return fmt.Errorf("list change events: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Time", "Kind", "Object"})
	for _, e := range events {
		t.AppendRow(table.Row{
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.Kind,
			e.ObjectPath,
		})
	}
	t.Render()
	return nil
}

// AnomaliesCmd lists journaled layout anomalies
type AnomaliesCmd struct {
	Device string        `help:"Only anomalies for this device node"`
	Since  time.Duration `help:"Only anomalies newer than this (e.g. 24h)"`
	Limit  int           `default:"50" help:"Maximum rows"`
}

func (c *AnomaliesCmd) Run(cli *CLI) error {
	database, err := db.Open(config.New().DBPath, makeLogger(cli.LogLevel))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer database.Close()

	var since time.Time
	if c.Since > 0 {
		since = time.Now().Add(-c.Since)
	}
	anomalies, err := queries.ListAnomalies(database.Conn(), c.Device, since, c.Limit)
	if err != nil {
		return fmt.Errorf("list anomalies: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Time", "Device", "Kind", "Detail"})
	for _, a := range anomalies {
		t.AppendRow(table.Row{
			a.Timestamp.Format("2006-01-02 15:04:05"),
			a.Device,
			a.Kind,
			a.Detail.String,
		})
	}
	t.Render()
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("diskatlas"),
		kong.Description("Local block-storage topology explorer"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return makeLogger(cfg.LogLevel)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
