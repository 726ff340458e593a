// Package pipeline orchestrates one full modeling pass: enumerate, probe
// usable ranges, build topology, lay out segments. The result is an immutable
// Snapshot swapped in atomically; readers never see a half-built pass.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/fx"

	"diskatlas/pkg/catalog"
	"diskatlas/pkg/config"
	"diskatlas/pkg/db"
	"diskatlas/pkg/db/queries"
	"diskatlas/pkg/probe"
	"diskatlas/pkg/segment"
	"diskatlas/pkg/topology"
	"diskatlas/pkg/udisks"
	"diskatlas/pkg/watcher"
)

var Module = fx.Module("pipeline",
	fx.Provide(New, NewWatcher),
)

// DriveView is the fully modeled state of one drive within a snapshot.
type DriveView struct {
	Drive    *catalog.Drive
	Nodes    []*topology.Node
	Segments []segment.Segment
}

// Snapshot is the immutable result of one pass. Fields are never mutated
// after the snapshot is published.
type Snapshot struct {
	Drives  []*DriveView
	TakenAt time.Time
}

// Drive returns the view for a device node, nil when absent.
func (s *Snapshot) Drive(device string) *DriveView {
	for _, d := range s.Drives {
		if d.Drive.Device == device {
			return d
		}
	}
	return nil
}

// Pipeline runs passes and publishes snapshots.
type Pipeline struct {
	catalog *catalog.Catalog
	prober  *probe.Prober
	builder *topology.Builder
	engine  *segment.Engine
	journal *db.DB
	logger  *slog.Logger

	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs []chan struct{}
}

func New(cat *catalog.Catalog, prober *probe.Prober, builder *topology.Builder, engine *segment.Engine, journal *db.DB, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		catalog: cat,
		prober:  prober,
		builder: builder,
		engine:  engine,
		journal: journal,
		logger:  logger.With("component", "pipeline"),
	}
}

// NewWatcher wires the change watcher against the bus client for signals and
// the catalog for the polling fallback.
func NewWatcher(client *udisks.Client, cat *catalog.Catalog, cfg *config.Config, logger *slog.Logger) *watcher.Watcher {
	return watcher.New(client, &CatalogEnumerator{Catalog: cat}, cfg, logger)
}

// Current returns the latest published snapshot, nil before the first pass.
func (p *Pipeline) Current() *Snapshot {
	return p.current.Load()
}

// Subscribe returns a channel that receives a notification whenever a new
// snapshot is published. The channel is buffered; a slow subscriber coalesces
// notifications instead of blocking the pipeline.
func (p *Pipeline) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

func (p *Pipeline) notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Refresh runs one full pass and publishes the result. On context
// cancellation the partial pass is discarded and the previous snapshot stays
// current.
func (p *Pipeline) Refresh(ctx context.Context) (*Snapshot, error) {
	started := time.Now()

	inv, err := p.catalog.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh pass: %w", err)
	}

	// Probes block in syscalls per drive; fan out so one slow device does
	// not serialize the pass. Each goroutine writes only its own drive.
	var wg sync.WaitGroup
	for _, drive := range inv.Drives {
		wg.Add(1)
		go func(d *catalog.Drive) {
			defer wg.Done()
			d.UsableRange = p.prober.UsableRange(ctx, d)
		}(drive)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	snap := &Snapshot{TakenAt: time.Now()}
	for _, drive := range inv.Drives {
		nodes := p.builder.BuildDrive(drive, inv)
		segs, anomalies := p.engine.BuildDrive(drive, nodes)
		p.recordAnomalies(anomalies)
		snap.Drives = append(snap.Drives, &DriveView{
			Drive:    drive,
			Nodes:    nodes,
			Segments: segs,
		})
	}

	p.current.Store(snap)
	p.notify()
	p.logger.Debug("snapshot published",
		"drives", len(snap.Drives), "elapsed", time.Since(started))
	return snap, nil
}

// Run drives the live loop: one initial pass, then a full re-pass per change
// event until ctx is canceled. Refresh failures mid-session are logged and
// retried on the next event; the stale snapshot stays served meanwhile.
func (p *Pipeline) Run(ctx context.Context, w *watcher.Watcher) error {
	if _, err := p.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("initial pass failed", "error", err)
	}

	go w.Run(ctx)

	for ev := range w.Events() {
		p.logger.Info("device change", "kind", ev.Kind.String(), "object", string(ev.Object))
		p.recordEvent(ev)
		if _, err := p.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("refresh failed after device change", "error", err)
		}
	}
	return ctx.Err()
}

func (p *Pipeline) recordAnomalies(anomalies []segment.Anomaly) {
	if p.journal == nil {
		return
	}
	for _, a := range anomalies {
		row := &queries.Anomaly{
			Device:    a.Device,
			Kind:      a.Kind,
			Detail:    sql.NullString{String: a.Detail, Valid: a.Detail != ""},
			Timestamp: time.Now(),
		}
		if err := queries.InsertAnomaly(p.journal.Conn(), row); err != nil {
			p.logger.Warn("record anomaly", "error", err)
		}
	}
}

func (p *Pipeline) recordEvent(ev watcher.Event) {
	if p.journal == nil {
		return
	}
	row := &queries.ChangeEvent{
		ObjectPath: string(ev.Object),
		Kind:       ev.Kind.String(),
		Timestamp:  time.Now(),
	}
	if err := queries.InsertChangeEvent(p.journal.Conn(), row); err != nil {
		p.logger.Warn("record change event", "error", err)
	}
}

// CatalogEnumerator adapts the catalog to the watcher's polling interface.
type CatalogEnumerator struct {
	Catalog *catalog.Catalog
}

func (e *CatalogEnumerator) DeviceIDs(ctx context.Context) (map[dbus.ObjectPath]struct{}, error) {
	inv, err := e.Catalog.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	return inv.DeviceIDs(), nil
}
