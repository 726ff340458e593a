// Package watcher maintains a live stream of block-device add/remove events.
// The primary path subscribes to the storage service's object-lifecycle
// signals; when subscription setup fails the watcher degrades to a slow
// polling fallback for the rest of the session instead of flapping between
// modes.
package watcher

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"diskatlas/pkg/config"
	"diskatlas/pkg/udisks"
)

// EventKind discriminates change events.
type EventKind int

const (
	Added EventKind = iota
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event carries device identity only. Consumers re-enumerate and re-fetch
// the full descriptor rather than patching state incrementally.
type Event struct {
	Kind   EventKind
	Object dbus.ObjectPath
}

// State is the watcher's lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateSignaling
	StatePollingFallback
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSignaling:
		return "signaling"
	case StatePollingFallback:
		return "polling-fallback"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SignalSource provides the bus signal subscription.
type SignalSource interface {
	SubscribeObjectLifecycle(ctx context.Context) (chan *dbus.Signal, error)
	Unsubscribe(ch chan *dbus.Signal)
}

// Enumerator supplies the device-id set for the polling fallback.
type Enumerator interface {
	DeviceIDs(ctx context.Context) (map[dbus.ObjectPath]struct{}, error)
}

// Watcher emits Events until its context is canceled.
type Watcher struct {
	signals  SignalSource
	enum     Enumerator
	logger   *slog.Logger
	interval time.Duration

	state  atomic.Int32
	events chan Event
}

func New(signals SignalSource, enum Enumerator, cfg *config.Config, logger *slog.Logger) *Watcher {
	return &Watcher{
		signals:  signals,
		enum:     enum,
		logger:   logger.With("component", "watcher"),
		interval: cfg.PollInterval,
		events:   make(chan Event, 16),
	}
}

// Events returns the event stream. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Run drives the state machine until ctx is canceled. A failed subscription
// is a session-lifetime condition: the watcher logs it once and stays in the
// polling fallback, never re-attempting the signal path mid-session.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		w.state.Store(int32(StateStopped))
		close(w.events)
	}()

	ch, err := w.signals.SubscribeObjectLifecycle(ctx)
	if err != nil {
		w.logger.Warn("signal subscription failed, degrading to polling fallback",
			"interval", w.interval, "error", err)
		w.state.Store(int32(StatePollingFallback))
		w.poll(ctx)
		return
	}

	w.logger.Info("watching object-lifecycle signals")
	w.state.Store(int32(StateSignaling))
	defer w.signals.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if ev, ok := TranslateSignal(sig); ok {
				w.emit(ctx, ev)
			}
		}
	}
}

func (w *Watcher) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// poll re-enumerates on a fixed interval and synthesizes events by diffing
// device-id sets between passes.
func (w *Watcher) poll(ctx context.Context) {
	prev, err := w.enum.DeviceIDs(ctx)
	if err != nil {
		w.logger.Warn("baseline enumeration failed", "error", err)
		prev = map[dbus.ObjectPath]struct{}{}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := w.enum.DeviceIDs(ctx)
			if err != nil {
				w.logger.Warn("polling enumeration failed", "error", err)
				continue
			}
			for _, ev := range DiffDeviceIDs(prev, cur) {
				w.emit(ctx, ev)
			}
			prev = cur
		}
	}
}

// TranslateSignal converts an ObjectManager lifecycle signal into an Event.
// Signals for non-block objects (drives, jobs, the manager) are dropped.
func TranslateSignal(sig *dbus.Signal) (Event, bool) {
	if sig == nil || len(sig.Body) == 0 {
		return Event{}, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok || !udisks.IsBlockObject(path) {
		return Event{}, false
	}

	switch sig.Name {
	case "org.freedesktop.DBus.ObjectManager.InterfacesAdded":
		return Event{Kind: Added, Object: path}, true
	case "org.freedesktop.DBus.ObjectManager.InterfacesRemoved":
		return Event{Kind: Removed, Object: path}, true
	default:
		return Event{}, false
	}
}

// DiffDeviceIDs synthesizes Added/Removed events from two device-id sets.
// Order is unspecified; consumers treat every event as a full re-enumeration
// trigger anyway.
func DiffDeviceIDs(prev, cur map[dbus.ObjectPath]struct{}) []Event {
	var out []Event
	for path := range cur {
		if _, ok := prev[path]; !ok {
			out = append(out, Event{Kind: Added, Object: path})
		}
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			out = append(out, Event{Kind: Removed, Object: path})
		}
	}
	return out
}
