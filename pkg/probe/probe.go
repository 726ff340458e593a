// Package probe derives the byte-exact usable range of a drive: the region
// the partitioning backend will accept as a create/resize target. GPT drives
// are probed by parsing the on-disk primary header through a read-only,
// prompt-free device handle; DOS drives get a fixed conservative convention;
// anything unreadable falls back to a 1 MiB reservation at each end.
package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"diskatlas/pkg/blockrange"
	"diskatlas/pkg/catalog"
	"diskatlas/pkg/config"
	"diskatlas/pkg/udisks"
)

var Module = fx.Module("probe",
	fx.Provide(New),
)

const reservedLip = config.MiB

// Prober computes usable ranges for drives.
type Prober struct {
	opener  udisks.DeviceOpener
	logger  *slog.Logger
	timeout time.Duration
}

func New(opener udisks.DeviceOpener, cfg *config.Config, logger *slog.Logger) *Prober {
	return &Prober{
		opener:  opener,
		logger:  logger.With("component", "probe"),
		timeout: cfg.ProbeTimeout,
	}
}

// UsableRange returns the usable byte range for the drive, or nil when the
// drive reports no recognized partition table. The result is always a subset
// of [0, drive.Size); failures degrade to the conservative fallback and are
// never surfaced as errors. A successful GPT probe also records the disk
// GUID on the drive.
func (p *Prober) UsableRange(ctx context.Context, drive *catalog.Drive) *blockrange.Range {
	switch drive.Table {
	case catalog.TableGPT:
		r := p.probeGPT(ctx, drive)
		return &r
	case catalog.TableDOS:
		// MBR geometry metadata is not reliably exposed by the backend, so
		// the first MiB is treated as reserved by convention rather than
		// derived from on-disk structures. Known approximation.
		r := dosUsable(drive.Size)
		return &r
	default:
		return nil
	}
}

func (p *Prober) probeGPT(ctx context.Context, drive *catalog.Drive) blockrange.Range {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// The open/ioctl/read sequence blocks in syscalls, so it runs on its own
	// goroutine; a stalled device then costs an abandoned goroutine instead
	// of a hung enumeration pass. The goroutine never touches the drive
	// directly, the caller applies the outcome after the select.
	type outcome struct {
		r    blockrange.Range
		guid uuid.UUID
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, guid, err := p.readGPT(ctx, drive)
		ch <- outcome{r: r, guid: guid, err: err}
	}()

	select {
	case <-ctx.Done():
		p.logger.Warn("gpt probe timed out, using conservative fallback",
			"device", drive.Device, "error", ctx.Err())
		return conservativeUsable(drive.Size)
	case out := <-ch:
		if out.err != nil {
			p.logger.Warn("gpt probe failed, using conservative fallback",
				"device", drive.Device, "error", out.err)
			return conservativeUsable(drive.Size)
		}
		drive.GUID = out.guid.String()
		return out.r
	}
}

func (p *Prober) readGPT(ctx context.Context, drive *catalog.Drive) (blockrange.Range, uuid.UUID, error) {
	f, err := p.opener.OpenDeviceReadOnly(ctx, drive.Object)
	if err != nil {
		return blockrange.Range{}, uuid.UUID{}, err
	}
	defer f.Close()

	sectorSize := logicalSectorSize(f, drive.Device)
	r, h, err := GPTUsable(f, sectorSize, drive.Size)
	if err != nil {
		return blockrange.Range{}, uuid.UUID{}, err
	}

	p.logger.Debug("gpt usable range probed",
		"device", drive.Device, "sector_size", sectorSize,
		"guid", h.DiskGUID.String(), "start", r.Start, "end", r.End)
	return r, h.DiskGUID, nil
}

// conservativeUsable reserves one MiB at each end of the disk. It is the
// fallback when the GPT header cannot be read or does not parse.
func conservativeUsable(total uint64) blockrange.Range {
	if total <= 2*reservedLip {
		start := min(uint64(reservedLip), total)
		return blockrange.New(start, start)
	}
	return blockrange.New(reservedLip, total-reservedLip)
}

// dosUsable applies the fixed DOS/MBR convention: first MiB reserved, rest
// usable.
func dosUsable(total uint64) blockrange.Range {
	if total <= reservedLip {
		return blockrange.New(total, total)
	}
	return blockrange.New(reservedLip, total)
}
