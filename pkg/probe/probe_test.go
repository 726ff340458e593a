package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"diskatlas/pkg/blockrange"
	"diskatlas/pkg/catalog"
	"diskatlas/pkg/config"
)

const (
	testSector = uint64(512)
	mib        = uint64(1024 * 1024)
	gib        = uint64(1024 * 1024 * 1024)
)

// makeHeader builds a valid primary GPT header for a disk of totalSectors.
func makeHeader(firstUsable, lastUsable uint64) []byte {
	buf := make([]byte, gptMinHeaderSize)
	copy(buf[0:8], gptSignature)
	binary.LittleEndian.PutUint32(buf[8:12], 0x00010000) // revision 1.0
	binary.LittleEndian.PutUint32(buf[12:16], gptMinHeaderSize)
	binary.LittleEndian.PutUint64(buf[24:32], 1) // current LBA
	binary.LittleEndian.PutUint64(buf[40:48], firstUsable)
	binary.LittleEndian.PutUint64(buf[48:56], lastUsable)
	// disk GUID: on-disk mixed-endian form of 12345678-9abc-def0-1122-334455667788
	guid := []byte{
		0x78, 0x56, 0x34, 0x12,
		0xbc, 0x9a,
		0xf0, 0xde,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
	}
	copy(buf[56:72], guid)
	return buf
}

// diskReader exposes a header at LBA 1 behind an io.ReaderAt.
func diskReader(header []byte, sectorSize uint64) *bytes.Reader {
	disk := make([]byte, sectorSize*2+uint64(len(header)))
	copy(disk[sectorSize:], header)
	return bytes.NewReader(disk)
}

func TestParseHeader(t *testing.T) {
	h, err := ParseHeader(makeHeader(2048, 204800))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.FirstUsableLBA != 2048 || h.LastUsableLBA != 204800 {
		t.Errorf("usable LBAs: got %d..%d", h.FirstUsableLBA, h.LastUsableLBA)
	}
	if h.HeaderSize != gptMinHeaderSize {
		t.Errorf("header size: got %d", h.HeaderSize)
	}
	if h.DiskGUID.String() != "12345678-9abc-def0-1122-334455667788" {
		t.Errorf("disk GUID: got %s", h.DiskGUID)
	}
}

func TestParseHeaderMalformed(t *testing.T) {
	cases := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad signature", func(b []byte) []byte {
			copy(b[0:8], "NOT GPT!")
			return b
		}},
		{"truncated", func(b []byte) []byte {
			return b[:40]
		}},
		{"tiny header size", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[12:16], 16)
			return b
		}},
		{"huge header size", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[12:16], 1<<20)
			return b
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := c.mutate(makeHeader(2048, 204800))
			if _, err := ParseHeader(buf); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestGPTUsable(t *testing.T) {
	total := 100 * mib
	// 100 MiB / 512 = 204800 sectors; usable 2048..204766 (inclusive)
	r, h, err := GPTUsable(diskReader(makeHeader(2048, 204766), testSector), testSector, total)
	if err != nil {
		t.Fatalf("gpt usable: %v", err)
	}
	if r.Start != 2048*testSector {
		t.Errorf("start: got %d", r.Start)
	}
	if r.End != 204767*testSector {
		t.Errorf("end: got %d", r.End)
	}
	if !blockrange.New(0, total).ContainsRange(r) {
		t.Errorf("usable range %v escapes disk [0, %d)", r, total)
	}
	if h.DiskGUID.String() != "12345678-9abc-def0-1122-334455667788" {
		t.Errorf("disk GUID: got %s", h.DiskGUID)
	}
}

func TestGPTUsableRejectsImplausibleLBAs(t *testing.T) {
	total := 100 * mib

	// Last usable LBA far past the end of the disk.
	if _, _, err := GPTUsable(diskReader(makeHeader(2048, 1<<40), testSector), testSector, total); err == nil {
		t.Error("expected error for LBA beyond disk size")
	}

	// LBA window whose byte conversion wraps uint64: (2^55)*512 mod 2^64
	// is 0, so trusting it would yield end < start.
	if _, _, err := GPTUsable(diskReader(makeHeader(1, (1<<55)-1), testSector), testSector, total); err == nil {
		t.Error("expected error for LBA window wrapping the byte conversion")
	}

	// Inverted window.
	if _, _, err := GPTUsable(diskReader(makeHeader(204800, 2048), testSector), testSector, total); err == nil {
		t.Error("expected error for inverted usable window")
	}

	// Zero sector size.
	if _, _, err := GPTUsable(diskReader(makeHeader(2048, 204766), testSector), 0, total); err == nil {
		t.Error("expected error for zero sector size")
	}
}

func TestGPTUsableTruncatedDevice(t *testing.T) {
	short := bytes.NewReader(make([]byte, 100)) // smaller than LBA 1 + header
	if _, _, err := GPTUsable(short, testSector, 100*mib); err == nil {
		t.Error("expected read error on truncated device")
	}
}

func TestConservativeFallbackBounds(t *testing.T) {
	cases := []struct {
		total uint64
		want  blockrange.Range
	}{
		{100 * gib, blockrange.New(mib, 100*gib-mib)},
		{2 * mib, blockrange.New(mib, mib)},  // nothing usable
		{512 * 1024, blockrange.New(512*1024, 512*1024)}, // tiny disk
	}
	for _, c := range cases {
		got := conservativeUsable(c.total)
		if got != c.want {
			t.Errorf("conservativeUsable(%d) = %v, want %v", c.total, got, c.want)
		}
		if !blockrange.New(0, c.total).ContainsRange(got) {
			t.Errorf("fallback %v escapes [0, %d)", got, c.total)
		}
	}
}

func TestDOSUsable(t *testing.T) {
	r := dosUsable(100 * gib)
	if r.Start != mib || r.End != 100*gib {
		t.Errorf("dos usable: got %v", r)
	}

	tiny := dosUsable(mib / 2)
	if !tiny.IsEmpty() {
		t.Errorf("sub-MiB dos disk should have empty usable range, got %v", tiny)
	}
}

// fileOpener serves a prepared image file as the device handle.
type fileOpener struct {
	path string
}

func (o *fileOpener) OpenDeviceReadOnly(ctx context.Context, object dbus.ObjectPath) (*os.File, error) {
	return os.Open(o.path)
}

func testProber(t *testing.T, imagePath string) *Prober {
	t.Helper()
	cfg := &config.Config{ProbeTimeout: 2 * time.Second}
	return New(&fileOpener{path: imagePath}, cfg, slog.New(slog.DiscardHandler))
}

func writeImage(t *testing.T, header []byte, size uint64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	disk := make([]byte, size)
	copy(disk[testSector:], header)
	if err := os.WriteFile(path, disk, 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestProberGPTEndToEnd(t *testing.T) {
	total := 8 * mib // 16384 sectors
	path := writeImage(t, makeHeader(2048, 14335), total)

	drive := &catalog.Drive{
		Object: "/org/freedesktop/UDisks2/block_devices/sdx",
		Device: "/dev/nonexistent-diskatlas-test",
		Size:   total,
		Table:  catalog.TableGPT,
	}

	// The sector-size ioctl fails on a regular file and the sysfs fallback
	// has no such device, so the prober lands on the 512 default.
	r := testProber(t, path).UsableRange(context.Background(), drive)
	if r == nil {
		t.Fatal("expected usable range for gpt drive")
	}
	want := blockrange.New(2048*testSector, 14336*testSector)
	if *r != want {
		t.Errorf("usable range: got %v, want %v", *r, want)
	}
	if drive.GUID != "12345678-9abc-def0-1122-334455667788" {
		t.Errorf("disk GUID not recorded on drive: %q", drive.GUID)
	}
}

func TestProberFallbackOnWrappingLBAs(t *testing.T) {
	// A header whose usable window survives the signature checks but whose
	// byte conversion would wrap uint64 must degrade to the fallback, not
	// crash the probing goroutine.
	total := 8 * mib
	path := writeImage(t, makeHeader(1, (1<<55)-1), total)

	drive := &catalog.Drive{
		Device: "/dev/nonexistent-diskatlas-test",
		Size:   total,
		Table:  catalog.TableGPT,
	}

	r := testProber(t, path).UsableRange(context.Background(), drive)
	if r == nil {
		t.Fatal("expected fallback range")
	}
	if *r != conservativeUsable(total) {
		t.Errorf("expected conservative fallback, got %v", *r)
	}
	if drive.GUID != "" {
		t.Errorf("failed probe must not record a disk GUID, got %q", drive.GUID)
	}
}

func TestProberFallbackOnGarbage(t *testing.T) {
	total := 8 * mib
	path := writeImage(t, []byte("garbage"), total)

	drive := &catalog.Drive{
		Device: "/dev/nonexistent-diskatlas-test",
		Size:   total,
		Table:  catalog.TableGPT,
	}

	r := testProber(t, path).UsableRange(context.Background(), drive)
	if r == nil {
		t.Fatal("expected fallback range")
	}
	if *r != conservativeUsable(total) {
		t.Errorf("expected conservative fallback, got %v", *r)
	}
	if !blockrange.New(0, total).ContainsRange(*r) {
		t.Errorf("fallback escapes disk bounds: %v", *r)
	}
}

func TestProberNoTable(t *testing.T) {
	drive := &catalog.Drive{Device: "/dev/loop0", Size: gib, Table: catalog.TableNone}
	if r := testProber(t, "/nonexistent").UsableRange(context.Background(), drive); r != nil {
		t.Errorf("expected nil range for untabled drive, got %v", *r)
	}
}
