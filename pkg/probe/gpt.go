package probe

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"diskatlas/pkg/blockrange"
)

// GPT primary header layout (UEFI spec 2.x, all integers little-endian):
//
//	offset  0: signature "EFI PART" (8 bytes)
//	offset  8: revision (4 bytes)
//	offset 12: header size (4 bytes, >= 92)
//	offset 24: current LBA (8 bytes)
//	offset 40: first usable LBA (8 bytes)
//	offset 48: last usable LBA (8 bytes, inclusive)
//	offset 56: disk GUID (16 bytes, mixed-endian)
const (
	gptSignature     = "EFI PART"
	gptMinHeaderSize = 92
	gptMaxHeaderSize = 4096
)

// Header holds the fields of a parsed GPT primary header that matter for
// layout math.
type Header struct {
	Revision       uint32
	HeaderSize     uint32
	CurrentLBA     uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       uuid.UUID
}

// ParseHeader validates and decodes a GPT primary header from raw bytes.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < gptMinHeaderSize {
		return nil, fmt.Errorf("truncated header: %d bytes", len(buf))
	}
	if string(buf[0:8]) != gptSignature {
		return nil, fmt.Errorf("bad signature %q", buf[0:8])
	}

	h := &Header{
		Revision:       binary.LittleEndian.Uint32(buf[8:12]),
		HeaderSize:     binary.LittleEndian.Uint32(buf[12:16]),
		CurrentLBA:     binary.LittleEndian.Uint64(buf[24:32]),
		FirstUsableLBA: binary.LittleEndian.Uint64(buf[40:48]),
		LastUsableLBA:  binary.LittleEndian.Uint64(buf[48:56]),
	}
	if h.HeaderSize < gptMinHeaderSize || h.HeaderSize > gptMaxHeaderSize {
		return nil, fmt.Errorf("implausible header size %d", h.HeaderSize)
	}

	h.DiskGUID = guidFromBytes(buf[56:72])
	return h, nil
}

// guidFromBytes decodes an on-disk GUID. The first three fields are stored
// little-endian, the rest big-endian.
func guidFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

// GPTUsable reads the primary header at LBA 1 and converts the declared
// usable LBA window into a byte range, returning the parsed header alongside
// so callers can pick up identity fields like the disk GUID. The returned
// range is always within [0, total); implausible LBA values are an error so
// the caller can fall back instead of trusting them.
func GPTUsable(r io.ReaderAt, sectorSize, total uint64) (blockrange.Range, *Header, error) {
	if sectorSize == 0 {
		return blockrange.Range{}, nil, fmt.Errorf("zero sector size")
	}

	buf := make([]byte, gptMinHeaderSize)
	if _, err := r.ReadAt(buf, int64(sectorSize)); err != nil {
		return blockrange.Range{}, nil, fmt.Errorf("read header at lba 1: %w", err)
	}

	h, err := ParseHeader(buf)
	if err != nil {
		return blockrange.Range{}, nil, err
	}

	if h.FirstUsableLBA > h.LastUsableLBA {
		return blockrange.Range{}, nil, fmt.Errorf("usable window inverted: first %d > last %d",
			h.FirstUsableLBA, h.LastUsableLBA)
	}

	// Bounds are checked in sector units; converting a corrupt LBA to bytes
	// first could wrap uint64.
	sectors := total / sectorSize
	if h.LastUsableLBA >= sectors {
		return blockrange.Range{}, nil, fmt.Errorf("last usable lba %d beyond disk with %d sectors",
			h.LastUsableLBA, sectors)
	}

	start := h.FirstUsableLBA * sectorSize
	end := (h.LastUsableLBA + 1) * sectorSize
	return blockrange.New(start, end), h, nil
}
