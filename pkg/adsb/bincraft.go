package adsb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// binCraft is the packed little-endian format served by tar1090-style
// globe tiles. The first stride bytes are a header; every following
// stride bytes describe one aircraft.
const (
	binCraftMinStride = 105
	zstdMagic         = "\x28\xb5\x2f\xfd"
)

// ErrShortBinCraft is returned for payloads too small to hold a header.
var ErrShortBinCraft = errors.New("binCraft payload too short")

// BinCraft is a decoded tile.
type BinCraft struct {
	// Now is the tile's generation time
	Now time.Time

	// GlobeIndex is the tile index the server reports
	GlobeIndex uint32

	Aircraft []Aircraft
}

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// DecodeBinCraft decodes a binCraft tile, transparently handling
// zstd-compressed payloads.
func DecodeBinCraft(data []byte) (BinCraft, error) {
	if bytes.HasPrefix(data, []byte(zstdMagic)) {
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return BinCraft{}, fmt.Errorf("zstd: %w", err)
		}
		data = raw
	}

	if len(data) < 20 {
		return BinCraft{}, ErrShortBinCraft
	}

	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(data[off:]) }

	// Header: u32[0..1] milliseconds split in two words, u32[2] stride,
	// u32[3] aircraft count, u32[4] globe index.
	secs := float64(u32(0))/1000 + float64(u32(4))*4294967.296
	stride := int(u32(8))
	if stride < binCraftMinStride {
		return BinCraft{}, fmt.Errorf("binCraft stride %d too small", stride)
	}

	whole, frac := math.Modf(secs)
	tile := BinCraft{
		Now:        time.Unix(int64(whole), int64(frac*1e9)).UTC(),
		GlobeIndex: u32(16),
	}

	for off := stride; off+stride <= len(data); off += stride {
		if ac, ok := decodeBinCraftRecord(data[off:off+stride], tile.Now); ok {
			tile.Aircraft = append(tile.Aircraft, ac)
		}
	}

	return tile, nil
}

// decodeBinCraftRecord decodes one aircraft record. Flag bytes at 73..77
// say which optional fields are valid.
func decodeBinCraftRecord(rec []byte, now time.Time) (Aircraft, bool) {
	s32 := func(i int) int32 { return int32(binary.LittleEndian.Uint32(rec[4*i:])) }
	u16 := func(i int) uint16 { return binary.LittleEndian.Uint16(rec[2*i:]) }
	s16 := func(i int) int16 { return int16(u16(i)) }
	cstr := func(b []byte) string {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return strings.TrimSpace(string(b))
	}

	addr := uint32(s32(0))
	if addr == 0 {
		return Aircraft{}, false
	}
	hex := fmt.Sprintf("%06X", addr&0xFFFFFF)
	if addr&(1<<24) != 0 {
		hex = "~" + hex
	}

	ac := Aircraft{ICAO: hex}

	seen := float64(u16(3)) / 10
	if rec[73]&64 != 0 {
		ac.Latitude = ptr(float64(s32(3)) / 1e6)
		ac.Longitude = ptr(float64(s32(2)) / 1e6)
		seen = float64(u16(2)) / 10
	}
	ac.LastSeen = now.Add(-time.Duration(seen * float64(time.Second)))

	switch {
	case rec[73]&16 != 0:
		ac.Altitude = ptr(float64(s16(8)) * 25)
	case rec[73]&32 != 0:
		ac.Altitude = ptr(float64(s16(9)) * 25)
	}
	if rec[75]&1 != 0 {
		ac.VerticalRate = ptr(float64(s16(10)) * 8)
	}
	if rec[73]&128 != 0 {
		ac.GroundSpeed = ptr(float64(s16(17)) / 10)
	}
	if rec[74]&8 != 0 {
		ac.Track = ptr(float64(s16(20)) / 90)
	}
	if rec[76]&4 != 0 {
		ac.Squawk = fmt.Sprintf("%04x", u16(16))
	}
	if rec[73]&8 != 0 {
		ac.Callsign = strings.ToUpper(cstr(rec[78:86]))
	}
	ac.Type = strings.ToUpper(cstr(rec[88:92]))
	ac.Registration = cstr(rec[92:104])

	// 0 invalid, 1 ground, 2 airborne, 3 uncertain
	switch rec[68] & 15 {
	case 1:
		ac.OnGround = ptr(true)
	case 2:
		ac.OnGround = ptr(false)
	}

	return ac, true
}
