package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"go-wanglab/internal/extractor"
)

// Compression selects how persisted records are stored.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

// ParseCompression maps a config value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "none"
	}
}

// Record layout (little endian):
//
//	magic "WLFV" | format uint16 | tag, image id, config hash (uint16 len + bytes)
//	| count uint32 | values float64 x count | crc32 of everything before it
//
// The record is then wrapped in a block: kind byte | raw len uint32 |
// stored len uint32 (0 = not compressed) | payload.
const (
	recordMagic   = "WLFV"
	formatVersion = 1

	blockHeaderSize = 9
	maxRecordSize   = 1 << 28
)

var (
	errShortRecord  = errors.New("record truncated")
	errBadMagic     = errors.New("bad magic")
	errBadFormat    = errors.New("unsupported record format")
	errBadChecksum  = errors.New("checksum mismatch")
	errShortBlock   = errors.New("block truncated")
	errSizeMismatch = errors.New("decompressed size mismatch")
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// encodeRecord serializes fv under the given version tag.
func encodeRecord(fv *extractor.FeatureVector, tag string, c Compression) ([]byte, error) {
	for _, s := range []string{tag, fv.ImageID, fv.ConfigHash} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("field of %d bytes too long for record", len(s))
		}
	}

	size := 4 + 2 + 3*2 + len(tag) + len(fv.ImageID) + len(fv.ConfigHash) + 4 + 8*len(fv.Values) + 4
	buf := make([]byte, 0, size)
	buf = append(buf, recordMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, formatVersion)
	for _, s := range []string{tag, fv.ImageID, fv.ConfigHash} {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(fv.Values)))
	for _, v := range fv.Values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	return compressBlock(buf, c)
}

// decodeRecord parses a block written by encodeRecord and returns the
// vector together with its version tag.
func decodeRecord(data []byte) (*extractor.FeatureVector, string, error) {
	raw, err := decompressBlock(data)
	if err != nil {
		return nil, "", err
	}
	if len(raw) < 4+2+4 {
		return nil, "", errShortRecord
	}
	body, sum := raw[:len(raw)-4], binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if string(body[:4]) != recordMagic {
		return nil, "", errBadMagic
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, "", errBadChecksum
	}
	if v := binary.LittleEndian.Uint16(body[4:]); v != formatVersion {
		return nil, "", fmt.Errorf("%w: %d", errBadFormat, v)
	}

	r := reader{buf: body[6:]}
	tag := r.str()
	fv := &extractor.FeatureVector{ImageID: r.str(), ConfigHash: r.str()}
	n := r.u32()
	if r.err == nil && uint64(len(r.buf)) != uint64(n)*8 {
		r.err = errShortRecord
	}
	if r.err != nil {
		return nil, "", r.err
	}
	fv.Values = make([]float64, n)
	for i := range fv.Values {
		fv.Values[i] = math.Float64frombits(binary.LittleEndian.Uint64(r.buf[i*8:]))
	}
	return fv, tag, nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) u32() uint32 {
	if r.err != nil || len(r.buf) < 4 {
		r.err = errShortRecord
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *reader) str() string {
	if r.err != nil || len(r.buf) < 2 {
		r.err = errShortRecord
		return ""
	}
	n := int(binary.LittleEndian.Uint16(r.buf))
	if len(r.buf) < 2+n {
		r.err = errShortRecord
		return ""
	}
	s := string(r.buf[2 : 2+n])
	r.buf = r.buf[2+n:]
	return s
}

// compressBlock wraps data in a block header, compressing it when that
// saves at least ten percent.
func compressBlock(data []byte, c Compression) ([]byte, error) {
	var stored []byte
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, err
		}
		stored = dst[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		stored = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}

	if len(stored) == 0 || float64(len(stored)) > float64(len(data))*0.9 {
		c, stored = CompressionNone, nil
	}

	payload := data
	if stored != nil {
		payload = stored
	}
	out := make([]byte, blockHeaderSize+len(payload))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(stored)))
	copy(out[blockHeaderSize:], payload)
	return out, nil
}

func decompressBlock(data []byte) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, errShortBlock
	}
	kind := Compression(data[0])
	rawSize := binary.LittleEndian.Uint32(data[1:])
	storedSize := binary.LittleEndian.Uint32(data[5:])
	payload := data[blockHeaderSize:]
	if rawSize > maxRecordSize {
		return nil, fmt.Errorf("record of %d bytes exceeds limit", rawSize)
	}

	if storedSize == 0 {
		if kind != CompressionNone || uint64(len(payload)) != uint64(rawSize) {
			return nil, errShortBlock
		}
		return payload, nil
	}
	if uint64(len(payload)) != uint64(storedSize) {
		return nil, errShortBlock
	}

	switch kind {
	case CompressionLZ4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != rawSize {
			return nil, errSizeMismatch
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, make([]byte, 0, rawSize))
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != rawSize {
			return nil, errSizeMismatch
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown block compression %d", kind)
	}
}
