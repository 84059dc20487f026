package persist

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/23skdu/ivfshard/internal/codec"
	"github.com/23skdu/ivfshard/internal/config"
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/metrics"
	"github.com/23skdu/ivfshard/internal/shard"
)

// Blob header:
//
//	[4]  magic "IVPQ"
//	[2]  format version
//	[1]  compression
//	[1]  reserved
//	[8]  payload length (as stored)
//	[8]  raw payload length
//	[8]  xxhash64 of the raw payload
//
// The raw payload is config, centroids, codebooks, entry count and entries,
// in that order, little-endian throughout.
const (
	Magic      = "IVPQ"
	Version    = 1
	HeaderSize = 32

	configSize = 24
	// Each entry is id (8) + cluster (4) + m code bytes.
	entryFixed = 12
	// lz4 block compression cannot exceed this expansion ratio.
	maxLZ4Ratio = 255
)

// Compression selects how the payload is stored.
type Compression uint8

const (
	CompressionNone   Compression = 0
	CompressionSnappy Compression = 1
	CompressionLZ4    Compression = 2
	CompressionZstd   Compression = 3
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression accepts "none", "snappy", "lz4" or "zstd"
// (case-insensitive).
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, errors.E(errors.ErrInvalidConfig, "parse_compression", "unknown compression %q", s)
	}
}

// Snapshot is the persisted state of a trained index. Entries are kept in
// insertion order.
type Snapshot struct {
	Dim              int
	NList            int
	M                int
	NBits            int
	NProbe           int
	NumShards        int
	ReducedPrecision bool

	Centroids []float32
	Codebooks *codec.Codebooks
	Entries   []shard.Entry
}

// Validate checks that the snapshot is internally consistent.
func (s *Snapshot) Validate() error {
	switch {
	case s.Dim <= 0 || s.NList <= 0 || s.M <= 0 || s.Dim%s.M != 0:
		return formatErr("snapshot", "bad geometry dim=%d nlist=%d m=%d", s.Dim, s.NList, s.M)
	case s.NBits < 1 || s.NBits > 8:
		return formatErr("snapshot", "nbits %d outside [1, 8]", s.NBits)
	case len(s.Centroids) != s.NList*s.Dim:
		return formatErr("snapshot", "centroid table holds %d floats, want %d", len(s.Centroids), s.NList*s.Dim)
	case s.Codebooks == nil:
		return formatErr("snapshot", "missing codebooks")
	case s.Codebooks.Dims != s.Dim || s.Codebooks.M != s.M || s.Codebooks.K != 1<<s.NBits:
		return formatErr("snapshot", "codebooks do not match dim=%d m=%d nbits=%d", s.Dim, s.M, s.NBits)
	}
	k := 1 << s.NBits
	for i, e := range s.Entries {
		if e.ID < 0 || e.Cluster < 0 || e.Cluster >= s.NList || len(e.Code) != s.M {
			return formatErr("snapshot", "entry %d is malformed", i)
		}
		if j := badCode(e.Code, k); j >= 0 {
			return formatErr("snapshot", "entry %d code %d is %d, want < %d", i, j, e.Code[j], k)
		}
	}
	return nil
}

// badCode returns the position of the first code byte >= k, or -1.
func badCode(code []byte, k int) int {
	for j, c := range code {
		if int(c) >= k {
			return j
		}
	}
	return -1
}

// CheckCompatible rejects a snapshot whose dimensionality or subquantizer
// count differ from cfg. nlist and nbits always come from the snapshot.
//
//nolint:gocritic // hugeParam: config
func CheckCompatible(s *Snapshot, cfg config.IndexConfig) error {
	if s.Dim != cfg.Dim {
		return formatErr("check_compatible", "snapshot dim %d, index dim %d", s.Dim, cfg.Dim).
			WithContext("snapshot_dim", s.Dim)
	}
	if s.M != cfg.M {
		return formatErr("check_compatible", "snapshot m %d, index m %d", s.M, cfg.M)
	}
	return nil
}

func formatErr(op, format string, args ...interface{}) *errors.StructuredError {
	return errors.E(errors.ErrIncompatibleIndexFormat, op, format, args...)
}

// EncodeOption configures Encode.
type EncodeOption func(*encodeOptions)

type encodeOptions struct {
	compression Compression
}

// WithCompression selects payload compression.
func WithCompression(c Compression) EncodeOption {
	return func(o *encodeOptions) { o.compression = c }
}

// Encode serialises s into a self-checking blob.
func Encode(s *Snapshot, opts ...EncodeOption) ([]byte, error) {
	o := encodeOptions{compression: CompressionNone}
	for _, opt := range opts {
		opt(&o)
	}
	if err := s.Validate(); err != nil {
		metrics.SnapshotErrorsTotal.WithLabelValues("save").Inc()
		return nil, err
	}

	raw := marshalPayload(s)
	stored, compression, err := compress(raw, o.compression)
	if err != nil {
		metrics.SnapshotErrorsTotal.WithLabelValues("save").Inc()
		return nil, err
	}

	blob := make([]byte, HeaderSize+len(stored))
	copy(blob[0:4], Magic)
	binary.LittleEndian.PutUint16(blob[4:], Version)
	blob[6] = byte(compression)
	blob[7] = 0
	binary.LittleEndian.PutUint64(blob[8:], uint64(len(stored)))
	binary.LittleEndian.PutUint64(blob[16:], uint64(len(raw)))
	binary.LittleEndian.PutUint64(blob[24:], xxhash.Sum64(raw))
	copy(blob[HeaderSize:], stored)

	metrics.SnapshotBytes.WithLabelValues("save").Add(float64(len(blob)))
	return blob, nil
}

func marshalPayload(s *Snapshot) []byte {
	k := 1 << s.NBits
	subDim := s.Dim / s.M
	size := configSize + 4*len(s.Centroids) + 4*s.M*k*subDim + 8 + len(s.Entries)*(entryFixed+s.M)
	buf := make([]byte, size)

	binary.LittleEndian.PutUint32(buf[0:], uint32(s.Dim))
	binary.LittleEndian.PutUint32(buf[4:], uint32(s.NList))
	binary.LittleEndian.PutUint32(buf[8:], uint32(s.M))
	buf[12] = byte(s.NBits)
	if s.ReducedPrecision {
		buf[13] = 1
	}
	binary.LittleEndian.PutUint32(buf[16:], uint32(s.NProbe))
	binary.LittleEndian.PutUint32(buf[20:], uint32(s.NumShards))

	off := configSize
	for _, v := range s.Centroids {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	for _, seg := range s.Codebooks.Data {
		for _, v := range seg {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(s.Entries)))
	off += 8
	for _, e := range s.Entries {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.ID))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(e.Cluster))
		copy(buf[off+entryFixed:], e.Code)
		off += entryFixed + s.M
	}
	return buf
}

func compress(raw []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return raw, CompressionNone, nil
	case CompressionSnappy:
		return snappy.Encode(nil, raw), CompressionSnappy, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrorTypeUnknown, "encode", "lz4 compression failed")
		}
		if n == 0 {
			// Incompressible payloads are stored as is.
			return raw, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	case CompressionZstd:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrorTypeUnknown, "encode", "zstd encoder unavailable")
		}
		out := enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
		zstdEncoderPool.Put(enc)
		return out, CompressionZstd, nil
	default:
		return nil, 0, errors.E(errors.ErrInvalidConfig, "encode", "unknown compression %d", uint8(c))
	}
}

// Decode parses a blob produced by Encode. Any framing, checksum or length
// problem fails with ErrIncompatibleIndexFormat.
func Decode(blob []byte) (*Snapshot, error) {
	s, err := decode(blob)
	if err != nil {
		metrics.SnapshotErrorsTotal.WithLabelValues("load").Inc()
		return nil, err
	}
	metrics.SnapshotBytes.WithLabelValues("load").Add(float64(len(blob)))
	return s, nil
}

func decode(blob []byte) (*Snapshot, error) {
	if len(blob) < HeaderSize {
		return nil, formatErr("decode", "blob of %d bytes is shorter than the header", len(blob))
	}
	if string(blob[0:4]) != Magic {
		return nil, formatErr("decode", "bad magic %q", blob[0:4])
	}
	if v := binary.LittleEndian.Uint16(blob[4:]); v != Version {
		return nil, formatErr("decode", "unsupported version %d", v)
	}
	compression := Compression(blob[6])
	storedLen := binary.LittleEndian.Uint64(blob[8:])
	rawLen := binary.LittleEndian.Uint64(blob[16:])
	sum := binary.LittleEndian.Uint64(blob[24:])

	stored := blob[HeaderSize:]
	if uint64(len(stored)) != storedLen {
		return nil, formatErr("decode", "payload holds %d bytes, header says %d", len(stored), storedLen)
	}

	raw, err := decompress(stored, compression, rawLen)
	if err != nil {
		return nil, err
	}
	if xxhash.Sum64(raw) != sum {
		return nil, formatErr("decode", "checksum mismatch")
	}
	return unmarshalPayload(raw)
}

func decompress(stored []byte, c Compression, rawLen uint64) ([]byte, error) {
	switch c {
	case CompressionNone:
		if uint64(len(stored)) != rawLen {
			return nil, formatErr("decode", "raw length %d does not match payload %d", rawLen, len(stored))
		}
		return stored, nil
	case CompressionSnappy:
		n, err := snappy.DecodedLen(stored)
		if err != nil || uint64(n) != rawLen {
			return nil, formatErr("decode", "snappy payload does not decode to %d bytes", rawLen)
		}
		raw, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, errors.Wrap(errors.ErrIncompatibleIndexFormat, errors.ErrorTypeFormat, "decode", err.Error())
		}
		return raw, nil
	case CompressionLZ4:
		if rawLen > uint64(len(stored))*maxLZ4Ratio+64 {
			return nil, formatErr("decode", "raw length %d implausible for %d lz4 bytes", rawLen, len(stored))
		}
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, raw)
		if err != nil || uint64(n) != rawLen {
			return nil, formatErr("decode", "lz4 payload does not decode to %d bytes", rawLen)
		}
		return raw, nil
	case CompressionZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUnknown, "decode", "zstd decoder unavailable")
		}
		raw, err := dec.DecodeAll(stored, nil)
		zstdDecoderPool.Put(dec)
		if err != nil || uint64(len(raw)) != rawLen {
			return nil, formatErr("decode", "zstd payload does not decode to %d bytes", rawLen)
		}
		return raw, nil
	default:
		return nil, formatErr("decode", "unknown compression %d", uint8(c))
	}
}

func unmarshalPayload(raw []byte) (*Snapshot, error) {
	if len(raw) < configSize {
		return nil, formatErr("decode", "payload too short for config")
	}
	s := &Snapshot{
		Dim:              int(binary.LittleEndian.Uint32(raw[0:])),
		NList:            int(binary.LittleEndian.Uint32(raw[4:])),
		M:                int(binary.LittleEndian.Uint32(raw[8:])),
		NBits:            int(raw[12]),
		ReducedPrecision: raw[13] == 1,
		NProbe:           int(binary.LittleEndian.Uint32(raw[16:])),
		NumShards:        int(binary.LittleEndian.Uint32(raw[20:])),
	}
	if s.Dim <= 0 || s.NList <= 0 || s.M <= 0 || s.Dim%s.M != 0 || s.NBits < 1 || s.NBits > 8 {
		return nil, formatErr("decode", "bad config dim=%d nlist=%d m=%d nbits=%d", s.Dim, s.NList, s.M, s.NBits)
	}

	// Sizes are checked against the payload before anything is allocated.
	// NList*Dim is bounded by the division so the products cannot wrap.
	rem := uint64(len(raw) - configSize)
	if uint64(s.NList) > rem/4/uint64(s.Dim) {
		return nil, formatErr("decode", "payload of %d bytes cannot hold %d x %d centroids", len(raw), s.NList, s.Dim)
	}
	centroidBytes := 4 * uint64(s.NList) * uint64(s.Dim)
	// M codebooks of K x Dim/M floats.
	codebookBytes := 4 * uint64(1<<s.NBits) * uint64(s.Dim)
	if rem < centroidBytes+codebookBytes+8 {
		return nil, formatErr("decode", "payload truncated before entries")
	}

	cb, err := codec.NewCodebooks(s.Dim, s.M, s.NBits)
	if err != nil {
		return nil, errors.Wrap(errors.ErrIncompatibleIndexFormat, errors.ErrorTypeFormat, "decode", err.Error())
	}
	off := configSize

	s.Centroids = make([]float32, s.NList*s.Dim)
	for i := range s.Centroids {
		s.Centroids[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
		off += 4
	}
	for seg := range cb.Data {
		for j := range cb.Data[seg] {
			cb.Data[seg][j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
			off += 4
		}
	}
	s.Codebooks = cb

	count := binary.LittleEndian.Uint64(raw[off:])
	off += 8
	stride := entryFixed + s.M
	avail := uint64(len(raw) - off)
	if count > avail/uint64(stride) || avail != count*uint64(stride) {
		return nil, formatErr("decode", "%d entries do not fill %d remaining bytes", count, len(raw)-off)
	}

	k := 1 << s.NBits
	s.Entries = make([]shard.Entry, count)
	codes := make([]byte, int(count)*s.M)
	for i := range s.Entries {
		id := int64(binary.LittleEndian.Uint64(raw[off:]))
		cluster := int(binary.LittleEndian.Uint32(raw[off+8:]))
		if id < 0 || cluster >= s.NList {
			return nil, formatErr("decode", "entry %d has id %d cluster %d", i, id, cluster)
		}
		code := codes[i*s.M : (i+1)*s.M : (i+1)*s.M]
		copy(code, raw[off+entryFixed:off+stride])
		if j := badCode(code, k); j >= 0 {
			return nil, formatErr("decode", "entry %d code %d is %d, want < %d", i, j, code[j], k)
		}
		s.Entries[i] = shard.Entry{ID: id, Cluster: cluster, Code: code}
		off += stride
	}
	return s, nil
}
