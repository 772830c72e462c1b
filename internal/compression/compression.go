// Package compression encodes upload batches for the collector and decodes
// compressed ingest requests.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone means no compression.
	TypeNone Type = "none"
	// TypeGzip uses gzip compression.
	TypeGzip Type = "gzip"
	// TypeZstd uses zstd compression.
	TypeZstd Type = "zstd"
	// TypeSnappy uses snappy block compression.
	TypeSnappy Type = "snappy"
	// TypeZlib uses zlib compression.
	TypeZlib Type = "zlib"
	// TypeDeflate uses raw deflate compression. This is what the collector
	// expects by default.
	TypeDeflate Type = "deflate"
	// TypeLZ4 uses lz4 frame compression.
	TypeLZ4 Type = "lz4"
)

// Level represents compression level settings.
type Level int

const (
	// LevelDefault uses the default compression level for the algorithm.
	LevelDefault Level = 0
	// LevelFastest uses the fastest compression (lowest ratio).
	LevelFastest Level = 1
	// LevelBest uses the best compression (highest ratio).
	LevelBest Level = 9
)

// zstd levels
const (
	ZstdSpeedFastest           Level = 1
	ZstdSpeedDefault           Level = 3
	ZstdSpeedBetterCompression Level = 6
	ZstdSpeedBestCompression   Level = 11
)

// Config holds compression configuration.
type Config struct {
	Type  Type
	Level Level
}

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "snappy":
		return TypeSnappy, nil
	case "zlib":
		return TypeZlib, nil
	case "deflate":
		return TypeDeflate, nil
	case "lz4":
		return TypeLZ4, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value for the
// compression type, or "" for none.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip, TypeZstd, TypeSnappy, TypeZlib, TypeDeflate, TypeLZ4:
		return string(t)
	default:
		return ""
	}
}

// ParseContentEncoding maps an HTTP Content-Encoding header value to a
// compression type. Unknown values map to none.
func ParseContentEncoding(encoding string) Type {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return TypeGzip
	case "zstd":
		return TypeZstd
	case "snappy", "x-snappy-framed":
		return TypeSnappy
	case "zlib":
		return TypeZlib
	case "deflate":
		return TypeDeflate
	case "lz4":
		return TypeLZ4
	default:
		return TypeNone
	}
}

var zstdEncoders = map[zstd.EncoderLevel]*sync.Pool{}

var zstdEncodersMu sync.Mutex

func zstdEncoderPool(level zstd.EncoderLevel) *sync.Pool {
	zstdEncodersMu.Lock()
	defer zstdEncodersMu.Unlock()
	p, ok := zstdEncoders[level]
	if !ok {
		p = &sync.Pool{New: func() any {
			compressionPoolNews.Add(1)
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
			if err != nil {
				return nil
			}
			return enc
		}}
		zstdEncoders[level] = p
	}
	return p
}

var zstdDecoders = sync.Pool{New: func() any {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil
	}
	return dec
}}

// Compress compresses data using the specified compression type and level.
// TypeNone returns data unchanged.
func Compress(data []byte, cfg Config) ([]byte, error) {
	if cfg.Type == TypeNone || cfg.Type == "" {
		return data, nil
	}

	var buf bytes.Buffer
	var err error
	switch cfg.Type {
	case TypeGzip:
		err = compressGzip(&buf, data, cfg.Level)
	case TypeZstd:
		return compressZstd(data, cfg.Level)
	case TypeSnappy:
		return snappy.Encode(nil, data), nil
	case TypeZlib:
		err = compressZlib(&buf, data, cfg.Level)
	case TypeDeflate:
		err = compressDeflate(&buf, data, cfg.Level)
	case TypeLZ4:
		err = compressLZ4(&buf, data, cfg.Level)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ErrTooLarge is returned by DecompressLimit when the decoded data is
// larger than the limit.
var ErrTooLarge = errors.New("decompressed data exceeds limit")

// Decompress decompresses data using the specified compression type.
func Decompress(data []byte, t Type) ([]byte, error) {
	return DecompressLimit(data, t, 0)
}

// DecompressLimit decompresses data, giving up with ErrTooLarge as soon as
// more than limit bytes have been produced. A limit of zero or less means
// no limit.
func DecompressLimit(data []byte, t Type, limit int64) ([]byte, error) {
	switch t {
	case TypeNone, "":
		if limit > 0 && int64(len(data)) > limit {
			return nil, ErrTooLarge
		}
		return data, nil
	case TypeGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gr.Close()
		return readLimited(gr, limit)
	case TypeZstd:
		return decompressZstd(data, limit)
	case TypeSnappy:
		if limit > 0 {
			n, err := snappy.DecodedLen(data)
			if err != nil {
				return nil, err
			}
			if int64(n) > limit {
				return nil, ErrTooLarge
			}
		}
		return snappy.Decode(nil, data)
	case TypeZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, limit)
	case TypeDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		return readLimited(fr, limit)
	case TypeLZ4:
		return readLimited(lz4.NewReader(bytes.NewReader(data)), limit)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

func flateLevel(level Level) int {
	if level == LevelDefault {
		return flate.DefaultCompression
	}
	return int(level)
}

func compressGzip(w io.Writer, data []byte, level Level) error {
	gw, err := gzip.NewWriterLevel(w, flateLevel(level))
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := gw.Write(data); err != nil {
		return fmt.Errorf("failed to write gzip data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return nil
}

func compressZlib(w io.Writer, data []byte, level Level) error {
	zw, err := zlib.NewWriterLevel(w, flateLevel(level))
	if err != nil {
		return fmt.Errorf("failed to create zlib writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("failed to write zlib data: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zlib writer: %w", err)
	}
	return nil
}

func compressDeflate(w io.Writer, data []byte, level Level) error {
	fw, err := flate.NewWriter(w, flateLevel(level))
	if err != nil {
		return fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("failed to write deflate data: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to close deflate writer: %w", err)
	}
	return nil
}

func compressZstd(data []byte, level Level) ([]byte, error) {
	zl := zstd.SpeedDefault
	switch level {
	case ZstdSpeedFastest:
		zl = zstd.SpeedFastest
	case ZstdSpeedBetterCompression:
		zl = zstd.SpeedBetterCompression
	case ZstdSpeedBestCompression:
		zl = zstd.SpeedBestCompression
	}
	pool := zstdEncoderPool(zl)
	compressionPoolGets.Add(1)
	enc, _ := pool.Get().(*zstd.Encoder)
	if enc == nil {
		return nil, fmt.Errorf("failed to create zstd encoder")
	}
	out := enc.EncodeAll(data, make([]byte, 0, len(data)/2+64))
	pool.Put(enc)
	compressionPoolPuts.Add(1)
	return out, nil
}

func decompressZstd(data []byte, limit int64) ([]byte, error) {
	dec, _ := zstdDecoders.Get().(*zstd.Decoder)
	if dec == nil {
		return nil, fmt.Errorf("failed to create zstd decoder")
	}
	defer zstdDecoders.Put(dec)
	if limit <= 0 {
		return dec.DecodeAll(data, nil)
	}
	// Stream so a small frame cannot expand past limit in memory.
	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return readLimited(dec, limit)
}

func compressLZ4(w io.Writer, data []byte, level Level) error {
	lw := lz4.NewWriter(w)
	if level != LevelDefault {
		if level > LevelBest {
			level = LevelBest
		}
		lz := lz4.Fast
		if level > 0 {
			lz = lz4.CompressionLevel(1 << (8 + level))
		}
		if err := lw.Apply(lz4.CompressionLevelOption(lz)); err != nil {
			return fmt.Errorf("failed to set lz4 level: %w", err)
		}
	}
	if _, err := lw.Write(data); err != nil {
		return fmt.Errorf("failed to write lz4 data: %w", err)
	}
	if err := lw.Close(); err != nil {
		return fmt.Errorf("failed to close lz4 writer: %w", err)
	}
	return nil
}
