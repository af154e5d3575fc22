// Package compress stores raw scan payloads compactly and unwraps compressed
// uploads.
//
// Uploaded scan files may arrive zstd- or gzip-compressed; Decode detects the
// format from its magic bytes. Archived payloads are written with zstd.
//
// Example usage:
//
//	c := compress.NewCompressor(compress.AlgorithmZSTD, compress.LevelDefault)
//	archived, stats, err := c.CompressWithStats(payload)
//	if err != nil {
//	    return err
//	}
//
//	// Later, restore
//	original, err := c.Decompress(archived)
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// AlgorithmZSTD is the Zstandard compression algorithm.
	AlgorithmZSTD Algorithm = "zstd"

	// AlgorithmGzip is the gzip compression algorithm.
	AlgorithmGzip Algorithm = "gzip"

	// AlgorithmNone indicates no compression.
	AlgorithmNone Algorithm = "none"
)

// Level represents compression level.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBetter  Level = 6
	LevelBest    Level = 9
)

// DefaultMaxDecodedSize bounds decompressed uploads (256MB).
const DefaultMaxDecodedSize = 256 << 20

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	gzipMagic = []byte{0x1F, 0x8B}
)

// ParseAlgorithm maps a config value to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgorithmZSTD, AlgorithmGzip, AlgorithmNone:
		return Algorithm(s), nil
	case "":
		return AlgorithmZSTD, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Detect identifies the compression of data from its magic bytes.
func Detect(data []byte) Algorithm {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return AlgorithmZSTD
	case bytes.HasPrefix(data, gzipMagic):
		return AlgorithmGzip
	default:
		return AlgorithmNone
	}
}

// Compressor provides compression and decompression functionality.
// It is safe for concurrent use.
type Compressor struct {
	algorithm Algorithm
	level     Level

	// MaxDecodedSize caps decompressed output. Zero means DefaultMaxDecodedSize.
	MaxDecodedSize int64

	// ZSTD encoder/decoder pools for reuse
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
}

// NewCompressor creates a new compressor with the specified algorithm and level.
func NewCompressor(algorithm Algorithm, level Level) *Compressor {
	c := &Compressor{
		algorithm: algorithm,
		level:     level,
	}

	c.zstdEncoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
			return enc
		},
	}
	c.zstdDecoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(c.maxDecoded())))
			return dec
		},
	}

	return c
}

// Algorithm returns the compression algorithm.
func (c *Compressor) Algorithm() Algorithm {
	return c.algorithm
}

func (c *Compressor) maxDecoded() int64 {
	if c.MaxDecodedSize > 0 {
		return c.MaxDecodedSize
	}
	return DefaultMaxDecodedSize
}

// Compress compresses the input data with the configured algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case AlgorithmZSTD:
		return c.compressZSTD(data)
	case AlgorithmGzip:
		return c.compressGzip(data)
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// Decompress decompresses data written by Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	return c.decompress(c.algorithm, data)
}

// Decode unwraps an uploaded payload whatever its compression, and reports
// the algorithm it found. Plain payloads are returned unchanged.
func (c *Compressor) Decode(data []byte) ([]byte, Algorithm, error) {
	alg := Detect(data)
	out, err := c.decompress(alg, data)
	return out, alg, err
}

func (c *Compressor) decompress(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case AlgorithmZSTD:
		return c.decompressZSTD(data)
	case AlgorithmGzip:
		return c.decompressGzip(data)
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

func (c *Compressor) compressZSTD(data []byte) ([]byte, error) {
	enc := c.zstdEncoderPool.Get().(*zstd.Encoder)
	defer c.zstdEncoderPool.Put(enc)

	return enc.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

func (c *Compressor) decompressZSTD(data []byte) ([]byte, error) {
	dec := c.zstdDecoderPool.Get().(*zstd.Decoder)
	defer c.zstdDecoderPool.Put(dec)

	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("zstd reset error: %w", err)
	}
	return c.readLimited(dec, "zstd")
}

func (c *Compressor) compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	level := gzip.DefaultCompression
	if c.level <= 3 {
		level = gzip.BestSpeed
	} else if c.level >= 7 {
		level = gzip.BestCompression
	}

	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer error: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write error: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close error: %w", err)
	}

	return buf.Bytes(), nil
}

func (c *Compressor) decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader error: %w", err)
	}
	defer reader.Close()

	return c.readLimited(reader, "gzip")
}

// readLimited reads r fully and fails when output passes MaxDecodedSize.
func (c *Compressor) readLimited(r io.Reader, name string) ([]byte, error) {
	limit := c.maxDecoded()
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%s decompress error: %w", name, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%s payload exceeds %d bytes decompressed", name, limit)
	}
	return out, nil
}

// Stats holds statistics about a compression operation.
type Stats struct {
	OriginalSize   int     `json:"original_size"`
	CompressedSize int     `json:"compressed_size"`
	Ratio          float64 `json:"ratio"`           // compressed/original
	Savings        float64 `json:"savings_percent"` // (1 - ratio) * 100
	Algorithm      string  `json:"algorithm"`
}

// CompressWithStats compresses data and returns statistics.
func (c *Compressor) CompressWithStats(data []byte) ([]byte, *Stats, error) {
	compressed, err := c.Compress(data)
	if err != nil {
		return nil, nil, err
	}

	stats := &Stats{
		OriginalSize:   len(data),
		CompressedSize: len(compressed),
		Algorithm:      string(c.algorithm),
	}
	if len(data) > 0 {
		stats.Ratio = float64(len(compressed)) / float64(len(data))
		stats.Savings = (1 - stats.Ratio) * 100
	}

	return compressed, stats, nil
}
