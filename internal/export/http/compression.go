package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// codec describes one body encoding.
type codec struct {
	// encoding is the Content-Encoding header value, empty for identity.
	encoding string
	encode   func(c *Compressor, data []byte) ([]byte, error)
	decode   func(data []byte) ([]byte, error)
}

var codecs = map[string]codec{
	CompressionNone: {
		encode: func(_ *Compressor, data []byte) ([]byte, error) { return data, nil },
		decode: func(data []byte) ([]byte, error) { return data, nil },
	},
	CompressionGzip: {
		encoding: "gzip",
		encode: func(_ *Compressor, data []byte) ([]byte, error) {
			return writeAll(data, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })
		},
		decode: func(data []byte) ([]byte, error) {
			r, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			defer r.Close()

			return io.ReadAll(r)
		},
	},
	CompressionZlib: {
		encoding: "deflate",
		encode: func(_ *Compressor, data []byte) ([]byte, error) {
			return writeAll(data, func(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) })
		},
		decode: func(data []byte) ([]byte, error) {
			r, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			defer r.Close()

			return io.ReadAll(r)
		},
	},
	CompressionZstd: {
		encoding: "zstd",
		encode: func(c *Compressor, data []byte) ([]byte, error) {
			return c.zstd.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
		},
		decode: func(data []byte) ([]byte, error) {
			d, err := zstd.NewReader(nil)
			if err != nil {
				return nil, err
			}
			defer d.Close()

			return d.DecodeAll(data, nil)
		},
	},
	CompressionSnappy: {
		encoding: "snappy",
		encode: func(_ *Compressor, data []byte) ([]byte, error) {
			return snappy.Encode(nil, data), nil
		},
		decode: func(data []byte) ([]byte, error) {
			return snappy.Decode(nil, data)
		},
	},
}

// ValidCompression reports whether name is a supported algorithm.
// The empty string means none.
func ValidCompression(name string) bool {
	if name == "" {
		return true
	}

	_, ok := codecs[name]

	return ok
}

// Compressor encodes request bodies with one algorithm.
type Compressor struct {
	codec codec
	zstd  *zstd.Encoder
}

// NewCompressor creates a Compressor for algorithm.
func NewCompressor(algorithm string) (*Compressor, error) {
	if algorithm == "" {
		algorithm = CompressionNone
	}

	cd, ok := codecs[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	c := &Compressor{codec: cd}

	if algorithm == CompressionZstd {
		// The encoder is reused across calls.
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.zstd = enc
	}

	return c, nil
}

// Compress encodes data.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	return c.codec.encode(c, data)
}

// ContentEncoding returns the Content-Encoding header value, or "" for
// uncompressed bodies.
func (c *Compressor) ContentEncoding() string {
	return c.codec.encoding
}

// Close releases the zstd encoder, if any.
func (c *Compressor) Close() error {
	if c.zstd != nil {
		return c.zstd.Close()
	}

	return nil
}

// Decompress reverses Compress for algorithm. Used by receivers and tests.
func Decompress(algorithm string, data []byte) ([]byte, error) {
	if algorithm == "" {
		algorithm = CompressionNone
	}

	cd, ok := codecs[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	return cd.decode(data)
}

func writeAll(data []byte, wrap func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer

	w := wrap(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("writing compressed body: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing compressor: %w", err)
	}

	return buf.Bytes(), nil
}
