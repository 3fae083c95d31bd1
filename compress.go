package hammerhead

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding values the rewriting stage can undo and redo.
const (
	EncodingGzip    = "gzip"
	EncodingZstd    = "zstd"
	EncodingBrotli  = "br"
	EncodingDeflate = "deflate"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding the proxy cannot
// decode. Such bodies are streamed through without rewriting.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

type coding struct {
	decode func([]byte) ([]byte, error)
	encode func(io.Writer) io.WriteCloser
}

var codings = map[string]coding{
	EncodingGzip:    {decodeGzip, newGzipWriter},
	"x-gzip":        {decodeGzip, newGzipWriter},
	EncodingDeflate: {decodeDeflate, func(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) }},
	EncodingBrotli: {
		func(b []byte) ([]byte, error) { return io.ReadAll(brotli.NewReader(bytes.NewReader(b))) },
		func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) },
	},
	EncodingZstd: {decodeZstd, nil},
}

// parseContentEncoding splits a Content-Encoding header into the codings in
// the order they were applied. identity is dropped.
func parseContentEncoding(header string) []string {
	var out []string
	for part := range strings.SplitSeq(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" && part != "identity" {
			out = append(out, part)
		}
	}
	return out
}

func canDecode(encodings []string) bool {
	for _, enc := range encodings {
		if _, ok := codings[enc]; !ok {
			return false
		}
	}
	return true
}

// Decompress undoes a Content-Encoding list, last applied first.
func Decompress(data []byte, encodings []string) ([]byte, error) {
	for i := len(encodings) - 1; i >= 0; i-- {
		c, ok := codings[encodings[i]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encodings[i])
		}
		var err error
		if data, err = c.decode(data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", encodings[i], err)
		}
	}
	return data, nil
}

// Compress applies a Content-Encoding list in order.
func Compress(data []byte, encodings []string) ([]byte, error) {
	for _, enc := range encodings {
		var err error
		if data, err = CompressBytes(data, enc); err != nil {
			return nil, fmt.Errorf("encode %s: %w", enc, err)
		}
	}
	return data, nil
}

// CompressBytes compresses data with a single coding.
func CompressBytes(data []byte, encoding string) ([]byte, error) {
	c, ok := codings[encoding]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
	if encoding == EncodingZstd {
		enc, err := zstdCoders()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, nil), nil
	}

	var buf bytes.Buffer
	w := c.encode(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if gz, ok := w.(*gzip.Writer); ok {
		gz.Reset(io.Discard)
		gzipWriters.Put(gz)
	}
	return buf.Bytes(), nil
}

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

func newGzipWriter(w io.Writer) io.WriteCloser {
	gz := gzipWriters.Get().(*gzip.Writer)
	gz.Reset(w)
	return gz
}

func decodeGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// decodeDeflate accepts both zlib-wrapped and raw deflate streams; servers
// send either.
func decodeDeflate(data []byte) ([]byte, error) {
	if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		defer func() { _ = r.Close() }()
		if out, err := io.ReadAll(r); err == nil {
			return out, nil
		}
	}
	r := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// The zstd coders are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCoders() (*zstd.Encoder, error) {
	zstdOnce.Do(func() {
		if zstdEncoder, zstdErr = zstd.NewWriter(nil); zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdErr
}

func decodeZstd(data []byte) ([]byte, error) {
	if _, err := zstdCoders(); err != nil {
		return nil, err
	}
	return zstdDecoder.DecodeAll(data, nil)
}
