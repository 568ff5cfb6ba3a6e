package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Compression envelope tags. Every server binary payload starts with one
// of these, followed by the (possibly compressed) message body.
const (
	compressionNone   byte = 0
	compressionBrotli byte = 1
	compressionGzip   byte = 2
)

// ErrUnsupportedCompression reports a compression scheme this client does
// not implement.
var ErrUnsupportedCompression = errors.New("unsupported compression scheme")

// Compress wraps a message body in a gzip compression envelope. Used by
// tests and tooling that fake the server side.
func Compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(compressionGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Uncompressed wraps a message body in the none envelope.
func Uncompressed(body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, compressionNone)
	return append(out, body...)
}

// decompress strips the compression envelope from an inbound payload.
func decompress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrShortPayload
	}
	tag, body := payload[0], payload[1:]

	switch tag {
	case compressionNone:
		return body, nil

	case compressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip envelope: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip envelope: %w", err)
		}
		return out, nil

	case compressionBrotli:
		return nil, fmt.Errorf("%w: brotli", ErrUnsupportedCompression)

	default:
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnsupportedCompression, tag)
	}
}
