package packages

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// Compression is the encoding of a Packages index file.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGZIP Compression = "gz"
	CompressionXZ   Compression = "xz"
)

// preferred is the order in which index variants are tried.
var preferred = []Compression{CompressionXZ, CompressionGZIP, CompressionNone}

// ParseCompression accepts an extension with or without the leading dot.
func ParseCompression(s string) Compression {
	switch s {
	case "gz", ".gz":
		return CompressionGZIP
	case "xz", ".xz":
		return CompressionXZ
	default:
		return CompressionNone
	}
}

func (c Compression) String() string {
	if c == CompressionNone {
		return "none"
	}
	return string(c)
}

// Extension is the file suffix, including the dot.
func (c Compression) Extension() string {
	switch c {
	case CompressionGZIP:
		return ".gz"
	case CompressionXZ:
		return ".xz"
	default:
		return ""
	}
}

// Compress encodes data. It is used to build fixtures and re-encode indexes.
func (c Compression) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch c {
	case CompressionGZIP:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case CompressionXZ:
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", string(c))
	}
	return buf.Bytes(), nil
}

// Decompress wraps r with the matching decoder.
func (c Compression) Decompress(r io.Reader) (io.Reader, error) {
	switch c {
	case CompressionGZIP:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return zr, nil
	case CompressionXZ:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening xz stream: %w", err)
		}
		return zr, nil
	case CompressionNone:
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", string(c))
	}
}
