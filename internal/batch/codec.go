package batch

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses and decompresses sealed batches. Implementations must be
// safe for concurrent use; writers and readers they hand out are not.
type Codec interface {
	// Name is the configuration name of the codec ("gzip", "zstd").
	Name() string

	// Ext is the object key extension, including the encoding suffix
	// ("jsonl.gz", "jsonl.zst").
	Ext() string

	// NewWriter wraps w with a compressing writer. Close flushes the
	// compressed stream but does not close w.
	NewWriter(w io.Writer) (io.WriteCloser, error)

	// NewReader wraps r with a decompressing reader.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Gzip is the default batch codec. The delivery stream the pipeline is
// modeled on compresses with gzip, so gzip objects interoperate with
// external consumers.
type Gzip struct{}

func (Gzip) Name() string { return "gzip" }
func (Gzip) Ext() string  { return "jsonl.gz" }

func (Gzip) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (Gzip) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// Zstd trades interoperability for better ratios and much faster
// decompression on the consumer side.
type Zstd struct{}

func (Zstd) Name() string { return "zstd" }
func (Zstd) Ext() string  { return "jsonl.zst" }

func (Zstd) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (Zstd) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

// CodecByName resolves a configuration name to a codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "gzip":
		return Gzip{}, nil
	case "zstd":
		return Zstd{}, nil
	default:
		return nil, fmt.Errorf("unknown batch codec: %q", name)
	}
}

// CodecForKey resolves a codec from an object key's extension. Consumers use
// this so a queue can carry notifications for objects written with mixed
// codecs.
func CodecForKey(key string) (Codec, error) {
	switch {
	case strings.HasSuffix(key, ".jsonl.gz"):
		return Gzip{}, nil
	case strings.HasSuffix(key, ".jsonl.zst"):
		return Zstd{}, nil
	default:
		return nil, fmt.Errorf("no codec for object key: %q", key)
	}
}
