package archive

import (
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
)

// Codec is the compression applied to the tar stream
type Codec string

const (
	CodecBzip2 Codec = "bzip2"
	CodecZstd  Codec = "zstd"
)

// ParseCodec parses a codec name
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case CodecBzip2, CodecZstd:
		return Codec(name), nil
	default:
		return "", fmt.Errorf("unknown archive codec: %q", name)
	}
}

// Extension returns the file extension of an archive using c
func (c Codec) Extension() string {
	if c == CodecZstd {
		return ".tar.zst"
	}
	return ".tar.bz2"
}

func (c Codec) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecBzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	case CodecZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported archive codec: %q", c)
	}
}

func (c Codec) newReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecBzip2:
		return bzip2.NewReader(r, nil)
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported archive codec: %q", c)
	}
}
