// Package compression wraps zstd for streaming object files on disk.
package compression

import (
	"bufio"
	"bytes"
	"io"

	"github.com/juju/errors"
	"github.com/klauspost/compress/zstd"
)

// magic is the zstd frame header. Objects without it are read raw.
var magic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Compressor produces zstd streams at a fixed level. A disabled
// Compressor passes data through unchanged.
type Compressor struct {
	level   zstd.EncoderLevel
	enabled bool
}

// NewCompressor maps level 1..3 to fastest, default and better
// compression. Other levels use the default.
func NewCompressor(level int, enabled bool) *Compressor {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}
	return &Compressor{level: encoderLevel, enabled: enabled}
}

// Enabled reports whether writes are compressed.
func (c *Compressor) Enabled() bool {
	return c != nil && c.enabled
}

// NewWriter returns a writer that compresses into w. Closing it flushes
// the frame but does not close w.
func (c *Compressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	if !c.Enabled() {
		return nopWriteCloser{w}, nil
	}
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, errors.Annotate(err, "creating zstd encoder")
	}
	return enc, nil
}

// NewReader returns a reader over r's content. Compressed frames are
// detected by their magic and decoded, anything else is returned as is.
// Closing the result closes r.
func NewReader(r io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(magic))
	if err != nil && err != io.EOF {
		r.Close()
		return nil, errors.Trace(err)
	}
	if !bytes.Equal(head, magic) {
		return &readCloser{Reader: br, closer: r}, nil
	}
	dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
	if err != nil {
		r.Close()
		return nil, errors.Annotate(err, "creating zstd decoder")
	}
	return &readCloser{Reader: dec, closer: r, release: dec.Close}, nil
}

type readCloser struct {
	io.Reader
	closer  io.Closer
	release func()
}

func (r *readCloser) Close() error {
	if r.release != nil {
		r.release()
	}
	return r.closer.Close()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
