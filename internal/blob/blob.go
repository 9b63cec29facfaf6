// Package blob holds the content and metadata types shared by the binary
// manager and the record store.
package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/juju/errors"
)

// Info is the metadata a caller persists next to the key it got back
// from a write, and hands back to read the blob again.
type Info struct {
	Key             string `json:"key"`
	Digest          string `json:"digest,omitempty"`
	DigestAlgorithm string `json:"digestAlgorithm,omitempty"`
	Length          int64  `json:"length"`
	Filename        string `json:"filename,omitempty"`
	MimeType        string `json:"mimeType,omitempty"`
	Encoding        string `json:"encoding,omitempty"`
}

// Opener opens a fresh stream over a blob's content.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Blob is content plus its metadata.
//
// TemporaryDigest marks a declared digest that is only a placeholder;
// writers replace it with the computed one.
type Blob struct {
	Info
	TemporaryDigest bool

	open Opener
}

// New returns a blob whose content comes from open.
func New(info Info, open Opener) *Blob {
	return &Blob{Info: info, open: open}
}

// FromBytes returns an in-memory blob.
func FromBytes(data []byte, info Info) *Blob {
	if info.Length == 0 {
		info.Length = int64(len(data))
	}
	return New(info, func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// FromString returns an in-memory blob over s.
func FromString(s string, info Info) *Blob {
	if info.Length == 0 {
		info.Length = int64(len(s))
	}
	return New(info, func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	})
}

// FromFile returns a blob backed by the file at path.
func FromFile(path string, info Info) *Blob {
	return New(info, func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	})
}

// Open returns a new stream over the content.
func (b *Blob) Open(ctx context.Context) (io.ReadCloser, error) {
	if b.open == nil {
		return nil, errors.NotValidf("blob %q without content", b.Key)
	}
	return b.open(ctx)
}

// Bytes reads the whole content.
func (b *Blob) Bytes(ctx context.Context) ([]byte, error) {
	rc, err := b.Open(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return data, errors.Trace(err)
}

// String reads the whole content as a string.
func (b *Blob) String(ctx context.Context) (string, error) {
	data, err := b.Bytes(ctx)
	return string(data), err
}

// NeedsDigest reports whether the declared digest must be replaced by a
// computed one.
func (b *Blob) NeedsDigest() bool {
	return b.Digest == "" || b.TemporaryDigest
}

// FixDigest applies the digest fixup policy: a missing or temporary
// declared digest is replaced by the computed one, a real one is kept.
func (b *Blob) FixDigest(digest, algorithm string) {
	if !b.NeedsDigest() {
		return
	}
	b.Digest = digest
	b.DigestAlgorithm = algorithm
	b.TemporaryDigest = false
}
