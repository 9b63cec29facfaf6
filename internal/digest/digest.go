// Package digest computes the content digests used as storage keys.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/juju/errors"
)

// ErrIntegrityMismatch is returned when content does not hash to the
// digest it was stored or declared under.
const ErrIntegrityMismatch = errors.ConstError("digest integrity mismatch")

// Algorithm names a supported hash function.
type Algorithm string

const (
	MD5    Algorithm = "MD5"
	SHA1   Algorithm = "SHA-1"
	SHA256 Algorithm = "SHA-256"
)

// Default is the algorithm used when none is configured.
const Default = MD5

// ParseAlgorithm accepts the canonical names and their common lowercase
// spellings ("md5", "sha1", "sha256").
func ParseAlgorithm(name string) (Algorithm, error) {
	if name == "" {
		return Default, nil
	}
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "md5":
		return MD5, nil
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	}
	return "", errors.NotValidf("digest algorithm %q", name)
}

func (a Algorithm) String() string { return string(a) }

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	default:
		return md5.New()
	}
}

// HexLen is the length of a hex-encoded digest.
func (a Algorithm) HexLen() int {
	return a.New().Size() * 2
}

// IsValid reports whether s looks like a digest of this algorithm:
// lowercase hex of the right length.
func (a Algorithm) IsValid(s string) bool {
	if len(s) != a.HexLen() {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Writer hashes and counts everything written to it.
type Writer struct {
	alg Algorithm
	h   hash.Hash
	n   int64
}

// NewWriter returns a hashing writer.
func NewWriter(alg Algorithm) *Writer {
	return &Writer{alg: alg, h: alg.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, _ := w.h.Write(p)
	w.n += int64(n)
	return n, nil
}

// Digest returns the hex digest of what was written so far.
func (w *Writer) Digest() string { return hex.EncodeToString(w.h.Sum(nil)) }

// Count returns the number of bytes written.
func (w *Writer) Count() int64 { return w.n }

// Algorithm returns the writer's algorithm.
func (w *Writer) Algorithm() Algorithm { return w.alg }

// Sum hashes r to EOF.
func Sum(alg Algorithm, r io.Reader) (string, int64, error) {
	w := NewWriter(alg)
	if _, err := io.Copy(w, r); err != nil {
		return "", 0, errors.Trace(err)
	}
	return w.Digest(), w.Count(), nil
}

// SumString hashes a string.
func SumString(alg Algorithm, s string) string {
	d, _, _ := Sum(alg, strings.NewReader(s))
	return d
}
