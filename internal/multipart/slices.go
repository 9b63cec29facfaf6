// Package multipart splits a byte range into the numbered parts used by
// multipart uploads and server-side multipart copies.
package multipart

import (
	"fmt"

	"github.com/juju/errors"
)

// Slice is a zero-based, half-open byte range [Start, End).
type Slice struct {
	Num   int
	Start int64
	End   int64
}

// Len is the number of bytes in the slice.
func (s Slice) Len() int64 { return s.End - s.Start }

// PartNumber is the 1-based part number object stores expect.
func (s Slice) PartNumber() int32 { return int32(s.Num + 1) }

// Range renders the slice as an inclusive HTTP byte range.
func (s Slice) Range() string {
	return fmt.Sprintf("bytes=%d-%d", s.Start, s.End-1)
}

// ProcessSlices calls fn for each consecutive slice of sliceSize bytes
// covering [0, totalLength). The last slice is shortened to fit. A zero
// length yields no slices. Iteration stops at the first error from fn.
func ProcessSlices(sliceSize, totalLength int64, fn func(Slice) error) error {
	if sliceSize <= 0 {
		return errors.NotValidf("slice size %d", sliceSize)
	}
	if totalLength < 0 {
		return errors.NotValidf("total length %d", totalLength)
	}
	num := 0
	for start := int64(0); start < totalLength; start += sliceSize {
		end := min(start+sliceSize, totalLength)
		if err := fn(Slice{Num: num, Start: start, End: end}); err != nil {
			return err
		}
		num++
	}
	return nil
}

// Slices returns all slices ProcessSlices would visit.
func Slices(sliceSize, totalLength int64) ([]Slice, error) {
	var slices []Slice
	err := ProcessSlices(sliceSize, totalLength, func(s Slice) error {
		slices = append(slices, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slices, nil
}
