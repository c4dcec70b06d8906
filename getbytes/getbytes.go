// Package getbytes views slices and values of fixed-size numbers as raw bytes in the
// machine's native byte order, without copying.
package getbytes

import (
	"unsafe"
)

// Number lists the element types whose in-memory layout has no padding or pointers.
type Number interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// FromSlice returns the bytes underlying d. The result aliases d.
func FromSlice[T Number](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromValue returns the bytes of a single value, as a new slice.
func FromValue[T Number](d T) []byte {
	return append([]byte{}, FromSlice([]T{d})...)
}

// FromSliceFloat64 convert a []float64 to []byte using unsafe
func FromSliceFloat64(d []float64) []byte {
	return FromSlice(d)
}

// FromSliceFloat32 convert a []float32 to []byte using unsafe
func FromSliceFloat32(d []float32) []byte {
	return FromSlice(d)
}

// FromSliceUint32 convert a []uint32 to []byte using unsafe
func FromSliceUint32(d []uint32) []byte {
	return FromSlice(d)
}
