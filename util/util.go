// Package util collects small numeric helpers used across the kernel,
// mirroring the teacher's util package (biscuit/src/util/util.go).
package util

import (
	"fmt"
	"os"
)

// Int is satisfied by all built-in integer types, matching the teacher's
// generic constraint in util/util.go.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Klog prints a prefixed diagnostic line the way the teacher's kernel
// packages use bare fmt.Printf (mem/mem.go, fs/blk.go) instead of a
// structured logging framework — see SPEC_FULL.md's ambient-stack note.
func Klog(subsystem, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "["+subsystem+"] "+format+"\n", args...)
}
