// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide small generic helpers over slices missing from the standard slices package.
package xslices

import (
	"cmp"
	"flag"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"golang.org/x/exp/constraints"
)

// FillSlice fills the slice with the given value.
func FillSlice[T any](slice []T, value T) {
	for ii := range slice {
		slice[ii] = value
	}
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	FillSlice(s, value)
	return s
}

// Iota returns a slice of incremental values, starting with start and of the given length.
// Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T constraints.Integer | constraints.Float](start T, length int) (slice []T) {
	slice = make([]T, length)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Linspace returns n evenly spaced values over [start, stop], both ends included.
// For n == 1 it returns []T{start}.
func Linspace[T constraints.Float](start, stop T, n int) []T {
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / T(n-1)
	for ii := range out {
		out[ii] = start + T(ii)*step
	}
	out[n-1] = stop
	return out
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns the sorted keys of a map.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

// MaxAbsDiff returns the largest absolute difference between elements of s0 and s1.
// It returns +Inf if the lengths differ, and NaN is propagated.
func MaxAbsDiff[T constraints.Float](s0, s1 []T) float64 {
	if len(s0) != len(s1) {
		return math.Inf(1)
	}
	var maxDiff float64
	for ii := range s0 {
		diff := math.Abs(float64(s0[ii]) - float64(s1[ii]))
		if math.IsNaN(diff) {
			return diff
		}
		maxDiff = max(maxDiff, diff)
	}
	return maxDiff
}

// InDelta returns whether s0 and s1 have the same length and every pair of elements differ by at most delta.
func InDelta[T constraints.Float](s0, s1 []T, delta float64) bool {
	diff := MaxAbsDiff(s0, s1)
	return !math.IsNaN(diff) && diff <= delta
}

// AllFinite returns whether no element is NaN or Inf.
func AllFinite[T constraints.Float](slice []T) bool {
	for _, v := range slice {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// Flag creates a flag for []T in the given flag.FlagSet, with the given name, description and default value.
// It takes as input a parser for an individual T value. If flagSet is nil, flag.CommandLine is used.
func Flag[T any](flagSet *flag.FlagSet, name string, defaultValue []T, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	if flagSet == nil {
		flagSet = flag.CommandLine
	}
	f := &genericSliceFlagImpl[T]{
		parsedSlice: defaultValue,
		parserFn:    parserFn,
	}
	flagSet.Var(f, name, usage)
	return &f.parsedSlice
}

// genericSliceFlagImpl implements flag.Value for a generic type.
type genericSliceFlagImpl[T any] struct {
	parsedSlice []T
	parserFn    func(valueStr string) (T, error)
}

func (f *genericSliceFlagImpl[T]) String() string {
	return strings.Join(Map(f.parsedSlice, func(e T) string { return fmt.Sprintf("%v", e) }), ",")
}

func (f *genericSliceFlagImpl[T]) Set(listStr string) error {
	if listStr == "" {
		f.parsedSlice = make([]T, 0)
		return nil
	}
	parts := strings.Split(listStr, ",")
	f.parsedSlice = make([]T, len(parts))
	var err error
	for ii, part := range parts {
		f.parsedSlice[ii], err = f.parserFn(strings.TrimSpace(part))
		if err != nil {
			return err
		}
	}
	return nil
}
