// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provides the small slice helpers used across the engine,
// complementing the standard slices package.
package xslices

import "golang.org/x/exp/constraints"

// SliceWithValue returns a slice of the given size filled with the given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// Iota returns a slice of the given size, filled with incrementing numbers
// starting with start.
func Iota[T constraints.Integer](start T, size int) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = start + T(ii)
	}
	return s
}

// Copy creates a new (shallow) copy of the slice. A nil or empty slice
// returns nil.
func Copy[T any](slice []T) []T {
	if len(slice) == 0 {
		return nil
	}
	s := make([]T, len(slice))
	copy(s, slice)
	return s
}

// Insert returns a copy of the slice with value inserted at the given index.
func Insert[T any](slice []T, index int, value T) []T {
	s := make([]T, 0, len(slice)+1)
	s = append(s, slice[:index]...)
	s = append(s, value)
	s = append(s, slice[index:]...)
	return s
}

// Remove returns a copy of the slice without the element at the given index.
func Remove[T any](slice []T, index int) []T {
	s := make([]T, 0, len(slice)-1)
	s = append(s, slice[:index]...)
	s = append(s, slice[index+1:]...)
	return s
}

// Max returns the largest element of the slice. It panics on empty slices.
func Max[T constraints.Ordered](slice []T) T {
	best := slice[0]
	for _, value := range slice[1:] {
		if value > best {
			best = value
		}
	}
	return best
}
