// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"slices"

	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/convdispatch/types/xslices"
)

// Spec carries the window parameters of one convolution call. Each slice may
// be empty (defaults), hold a single value broadcast over all spatial axes,
// or hold one value per spatial axis. Groups zero means one.
type Spec struct {
	Stride        []int
	Padding       []int
	Dilation      []int
	OutputPadding []int
	Transposed    bool
	Groups        int
}

// params is a Spec normalized against a concrete spatial rank: every slice
// has exactly one entry per spatial axis and all values were validated.
// Normalized params are never mutated by the dispatch paths; rank lifting
// returns a fresh value.
type params struct {
	stride        []int
	padding       []int
	dilation      []int
	outputPadding []int
	transposed    bool
	groups        int
}

func expandParam(name string, values []int, spatialRank, defaultValue int) ([]int, error) {
	switch len(values) {
	case 0:
		return xslices.SliceWithValue(spatialRank, defaultValue), nil
	case 1:
		return xslices.SliceWithValue(spatialRank, values[0]), nil
	case spatialRank:
		return slices.Clone(values), nil
	}
	return nil, &ArgumentCountError{Param: name, Expected: spatialRank, Got: len(values)}
}

// normalize expands and validates spec for the given spatial rank.
func normalize(spec Spec, spatialRank int) (*params, error) {
	p := &params{
		transposed: spec.Transposed,
		groups:     spec.Groups,
	}
	if p.groups == 0 {
		p.groups = 1
	}
	if p.groups < 0 {
		return nil, &NegativeValueError{Param: "groups", Values: []int{p.groups}}
	}
	var err error
	if p.stride, err = expandParam("stride", spec.Stride, spatialRank, 1); err != nil {
		return nil, err
	}
	if p.padding, err = expandParam("padding", spec.Padding, spatialRank, 0); err != nil {
		return nil, err
	}
	if p.dilation, err = expandParam("dilation", spec.Dilation, spatialRank, 1); err != nil {
		return nil, err
	}
	if p.outputPadding, err = expandParam("output_padding", spec.OutputPadding, spatialRank, 0); err != nil {
		return nil, err
	}
	for _, s := range p.stride {
		if s <= 0 {
			return nil, unsupportedf("stride must be positive, got %v", p.stride)
		}
	}
	for _, d := range p.dilation {
		if d <= 0 {
			return nil, unsupportedf("dilation must be positive, got %v", p.dilation)
		}
	}
	if slices.Min(p.padding) < 0 {
		return nil, &NegativeValueError{Param: "padding", Values: p.padding}
	}
	if slices.Min(p.outputPadding) < 0 {
		return nil, &NegativeValueError{Param: "output_padding", Values: p.outputPadding}
	}
	return p, nil
}

func (p *params) isDilated() bool {
	for _, d := range p.dilation {
		if d != 1 {
			return true
		}
	}
	return false
}

// isOutputPaddingBig reports output padding that a transposed kernel cannot
// express: it must stay below both stride and dilation on every axis.
func (p *params) isOutputPaddingBig() bool {
	for d, op := range p.outputPadding {
		if op >= p.stride[d] || op >= p.dilation[d] {
			return true
		}
	}
	return false
}

// liftedTo2D returns a copy of p with a unit spatial axis prefixed, matching
// a tensor lifted from 3-D to 4-D.
func (p *params) liftedTo2D() *params {
	return &params{
		stride:        append([]int{1}, p.stride...),
		padding:       append([]int{0}, p.padding...),
		dilation:      append([]int{1}, p.dilation...),
		outputPadding: append([]int{0}, p.outputPadding...),
		transposed:    p.transposed,
		groups:        p.groups,
	}
}

// spec converts back to the public form, e.g. to reenter the dispatcher with
// modified parameters.
func (p *params) spec() Spec {
	return Spec{
		Stride:        slices.Clone(p.stride),
		Padding:       slices.Clone(p.padding),
		Dilation:      slices.Clone(p.dilation),
		OutputPadding: slices.Clone(p.outputPadding),
		Transposed:    p.transposed,
		Groups:        p.groups,
	}
}

// isDepthwise reports whether the problem is a 2-D depthwise convolution on
// an accelerator: every input channel forms its own group.
func (p *params) isDepthwise(input, weight *tensors.Tensor) bool {
	return input.Device().IsAccelerator() &&
		!p.transposed &&
		input.Rank() == 4 &&
		input.Dim(1) == p.groups &&
		p.groups > 1 &&
		weight.Dim(0)%input.Dim(1) == 0
}
