// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/gomlx/convdispatch/tensors"
)

// DoubleBackward differentiates the convolution backward pass: given the
// gradients flowing into gradInput, gradWeight and gradBias (ggInput,
// ggWeight, ggBias; each may be nil), it returns the resulting gradients of
// gradOutput, input and weight. mask selects which of the three results are
// wanted; a requested result with no contributing term comes back as zeros.
//
//	ggOutput   = conv(ggInput, weight) + conv(input, ggWeight) + broadcast(ggBias)
//	gradWeight = correlation of ggInput with gradOutput
//	gradInput  = convolution of gradOutput with ggWeight, transposed-flipped
//
// Everything is composed from the forward dispatcher, so each term goes
// through the full path selection and algorithm negotiation.
func (e *Engine) DoubleBackward(ggInput, ggWeight, ggBias, gradOutput, input, weight *tensors.Tensor,
	spec Spec, mask [3]bool) (ggOutput, gradInput, gradWeight *tensors.Tensor, err error) {
	if gradOutput == nil || input == nil || weight == nil {
		return nil, nil, nil, shapeErrorf("double-backward gradOutput, input and weight must not be nil")
	}
	p, err := normalize(spec, input.Rank()-2)
	if err != nil {
		return nil, nil, nil, err
	}

	// ggOutput = conv(ggInput, weight) + conv(input, ggWeight) + ggBias.
	if ggInput != nil {
		ggOutput, err = e.Convolution(ggInput, weight, nil, p.spec())
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if ggWeight != nil {
		term, err := e.Convolution(input, ggWeight, nil, p.spec())
		if err != nil {
			return nil, nil, nil, err
		}
		if ggOutput != nil {
			ggOutput = tensors.Add(ggOutput, term)
		} else {
			ggOutput = term
		}
	}
	if ggBias != nil {
		view := ggBias.Unsqueeze(0)
		for view.Rank() < gradOutput.Rank() {
			view = view.Unsqueeze(view.Rank())
		}
		expanded := view.Expand(gradOutput.Dims()...)
		if ggOutput != nil {
			ggOutput = tensors.Add(ggOutput, expanded)
		} else {
			ggOutput = expanded.Clone()
		}
	}

	// gradWeight correlates ggInput with gradOutput, exactly like the first
	// order weight gradient correlates input with gradOutput.
	if ggInput != nil {
		gradWeight, err = e.backwardWeightCompose(weight.Dims(), ggInput.Contiguous(), gradOutput.Contiguous(), p)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	if ggWeight != nil {
		gradInput, err = e.doubleBackwardInput(ggWeight, gradOutput, input, weight, p)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	if mask[0] && ggOutput == nil {
		ggOutput = tensors.ZerosLike(gradOutput)
	}
	if mask[1] && gradInput == nil {
		gradInput = tensors.ZerosLike(input)
	}
	if mask[2] && gradWeight == nil {
		gradWeight = tensors.ZerosLike(weight)
	}
	return ggOutput, gradInput, gradWeight, nil
}

// doubleBackwardInput computes the input gradient contributed by ggWeight.
//
// For a transposed convolution this is a plain convolution of gradOutput
// with ggWeight, narrowed back to the input extent. Otherwise it is phrased
// as a transposed convolution over the batch-transposed tensors with stride
// and dilation swapped, with output padding chosen so the result spans the
// whole input.
func (e *Engine) doubleBackwardInput(ggWeight, gradOutput, input, weight *tensors.Tensor, p *params) (*tensors.Tensor, error) {
	if p.transposed {
		flip := p.spec()
		flip.Transposed = false
		gradInput, err := e.Convolution(gradOutput, ggWeight, nil, flip)
		if err != nil {
			return nil, err
		}
		for d := 2; d < input.Rank(); d++ {
			if gradInput.Dim(d) > input.Dim(d) {
				gradInput = gradInput.Narrow(d, 0, input.Dim(d))
			}
		}
		return gradInput.Contiguous(), nil
	}

	spatial := input.Rank() - 2
	giSpec := Spec{
		Stride:        p.dilation,
		Padding:       p.padding,
		Dilation:      p.stride,
		Transposed:    true,
		Groups:        1,
		OutputPadding: make([]int, spatial),
	}
	for d := 0; d < spatial; d++ {
		// How much of the input the windows actually covered.
		covered := (weight.Dim(2+d)-1)*p.dilation[d] - 2*p.padding[d] +
			p.stride[d]*(gradOutput.Dim(2+d)-1) + 1
		if covered != input.Dim(2+d) {
			giSpec.OutputPadding[d] = input.Dim(2+d) - covered
		}
	}

	ggWeightT := ggWeight.Transpose(0, 1)
	gradOutputT := gradOutput.Transpose(0, 1)
	var gradInputT *tensors.Tensor
	var err error
	if p.groups == 1 {
		gradInputT, err = e.Convolution(ggWeightT, gradOutputT, nil, giSpec)
		if err != nil {
			return nil, err
		}
	} else {
		parts := make([]*tensors.Tensor, p.groups)
		for g := range parts {
			ggWeightG := narrowGroup(ggWeightT, 1, p.groups, g)
			gradOutputG := narrowGroup(gradOutputT, 0, p.groups, g)
			parts[g], err = e.Convolution(ggWeightG, gradOutputG, nil, giSpec)
			if err != nil {
				return nil, err
			}
		}
		gradInputT = tensors.Cat(parts, 0)
	}
	return gradInputT.Transpose(0, 1).Contiguous(), nil
}
