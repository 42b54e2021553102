// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Dims arithmetic shared by the engine and the backends. All functions take
// and return full channels-first dims (batch and channel axes included) and
// assume the slices were already validated by the caller.

// ConvOutputDims computes the output dims of a forward convolution:
//
//	out = (in + 2*padding - (dilation*(kernel-1) + 1)) / stride + 1
func ConvOutputDims(inputDims, weightDims, padding, stride, dilation []int) []int {
	out := make([]int, len(inputDims))
	out[0] = inputDims[0]
	out[1] = weightDims[0]
	for d := 0; d < len(inputDims)-2; d++ {
		kernel := dilation[d]*(weightDims[d+2]-1) + 1
		out[d+2] = (inputDims[d+2]+2*padding[d]-kernel)/stride[d] + 1
	}
	return out
}

// ConvInputDims inverts ConvOutputDims, recovering the input dims from the
// output dims. It is the output-size rule of a transposed convolution:
//
//	in = (out - 1)*stride - 2*padding + dilation*(kernel-1) + 1 + outputPadding
func ConvInputDims(outputDims, weightDims, padding, outputPadding, stride, dilation []int, groups int) []int {
	in := make([]int, len(outputDims))
	in[0] = outputDims[0]
	in[1] = weightDims[1] * groups
	for d := 0; d < len(outputDims)-2; d++ {
		kernel := dilation[d]*(weightDims[d+2]-1) + 1
		in[d+2] = (outputDims[d+2]-1)*stride[d] - 2*padding[d] + kernel + outputPadding[d]
	}
	return in
}

// ConvWeightDims recovers the weight dims from the input and output dims.
func ConvWeightDims(outputDims, inputDims, padding, outputPadding, stride, dilation []int, groups int) []int {
	weight := make([]int, len(outputDims))
	weight[0] = outputDims[1]
	weight[1] = inputDims[1] / groups
	for d := 0; d < len(outputDims)-2; d++ {
		kernel := inputDims[d+2] + 2*padding[d] - outputPadding[d] - (outputDims[d+2]-1)*stride[d] - 1
		weight[d+2] = kernel/dilation[d] + 1
	}
	return weight
}
