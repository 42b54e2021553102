// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goref

import (
	"slices"
	"time"

	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Algorithm identifiers, numbered per operation kind like vendor libraries
// do. The *Direct algorithms need no workspace and are the defaults.
const (
	FwdDirect backends.Algorithm = iota
	FwdIm2Col
)

const (
	BwdInputDirect backends.Algorithm = iota
	BwdInputPacked
)

const (
	BwdWeightDirect backends.Algorithm = iota
	BwdWeightCols
)

// Algorithms implements backends.Accelerated.
func (b *Backend) Algorithms(kind backends.OpKind) []backends.Algorithm {
	switch kind {
	case backends.Forward:
		return []backends.Algorithm{FwdDirect, FwdIm2Col}
	case backends.BackwardInput:
		return []backends.Algorithm{BwdInputDirect, BwdInputPacked}
	case backends.BackwardWeight:
		return []backends.Algorithm{BwdWeightDirect, BwdWeightCols}
	}
	return nil
}

// DefaultAlgorithm implements backends.Accelerated. All defaults are the
// workspace-free direct kernels.
func (b *Backend) DefaultAlgorithm(kind backends.OpKind) backends.Algorithm {
	switch kind {
	case backends.BackwardInput:
		return BwdInputDirect
	case backends.BackwardWeight:
		return BwdWeightDirect
	}
	return FwdDirect
}

// HeuristicAlgorithm implements backends.Accelerated: lowering to columns
// pays off on 2-D problems, elsewhere the direct kernels win.
func (b *Backend) HeuristicAlgorithm(kind backends.OpKind, geom backends.ConvGeometry) (backends.Algorithm, error) {
	switch kind {
	case backends.Forward:
		if geom.SpatialRank() == 2 {
			return FwdIm2Col, nil
		}
		return FwdDirect, nil
	case backends.BackwardInput:
		return BwdInputDirect, nil
	case backends.BackwardWeight:
		if geom.SpatialRank() == 2 {
			return BwdWeightCols, nil
		}
		return BwdWeightDirect, nil
	}
	return 0, errors.Errorf("goref: invalid operation kind %d", kind)
}

// WorkspaceSize implements backends.Accelerated.
func (b *Backend) WorkspaceSize(kind backends.OpKind, geom backends.ConvGeometry, algo backends.Algorithm) (int64, error) {
	elem := int64(geom.Input.DType.Memory())
	inPerGroup := int64(geom.Weight.Dimensions[1])
	outPerGroup := int64(geom.Weight.Dimensions[0] / geom.Groups)
	kernelSize := int64(prod(geom.Weight.Dimensions[2:]))
	nOut := int64(prod(geom.Output.Dimensions[2:]))
	colsRows := inPerGroup * kernelSize

	switch kind {
	case backends.Forward:
		switch algo {
		case FwdDirect:
			return 0, nil
		case FwdIm2Col:
			return (colsRows*nOut + outPerGroup*colsRows) * elem, nil
		}
	case backends.BackwardInput:
		switch algo {
		case BwdInputDirect:
			return 0, nil
		case BwdInputPacked:
			return colsRows * outPerGroup * elem, nil
		}
	case backends.BackwardWeight:
		switch algo {
		case BwdWeightDirect:
			return 0, nil
		case BwdWeightCols:
			return (colsRows*nOut + outPerGroup*colsRows) * elem, nil
		}
	}
	return 0, errors.Errorf("goref: no algorithm %d for %s", algo, kind)
}

// TimeAlgorithms implements backends.Accelerated, running each candidate
// once on the real data. Candidates whose workspace requirement exceeds the
// provided scratch fail without running. Results come back fastest first,
// failed candidates last.
func (b *Backend) TimeAlgorithms(kind backends.OpKind, geom backends.ConvGeometry,
	candidates []backends.Algorithm, input, weight, output *tensors.Tensor,
	ws *backends.Workspace) ([]backends.AlgoPerf, error) {
	perfs := make([]backends.AlgoPerf, 0, len(candidates))
	for _, algo := range candidates {
		perf := backends.AlgoPerf{Algo: algo, Deterministic: true}
		size, err := b.WorkspaceSize(kind, geom, algo)
		switch {
		case err != nil:
			perf.Err = err
		case size > ws.Size():
			perf.Err = errors.Errorf("goref: algorithm %d of %s needs %d bytes workspace, only %d available",
				algo, kind, size, ws.Size())
		default:
			perf.Memory = size
			start := time.Now()
			perf.Err = b.Exec(kind, algo, geom, input, weight, output, ws, 1, 0)
			perf.Time = time.Since(start)
		}
		perfs = append(perfs, perf)
	}
	slices.SortStableFunc(perfs, func(a, b backends.AlgoPerf) int {
		if (a.Err == nil) != (b.Err == nil) {
			if a.Err == nil {
				return -1
			}
			return 1
		}
		return int(a.Time - b.Time)
	})
	return perfs, nil
}

// Exec implements backends.Accelerated.
func (b *Backend) Exec(kind backends.OpKind, algo backends.Algorithm, geom backends.ConvGeometry,
	input, weight, output *tensors.Tensor, ws *backends.Workspace, alpha, beta float64) error {
	required, err := b.WorkspaceSize(kind, geom, algo)
	if err != nil {
		return err
	}
	if ws.Size() < required {
		return errors.Errorf("goref: algorithm %d of %s needs %d bytes workspace, got %d",
			algo, kind, required, ws.Size())
	}
	switch geom.Input.DType {
	case dtypes.Float32:
		return execTyped[float32](kind, algo, geom, input, weight, output, ws, alpha, beta)
	case dtypes.Float64:
		return execTyped[float64](kind, algo, geom, input, weight, output, ws, alpha, beta)
	}
	return errors.Errorf("goref: dtype %s not supported", geom.Input.DType)
}

func execTyped[T tensors.Supported](kind backends.OpKind, algo backends.Algorithm,
	geom backends.ConvGeometry, input, weight, output *tensors.Tensor,
	ws *backends.Workspace, alpha, beta float64) error {
	switch kind {
	case backends.Forward:
		switch algo {
		case FwdDirect:
			directForward[T](input, weight, output, geom.Stride, geom.Padding, geom.Dilation, geom.Groups, alpha, beta)
			return nil
		case FwdIm2Col:
			im2colForward[T](input, weight, output, geom.Stride, geom.Padding, geom.Dilation, geom.Groups, ws, alpha, beta)
			return nil
		}
	case backends.BackwardInput:
		switch algo {
		case BwdInputDirect:
			directBackwardInput[T](input, weight, output, geom.Stride, geom.Padding, geom.Dilation, geom.Groups, alpha, beta)
			return nil
		case BwdInputPacked:
			packedBackwardInput[T](input, weight, output, geom.Stride, geom.Padding, geom.Dilation, geom.Groups, ws, alpha, beta)
			return nil
		}
	case backends.BackwardWeight:
		switch algo {
		case BwdWeightDirect:
			directBackwardWeight[T](input, weight, output, geom.Stride, geom.Padding, geom.Dilation, geom.Groups, alpha, beta)
			return nil
		case BwdWeightCols:
			colsBackwardWeight[T](input, weight, output, geom.Stride, geom.Padding, geom.Dilation, geom.Groups, ws, alpha, beta)
			return nil
		}
	}
	return errors.Errorf("goref: no algorithm %d for %s", algo, kind)
}
