// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// convbench times the convolution algorithms of a backend on one problem
// and prints the sweep the engine's benchmark mode would run, followed by
// the backend's default and heuristic picks.
//
// Example:
//
//	convbench --input 2,3,64,64 --weight 8,3,3,3 --stride 1 --padding 1
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/convdispatch/backends"
	_ "github.com/gomlx/convdispatch/backends/goref"
	"github.com/gomlx/convdispatch/conv"
	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var flags struct {
	backend   string
	kind      string
	dtype     string
	input     []int
	weight    []int
	stride    []int
	padding   []int
	dilation  []int
	groups    int
	workspace int64
	seed      int64
}

func main() {
	klog.InitFlags(nil)
	root := &cobra.Command{
		Use:          "convbench",
		Short:        "Benchmark the convolution algorithms of a backend on one problem",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().AddGoFlagSet(flag.CommandLine)
	root.Flags().StringVar(&flags.backend, "backend", "goref", "backend configuration, \"<name>:<config>\"")
	root.Flags().StringVar(&flags.kind, "kind", "forward", "operation kind: forward, backward-input or backward-weight")
	root.Flags().StringVar(&flags.dtype, "dtype", "float32", "element type: float32 or float64")
	root.Flags().IntSliceVar(&flags.input, "input", []int{2, 3, 64, 64}, "input dims, channels-first")
	root.Flags().IntSliceVar(&flags.weight, "weight", []int{8, 3, 3, 3}, "weight dims, [out, in/groups, kernel...]")
	root.Flags().IntSliceVar(&flags.stride, "stride", []int{1}, "stride per spatial axis (or one value for all)")
	root.Flags().IntSliceVar(&flags.padding, "padding", []int{0}, "padding per spatial axis")
	root.Flags().IntSliceVar(&flags.dilation, "dilation", []int{1}, "dilation per spatial axis")
	root.Flags().IntVar(&flags.groups, "groups", 1, "convolution groups")
	root.Flags().Int64Var(&flags.workspace, "workspace", 0, "workspace capacity in bytes, 0 for the default")
	root.Flags().Int64Var(&flags.seed, "seed", 42, "seed for the random tensor data")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseKind(name string) (backends.OpKind, error) {
	for kind := backends.Forward; int(kind) < backends.NumOpKinds; kind++ {
		if kind.String() == name {
			return kind, nil
		}
	}
	return 0, errors.Errorf("unknown operation kind %q", name)
}

func parseDType(name string) (dtypes.DType, error) {
	switch name {
	case "float32":
		return dtypes.Float32, nil
	case "float64":
		return dtypes.Float64, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported dtype %q", name)
}

func expand(values []int, spatialRank int) []int {
	if len(values) == 1 {
		expanded := make([]int, spatialRank)
		for d := range expanded {
			expanded[d] = values[0]
		}
		return expanded
	}
	return values
}

func randomize(t *tensors.Tensor, rng *rand.Rand) {
	switch flat := t.Data().(type) {
	case []float32:
		for ii := range flat {
			flat[ii] = rng.Float32() - 0.5
		}
	case []float64:
		for ii := range flat {
			flat[ii] = rng.Float64() - 0.5
		}
	}
}

func run() error {
	kind, err := parseKind(flags.kind)
	if err != nil {
		return err
	}
	dtype, err := parseDType(flags.dtype)
	if err != nil {
		return err
	}
	spatialRank := len(flags.input) - 2
	if spatialRank < 1 || len(flags.weight) != len(flags.input) {
		return errors.Errorf("input (%d dims) and weight (%d dims) must have equal rank of at least 3",
			len(flags.input), len(flags.weight))
	}
	stride := expand(flags.stride, spatialRank)
	padding := expand(flags.padding, spatialRank)
	dilation := expand(flags.dilation, spatialRank)

	backend := backends.New(flags.backend)
	allocator := backends.NewHostAllocator(flags.workspace)

	outDims, err := conv.OutputSize(flags.input, flags.weight, padding, stride, dilation)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(flags.seed))
	device := backend.Device()
	input := tensors.NewOnDevice(device, dtype, flags.input...)
	weight := tensors.NewOnDevice(device, dtype, flags.weight...)
	output := tensors.NewOnDevice(device, dtype, outDims...)
	randomize(input, rng)
	randomize(weight, rng)
	randomize(output, rng)

	geom := backends.ConvGeometry{
		Input:    input.Shape(),
		Weight:   weight.Shape(),
		Output:   output.Shape(),
		Padding:  padding,
		Stride:   stride,
		Dilation: dilation,
		Groups:   flags.groups,
	}

	candidates := backend.Algorithms(kind)
	limit := allocator.FreeMemory()
	var maxWs int64
	for _, algo := range candidates {
		size, err := backend.WorkspaceSize(kind, geom, algo)
		if err == nil && size <= limit && size > maxWs {
			maxWs = size
		}
	}
	ws, err := allocator.Alloc(maxWs)
	if err != nil {
		return errors.Wrap(err, "allocating benchmark workspace")
	}
	defer ws.Release()

	perfs, err := backend.TimeAlgorithms(kind, geom, candidates, input, weight, output, ws)
	if err != nil {
		return errors.Wrapf(err, "timing %s algorithms", kind)
	}

	fmt.Printf("%s %s on %s: input %v, weight %v, output %v, groups=%d\n\n",
		backend.Name(), kind, device, flags.input, flags.weight, outDims, flags.groups)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Algorithm", "Time", "Workspace", "Deterministic", "Status"})
	for _, perf := range perfs {
		status := "ok"
		if perf.Err != nil {
			status = perf.Err.Error()
		}
		table.Append([]string{
			fmt.Sprintf("%d", perf.Algo),
			perf.Time.String(),
			humanize.IBytes(uint64(perf.Memory)),
			fmt.Sprintf("%t", perf.Deterministic),
			status,
		})
	}
	table.Render()

	heuristic, err := backend.HeuristicAlgorithm(kind, geom)
	if err != nil {
		return err
	}
	fmt.Printf("\ndefault algorithm: %d, heuristic pick: %d\n", backend.DefaultAlgorithm(kind), heuristic)
	return nil
}
