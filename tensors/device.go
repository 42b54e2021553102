// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

// Device tags where a tensor (logically) lives.
//
// The engine itself runs on the host; accelerated backends declare the
// device they serve and tensors are routed accordingly. An accelerated
// backend may be host-emulated, in which case CUDA-tagged tensors are still
// backed by host memory.
type Device uint8

const (
	// CPU is the host device.
	CPU Device = iota

	// CUDA is the accelerated (GPU) device.
	CUDA
)

// String implements fmt.Stringer.
func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	}
	return "unknown"
}

// IsAccelerator returns whether the device is not the host CPU.
func (d Device) IsAccelerator() bool { return d != CPU }
