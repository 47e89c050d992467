// Package device resolves the compute device a training run executes on and
// performs the explicit host-to-device transfer of incoming batches.
package device

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/tensor"
)

// ErrUnavailable is returned when the requested compute resource cannot be used.
var ErrUnavailable = errors.New("compute device unavailable")

// Device describes the resolved compute target.
type Device struct {
	Type tensor.DeviceType
	Name string

	// Host capabilities, probed once at resolution time
	Brand         string
	LogicalCores  int
	PhysicalCores int
	HalfPrecision bool // F16C conversions available in hardware
	VectorWidth   int  // widest float32 SIMD lane count detected
}

// Resolve maps a device name from configuration onto a usable device.
// Only the host CPU is supported; accelerator names fail with ErrUnavailable.
func Resolve(name string) (*Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cpu", "":
		return probeCPU(), nil
	case "cuda", "gpu", "metal", "mps":
		return nil, errors.Wrapf(ErrUnavailable, "device %q: no accelerator backend is compiled in", name)
	default:
		return nil, errors.Wrapf(ErrUnavailable, "unknown device %q", name)
	}
}

func probeCPU() *Device {
	d := &Device{
		Type:          tensor.CPU,
		Name:          "cpu",
		Brand:         cpuid.CPU.BrandName,
		LogicalCores:  cpuid.CPU.LogicalCores,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		HalfPrecision: cpuid.CPU.Supports(cpuid.F16C),
		VectorWidth:   4,
	}
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		d.VectorWidth = 16
	case cpuid.CPU.Supports(cpuid.AVX2):
		d.VectorWidth = 8
	}
	if d.Brand == "" {
		d.Brand = "unknown CPU"
	}
	return d
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (%s, %d logical cores, fp16=%t, simd=%d)",
		d.Name, d.Brand, d.LogicalCores, d.HalfPrecision, d.VectorWidth)
}

// Transfer moves t onto the device. A tensor already on the device is
// validated and returned as-is without copying; any other tensor is cloned
// and the copy is tagged with the device.
func (d *Device) Transfer(t *tensor.Tensor) (*tensor.Tensor, error) {
	if err := t.Validate(); err != nil {
		return nil, errors.Wrap(err, "transfer")
	}
	if t.Device == d.Type {
		return t, nil
	}
	moved := t.Clone()
	moved.Device = d.Type
	return moved, nil
}
