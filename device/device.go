// Package device resolves the configured compute device and exposes the
// synchronisation barrier used before timing reads.
package device

import (
	"log/slog"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/tsawler/ct-classifier/tensor"
)

// ErrUnknownDevice is returned for device names that are neither the host
// CPU nor a recognised accelerator.
var ErrUnknownDevice = errors.New("unknown device")

const CPU = "cpu"

// Device is the resolved execution target.
type Device struct {
	Requested string
	Name      string
	Brand     string
	Threads   int
	Features  []string
}

// FellBack reports whether the requested device was replaced by the CPU.
func (d *Device) FellBack() bool {
	return d.Requested != d.Name
}

// Transfer places t on the device. Host memory is the only backing store,
// so the tensor is returned as is.
func (d *Device) Transfer(t *tensor.Tensor) *tensor.Tensor {
	return t
}

// Synchronize waits for outstanding kernel work.
func (d *Device) Synchronize() {
	tensor.Synchronize()
}

// isAccelerator recognises cuda, cuda:N, gpu and mps.
func isAccelerator(name string) bool {
	switch name {
	case "cuda", "gpu", "mps":
		return true
	}
	if idx, ok := strings.CutPrefix(name, "cuda:"); ok {
		n, err := strconv.Atoi(idx)
		return err == nil && n >= 0
	}
	return false
}

// acceleratorAvailable reports whether an accelerator backend is compiled
// in. Only the host backend exists.
func acceleratorAvailable(string) bool {
	return false
}

// Resolve maps the configured device name onto a Device. Accelerators that
// are not available fall back to the CPU with a warning. Availability is
// evaluated on every call, so a resumed run may resolve differently from the
// run that wrote its checkpoints.
func Resolve(requested string, logger *slog.Logger) (*Device, error) {
	normalized := strings.ToLower(strings.TrimSpace(requested))
	name := normalized
	switch {
	case name == CPU:
	case isAccelerator(name):
		if !acceleratorAvailable(name) {
			logger.Warn("device set to "+strconv.Quote(requested)+" but no accelerator is available; falling back to CPU",
				"requested", requested)
			name = CPU
		}
	default:
		return nil, errors.Wrapf(ErrUnknownDevice, "%q", requested)
	}

	d := &Device{
		Requested: normalized,
		Name:      name,
		Brand:     cpuid.CPU.BrandName,
		Threads:   hostThreads(),
		Features:  cpuid.CPU.FeatureSet(),
	}
	tensor.SetNumThreads(d.Threads)
	return d, nil
}

// hostThreads sizes kernel parallelism from the detected logical cores,
// bounded by GOMAXPROCS.
func hostThreads() int {
	n := cpuid.CPU.LogicalCores
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if max := runtime.GOMAXPROCS(0); n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return n
}

// HasAVX512 reports whether the host supports the AVX-512 foundation and
// doubleword/quadword extensions.
func HasAVX512() bool {
	return cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ)
}
