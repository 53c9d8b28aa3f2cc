package inference

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Device is the compute target the classifier is bound to.
type Device string

const (
	DeviceAuto   Device = "auto"
	DeviceCPU    Device = "cpu"
	DeviceCUDA   Device = "cuda"
	DeviceCoreML Device = "coreml"
)

// ParseDevice accepts auto, cpu, cuda or coreml, case-insensitively.
func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case "", DeviceAuto:
		return DeviceAuto, nil
	case DeviceCPU, DeviceCUDA, DeviceCoreML:
		return d, nil
	default:
		return "", errors.Errorf("unknown device %q (want auto, cpu, cuda or coreml)", s)
	}
}

// Accelerated reports whether d is a GPU or neural engine target.
func (d Device) Accelerated() bool {
	return d == DeviceCUDA || d == DeviceCoreML
}

// Precision is the numeric precision inference runs at.
type Precision string

const (
	PrecisionAuto    Precision = "auto"
	PrecisionFull    Precision = "full"
	PrecisionReduced Precision = "reduced"
)

// ParsePrecision accepts auto, full (float32) or reduced (bfloat16).
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PrecisionAuto:
		return PrecisionAuto, nil
	case PrecisionFull, PrecisionReduced:
		return p, nil
	case "fp32", "float32":
		return PrecisionFull, nil
	case "bf16", "bfloat16":
		return PrecisionReduced, nil
	default:
		return "", errors.Errorf("unknown precision %q (want auto, full or reduced)", s)
	}
}

// resolve picks reduced precision on accelerated devices when p is auto.
func (p Precision) resolve(d Device) Precision {
	if p != PrecisionAuto && p != "" {
		return p
	}
	if d.Accelerated() {
		return PrecisionReduced
	}
	return PrecisionFull
}

// roundBFloat16 rounds every value to the nearest bfloat16 (round half to
// even), leaving the result stored as float32.
func roundBFloat16(vals []float32) {
	for i, v := range vals {
		if math.IsNaN(float64(v)) {
			continue
		}
		bits := math.Float32bits(v)
		bits += 0x7fff + (bits>>16)&1
		vals[i] = math.Float32frombits(bits &^ 0xffff)
	}
}
