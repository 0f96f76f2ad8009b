package stt

import (
	"fmt"
	"strconv"
	"strings"
)

// cpuIndex is the engine-level "no accelerator" value. The auto request shares it at
// the engine boundary, so it is resolved before any backend sees it.
const cpuIndex = -1

// Device is a resolved compute target.
type Device struct {
	Index int
	// Fallback is set when an accelerator was requested but CPU was chosen.
	Fallback bool
}

// CPU is the CPU device.
var CPU = Device{Index: cpuIndex}

func (d Device) IsCPU() bool { return d.Index < 0 }

func (d Device) String() string {
	if d.IsCPU() {
		return "cpu"
	}
	return fmt.Sprintf("gpu:%d", d.Index)
}

// ResolveDevice maps a configured device request onto a concrete device.
//
//	auto, "" or -1   first accelerator, else CPU
//	gpu, cuda, vulkan, metal   first accelerator, else CPU with Fallback
//	cpu              CPU
//	N                accelerator N when present, else CPU with Fallback
func ResolveDevice(request string, accelerators []int) Device {
	req := strings.ToLower(strings.TrimSpace(request))
	switch req {
	case "", "auto", strconv.Itoa(cpuIndex):
		if len(accelerators) > 0 {
			return Device{Index: accelerators[0]}
		}
		return CPU
	case "gpu", "cuda", "vulkan", "metal":
		if len(accelerators) > 0 {
			return Device{Index: accelerators[0]}
		}
		return Device{Index: cpuIndex, Fallback: true}
	case "cpu":
		return CPU
	}
	if n, err := strconv.Atoi(req); err == nil && n >= 0 {
		for _, a := range accelerators {
			if a == n {
				return Device{Index: n}
			}
		}
	}
	return Device{Index: cpuIndex, Fallback: true}
}
