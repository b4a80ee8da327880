package stt

import (
	"os/exec"
	"runtime"
	"strings"
)

// DeviceInfo describes the compute target an engine runs on.
type DeviceInfo struct {
	Device        string `json:"device"`
	DeviceType    string `json:"device_type"`
	CUDAAvailable bool   `json:"cuda_available"`
	MPSAvailable  bool   `json:"mps_available"`
}

type deviceProbe struct {
	lookPath func(string) (string, error)
	goos     string
	goarch   string
}

var hostProbe = deviceProbe{lookPath: exec.LookPath, goos: runtime.GOOS, goarch: runtime.GOARCH}

// ResolveDevice turns a configured device into concrete info. "auto" picks
// cuda when nvidia-smi is on PATH, mps on Apple silicon, and cpu otherwise.
func ResolveDevice(requested string) DeviceInfo {
	return hostProbe.resolve(requested)
}

func (p deviceProbe) resolve(requested string) DeviceInfo {
	_, err := p.lookPath("nvidia-smi")
	info := DeviceInfo{
		CUDAAvailable: err == nil,
		MPSAvailable:  p.goos == "darwin" && p.goarch == "arm64",
	}
	device := strings.ToLower(strings.TrimSpace(requested))
	if device == "" || device == "auto" {
		switch {
		case info.CUDAAvailable:
			device = "cuda"
		case info.MPSAvailable:
			device = "mps"
		default:
			device = "cpu"
		}
	}
	info.Device = device
	switch {
	case strings.HasPrefix(device, "cuda"):
		info.DeviceType = "cuda"
	case device == "mps":
		info.DeviceType = "mps"
	default:
		info.DeviceType = "cpu"
	}
	return info
}
