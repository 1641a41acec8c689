package platform

import (
	"strconv"
	"strings"
)

// Vendor is the detected GPU vendor.
type Vendor string

const (
	VendorNone   Vendor = "none"
	VendorNvidia Vendor = "nvidia"
	VendorAMD    Vendor = "amd"
	VendorApple  Vendor = "apple"
)

// GPUInfo describes the primary GPU usable for model offload.
type GPUInfo struct {
	Vendor Vendor
	Name   string
	VRAMMB int
}

// commandRunner abstracts exec for testability.
type commandRunner func(name string, args ...string) (string, error)

// detectGPU probes for a usable GPU. On darwin, Metal with unified memory is
// assumed; elsewhere nvidia-smi is tried first, then rocm-smi.
func detectGPU(goos string, run commandRunner) GPUInfo {
	if goos == "darwin" {
		info := GPUInfo{Vendor: VendorApple, Name: "Apple Silicon"}
		// Unified memory: report total system memory as VRAM.
		if out, err := run("sysctl", "-n", "hw.memsize"); err == nil {
			if b, perr := strconv.ParseInt(strings.TrimSpace(out), 10, 64); perr == nil {
				info.VRAMMB = int(b / 1024 / 1024)
			}
		}
		return info
	}

	if out, err := run("nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits"); err == nil {
		if info, ok := parseNvidiaSMI(out); ok {
			return info
		}
	}

	if out, err := run("rocm-smi", "--showproductname", "--showmeminfo", "vram", "--csv"); err == nil {
		if strings.TrimSpace(out) != "" {
			return GPUInfo{Vendor: VendorAMD, Name: parseROCmName(out)}
		}
	}

	return GPUInfo{Vendor: VendorNone}
}

// parseNvidiaSMI reads the first line of
// "NVIDIA GeForce RTX 4090, 24564" style CSV output.
func parseNvidiaSMI(out string) (GPUInfo, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return GPUInfo{}, false
	}
	parts := strings.Split(lines[0], ",")
	if len(parts) < 2 {
		return GPUInfo{}, false
	}
	info := GPUInfo{Vendor: VendorNvidia, Name: strings.TrimSpace(parts[0])}
	if mb, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
		info.VRAMMB = mb
	}
	if info.Name == "" {
		return GPUInfo{}, false
	}
	return info, true
}

func parseROCmName(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(strings.ToLower(line), "card series") {
			fields := strings.Split(line, ",")
			if len(fields) > 1 {
				return strings.TrimSpace(fields[len(fields)-1])
			}
		}
	}
	return "AMD GPU"
}
