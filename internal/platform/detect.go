package platform

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

const appName = "whisperd"

type Runtime struct {
	OS   string
	Arch string
}

func CurrentRuntime() Runtime {
	return Runtime{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

func DefaultModelDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "models"), nil
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	return DefaultModelDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

func defaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appName), nil
		}
		return filepath.Join(homeDir, ".local", "share", appName), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

// Probe is the set of host checks used by DetectAcceleratorWith.
type Probe struct {
	LookPath func(string) (string, error)
	Stat     func(string) (os.FileInfo, error)
}

func DefaultProbe() Probe {
	return Probe{LookPath: exec.LookPath, Stat: os.Stat}
}

// DetectAccelerator returns "cuda", "metal" or "" when only the CPU is usable.
func DetectAccelerator() string {
	return DetectAcceleratorWith(CurrentRuntime(), DefaultProbe())
}

func DetectAcceleratorWith(rt Runtime, probe Probe) string {
	if rt.OS == "darwin" && rt.Arch == "arm64" {
		return "metal"
	}
	if rt.OS != "linux" {
		return ""
	}

	if probe.Stat != nil {
		if _, err := probe.Stat("/dev/nvidia0"); err == nil {
			return "cuda"
		}
	}
	if probe.LookPath != nil {
		if _, err := probe.LookPath("nvidia-smi"); err == nil {
			return "cuda"
		}
	}
	return ""
}
