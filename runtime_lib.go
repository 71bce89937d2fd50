package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const libDir = "lib"

// runtimeLibraryName is the ONNX Runtime 1.20 library file for goos.
func runtimeLibraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.1.20.0.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so.1.20.0"
	}
}

// resolveLibraryPath picks the shared library to load. An explicit path
// must exist. Without one the bundled lib/ copy is used when present,
// otherwise "" leaves the choice to the system loader.
func resolveLibraryPath(configured string) (string, error) {
	if configured != "" {
		abs, err := filepath.Abs(configured)
		if err != nil {
			return "", fmt.Errorf("resolve onnx runtime path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("onnx runtime library not found: %s", abs)
		}
		return abs, nil
	}

	bundled := filepath.Join(libDir, runtimeLibraryName(runtime.GOOS))
	if _, err := os.Stat(bundled); err == nil {
		return filepath.Abs(bundled)
	}
	return "", nil
}
