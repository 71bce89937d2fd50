package capability

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// NvidiaSMIProber queries adapters through the nvidia-smi CLI. A missing
// binary means the host has no NVIDIA stack and maps to ErrNoAccelerator.
func NvidiaSMIProber(binary string) Prober {
	return func(ctx context.Context) ([]GPU, error) {
		path, err := exec.LookPath(binary)
		if err != nil {
			return nil, ErrNoAccelerator
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, path,
			"--query-gpu=index,name,memory.total",
			"--format=csv,noheader,nounits")
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return nil, fmt.Errorf("nvidia-smi: %w: %s", err, msg)
			}
			return nil, fmt.Errorf("nvidia-smi: %w", err)
		}

		gpus, err := parseNvidiaSMI(stdout.String())
		if err != nil {
			return nil, err
		}
		if len(gpus) == 0 {
			return nil, ErrNoAccelerator
		}
		return gpus, nil
	}
}

// parseNvidiaSMI reads "index, name, memoryMiB" rows.
func parseNvidiaSMI(output string) ([]GPU, error) {
	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi row %q", line)
		}

		index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("parse adapter index %q: %w", fields[0], err)
		}

		// adapter names may themselves contain commas
		name := strings.TrimSpace(strings.Join(fields[1:len(fields)-1], ","))

		memMiB, err := strconv.ParseFloat(strings.TrimSpace(fields[len(fields)-1]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse adapter memory %q: %w", fields[len(fields)-1], err)
		}

		gpus = append(gpus, GPU{
			Index:    index,
			Name:     name,
			MemoryGB: memMiB / 1024,
		})
	}
	return gpus, nil
}
