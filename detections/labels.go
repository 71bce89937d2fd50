package detections

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed coco.names
var cocoNames string

// COCOClasses returns the 80-class table the stock YOLO11 weights are
// trained on.
func COCOClasses() []string {
	classes, _ := readLabels(strings.NewReader(cocoNames))
	return classes
}

// LoadLabels reads a class table with one name per line. Blank lines are
// skipped so trailing newlines do not shift indices.
func LoadLabels(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening labels file: %w", err)
	}
	defer f.Close()

	labels, err := readLabels(f)
	if err != nil {
		return nil, fmt.Errorf("error reading labels file: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", file)
	}
	return labels, nil
}

func readLabels(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)

	var labels []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		labels = append(labels, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}
