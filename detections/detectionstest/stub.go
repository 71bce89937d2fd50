// Package detectionstest provides a canned detections.Detector for tests
// of code that sits above the detection pipeline.
package detectionstest

import (
	"context"
	"image"
	"sync"

	"github.com/Tutortoise/detection-service/detections"
	"github.com/Tutortoise/detection-service/models"
)

var _ detections.Detector = (*StubDetector)(nil)

// StubDetector returns canned results. It records the last image and
// thresholds it was called with.
type StubDetector struct {
	mu         sync.Mutex
	classes    []string
	results    []models.RawDetection
	err        error
	calls      int
	closed     bool

	lastSize       image.Point
	lastThresholds detections.Thresholds
}

func NewStubDetector(classes []string) *StubDetector {
	return &StubDetector{classes: classes}
}

func (s *StubDetector) SetDetections(dets []models.RawDetection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = dets
}

func (s *StubDetector) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StubDetector) Detect(ctx context.Context, img *image.NRGBA, t detections.Thresholds) ([]models.RawDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.lastSize = img.Bounds().Size()
	s.lastThresholds = t

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}

	out := make([]models.RawDetection, len(s.results))
	copy(out, s.results)
	return out, nil
}

func (s *StubDetector) Classes() []string {
	return s.classes
}

func (s *StubDetector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *StubDetector) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubDetector) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LastCall reports the image size and thresholds of the most recent Detect.
func (s *StubDetector) LastCall() (image.Point, detections.Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSize, s.lastThresholds
}
