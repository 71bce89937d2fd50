package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawDetection is a single box as emitted by a detector, in pixel
// coordinates of the decoded image.
type RawDetection struct {
	X1, Y1, X2, Y2 float64
	ClassIndex     int
	Confidence     float64
}

// DetectionResult is the canonical box representation returned to callers.
// BBox is [x, y, w, h] in pixels.
type DetectionResult struct {
	BBox       [4]float64 `json:"bbox"`
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
}

// InferenceRequest is shared by both detection endpoints. Width and Height
// are echoed back untouched. All three fields must be present in JSON.
type InferenceRequest struct {
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (r *InferenceRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Image  *string `json:"image"`
		Width  *int    `json:"width"`
		Height *int    `json:"height"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var missing []string
	if raw.Image == nil {
		missing = append(missing, "image")
	}
	if raw.Width == nil {
		missing = append(missing, "width")
	}
	if raw.Height == nil {
		missing = append(missing, "height")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required field(s): %s", strings.Join(missing, ", "))
	}

	*r = InferenceRequest{Image: *raw.Image, Width: *raw.Width, Height: *raw.Height}
	return nil
}

type InferenceResponse struct {
	Detections    []DetectionResult `json:"detections"`
	InferenceTime int               `json:"inferenceTime"`
	ImageWidth    int               `json:"imageWidth"`
	ImageHeight   int               `json:"imageHeight"`
}

type PhotoDetectResponse struct {
	Detections     []DetectionResult `json:"detections"`
	AnnotatedImage string            `json:"annotatedImage"`
	InferenceTime  int               `json:"inferenceTime"`
	ImageWidth     int               `json:"imageWidth"`
	ImageHeight    int               `json:"imageHeight"`
}

type Provider string

const (
	ProviderCUDA Provider = "cuda"
	ProviderCPU  Provider = "cpu"
)

// CapabilityInfo describes the compute backend negotiated for the process.
type CapabilityInfo struct {
	Available  bool     `json:"available"`
	Provider   Provider `json:"provider"`
	DeviceName string   `json:"deviceName,omitempty"`
	MemoryGB   float64  `json:"memoryGB,omitempty"`
}

type CapabilityResponse struct {
	Status string         `json:"status"`
	Model  string         `json:"model"`
	GPU    CapabilityInfo `json:"gpu"`
	Error  string         `json:"error,omitempty"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Model       time.Duration
	Inference   time.Duration
	Normalize   time.Duration
	Annotate    time.Duration
	Total       time.Duration
}
