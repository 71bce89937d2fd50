package detections

import (
	"context"
	"image"

	"github.com/Tutortoise/detection-service/models"
)

// Thresholds control which candidates survive post-processing.
type Thresholds struct {
	Confidence float64
	IoU        float64
}

var DefaultThresholds = Thresholds{Confidence: ConfThreshold, IoU: IouThreshold}

// Detector is the contract any inference backend fulfils. Implementations
// return boxes in corner form, in the pixel space of img, already filtered
// by t and suppressed for overlap. The slice order is kept as-is by callers.
type Detector interface {
	Detect(ctx context.Context, img *image.NRGBA, t Thresholds) ([]models.RawDetection, error)
	Classes() []string
	Close() error
}
