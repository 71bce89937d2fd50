package detections

import (
	"math"
	"sort"

	"github.com/Tutortoise/detection-service/models"
)

// calculateIOU returns intersection over union of two corner boxes.
func calculateIOU(a, b models.RawDetection) float64 {
	x1 := math.Max(a.X1, b.X1)
	y1 := math.Max(a.Y1, b.Y1)
	x2 := math.Min(a.X2, b.X2)
	y2 := math.Min(a.Y2, b.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	area2 := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}

// nonMaxSuppression keeps the most confident box of every overlapping
// group, per class. The result is ordered by descending confidence and
// capped at limit (0 means no cap). Surviving boxes are never merged.
func nonMaxSuppression(candidates []models.RawDetection, iouThreshold float64, limit int) []models.RawDetection {
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]models.RawDetection, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]models.RawDetection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))

	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		if limit > 0 && len(kept) >= limit {
			break
		}

		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassIndex != sorted[i].ClassIndex {
				continue
			}
			if calculateIOU(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}
