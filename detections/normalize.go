package detections

import "github.com/Tutortoise/detection-service/models"

// ResolveClass maps a class index onto the table. Anything outside the
// table, negative indices included, resolves to "unknown".
func ResolveClass(index int, classes []string) string {
	if index < 0 || index >= len(classes) {
		return UnknownClass
	}
	return classes[index]
}

// Normalize converts corner boxes into offset+extent boxes. Every raw
// detection yields exactly one result, in the same order.
func Normalize(raw []models.RawDetection, classes []string) []models.DetectionResult {
	results := make([]models.DetectionResult, len(raw))
	for i, r := range raw {
		results[i] = models.DetectionResult{
			BBox:       [4]float64{r.X1, r.Y1, r.X2 - r.X1, r.Y2 - r.Y1},
			ClassName:  ResolveClass(r.ClassIndex, classes),
			Confidence: r.Confidence,
		}
	}
	return results
}
