package detections

import (
	"testing"

	"github.com/Tutortoise/detection-service/models"
)

func TestNormalize(t *testing.T) {
	classes := []string{"apple", "banana"}
	raw := []models.RawDetection{
		{X1: 10, Y1: 10, X2: 50, Y2: 60, ClassIndex: 0, Confidence: 0.9},
		{X1: 1.25, Y1: 2.5, X2: 3.75, Y2: 10.125, ClassIndex: 1, Confidence: 0.3},
		{X1: 7, Y1: 7, X2: 7, Y2: 7, ClassIndex: 0, Confidence: 1.0},
		{X1: 0, Y1: 0, X2: 1, Y2: 1, ClassIndex: 2, Confidence: 0.0},
		{X1: 0, Y1: 0, X2: 1, Y2: 1, ClassIndex: -1, Confidence: 0.5},
	}

	got := Normalize(raw, classes)
	if len(got) != len(raw) {
		t.Fatalf("expected %d results, got %d", len(raw), len(got))
	}

	want := []models.DetectionResult{
		{BBox: [4]float64{10, 10, 40, 50}, ClassName: "apple", Confidence: 0.9},
		{BBox: [4]float64{1.25, 2.5, 2.5, 7.625}, ClassName: "banana", Confidence: 0.3},
		{BBox: [4]float64{7, 7, 0, 0}, ClassName: "apple", Confidence: 1.0},
		{BBox: [4]float64{0, 0, 1, 1}, ClassName: "unknown", Confidence: 0.0},
		{BBox: [4]float64{0, 0, 1, 1}, ClassName: "unknown", Confidence: 0.5},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestNormalize_Empty(t *testing.T) {
	got := Normalize(nil, []string{"apple"})
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}

func TestResolveClass(t *testing.T) {
	classes := []string{"a", "b", "c"}
	tests := []struct {
		index int
		want  string
	}{
		{0, "a"},
		{2, "c"},
		{3, "unknown"},
		{-1, "unknown"},
		{1 << 30, "unknown"},
	}
	for _, tc := range tests {
		if got := ResolveClass(tc.index, classes); got != tc.want {
			t.Errorf("ResolveClass(%d) = %q, want %q", tc.index, got, tc.want)
		}
	}

	if got := ResolveClass(0, nil); got != "unknown" {
		t.Errorf("expected unknown for empty table, got %q", got)
	}
}
