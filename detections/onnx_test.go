package detections

import (
	"image"
	"image/color"
	"math"
	"sort"
	"testing"
)

func TestNumAnchors(t *testing.T) {
	if got := numAnchors(640); got != 8400 {
		t.Errorf("expected 8400 anchors, got %d", got)
	}
}

func TestPrepareInput(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 0, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 255, B: 0, A: 255})
	img.SetNRGBA(0, 1, color.NRGBA{R: 0, G: 0, B: 255, A: 255})
	img.SetNRGBA(1, 1, color.NRGBA{R: 51, G: 102, B: 204, A: 255})

	dst := make([]float32, 12)
	prepareInput(img, dst, 8)

	want := []float32{
		1, 0, 0, 0.2, // R plane
		0, 1, 0, 0.4, // G plane
		0, 0, 1, 0.8, // B plane
	}
	for i := range want {
		if math.Abs(float64(dst[i]-want[i])) > 1e-6 {
			t.Fatalf("index %d: expected %f, got %f (%v)", i, want[i], dst[i], dst)
		}
	}
}

func TestDecodePredictions(t *testing.T) {
	const anchors = 3
	// rows: cx, cy, w, h, class0, class1
	predictions := []float32{
		320, 100, 10,
		320, 100, 10,
		64, 20, 40,
		64, 20, 40,
		0.1, 0.2, 0.5,
		0.8, 0.1, 0.3,
	}

	got, err := decodePredictions(predictions, 2, anchors, 1280, 640, 0.25, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(got), got)
	}
	sort.Slice(got, func(i, j int) bool { return got[i].Confidence > got[j].Confidence })

	first := got[0]
	if first.ClassIndex != 1 || math.Abs(first.Confidence-0.8) > 1e-6 {
		t.Errorf("unexpected first candidate %+v", first)
	}
	if first.X1 != 576 || first.Y1 != 288 || first.X2 != 704 || first.Y2 != 352 {
		t.Errorf("unexpected scaled box %+v", first)
	}

	second := got[1]
	if second.ClassIndex != 0 || second.X1 != 0 || second.Y1 != 0 {
		t.Errorf("expected box clamped at origin, got %+v", second)
	}
	if second.X2 != 60 || second.Y2 != 30 {
		t.Errorf("unexpected far corner %+v", second)
	}
}

func TestDecodePredictions_ShapeMismatch(t *testing.T) {
	if _, err := decodePredictions(make([]float32, 10), 2, 3, 640, 640, 0.25, 1); err == nil {
		t.Error("expected error for wrong prediction length")
	}
}

func TestDecodePredictions_AnchorOrder(t *testing.T) {
	const anchors = 2000
	predictions := make([]float32, 5*anchors)
	for i := 0; i < anchors; i++ {
		predictions[i] = float32(i)*0.3 + 1 // cx
		predictions[anchors+i] = 100         // cy
		predictions[2*anchors+i] = 0.2       // w
		predictions[3*anchors+i] = 0.2       // h
		predictions[4*anchors+i] = 0.5       // equal scores
	}

	first, err := decodePredictions(predictions, 1, anchors, InputWidth, InputHeight, 0.25, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != anchors {
		t.Fatalf("expected %d candidates, got %d", anchors, len(first))
	}
	for i := 1; i < len(first); i++ {
		if first[i].X1 <= first[i-1].X1 {
			t.Fatalf("candidates out of anchor order at %d: %v then %v", i, first[i-1].X1, first[i].X1)
		}
	}

	kept := nonMaxSuppression(first, IouThreshold, MaxDetections)
	for run := 0; run < 5; run++ {
		again, err := decodePredictions(predictions, 1, anchors, InputWidth, InputHeight, 0.25, 8)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		keptAgain := nonMaxSuppression(again, IouThreshold, MaxDetections)
		if len(keptAgain) != len(kept) {
			t.Fatalf("run %d kept %d, want %d", run, len(keptAgain), len(kept))
		}
		for i := range kept {
			if keptAgain[i] != kept[i] {
				t.Fatalf("run %d differs at %d: %+v vs %+v", run, i, keptAgain[i], kept[i])
			}
		}
	}
	if kept[0].X1 != first[0].X1 || kept[len(kept)-1].X1 != first[len(kept)-1].X1 {
		t.Errorf("expected ties kept in anchor order")
	}
}
