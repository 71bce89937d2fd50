package detections_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/Tutortoise/detection-service/capability"
	"github.com/Tutortoise/detection-service/detections"
	"github.com/Tutortoise/detection-service/detections/detectionstest"
	"github.com/Tutortoise/detection-service/models"
)

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 40), G: uint8(y * 60), B: uint8(x + y), A: 0xff})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodePNGBase64(t *testing.T, img image.Image) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString(encodePNG(t, img))
}

func noAccelerator() *capability.Detector {
	return capability.New(capability.Config{Prober: func(ctx context.Context) ([]capability.GPU, error) {
		return nil, capability.ErrNoAccelerator
	}})
}

// stubLoader returns a loader whose model is stub, bound to CPU.
func stubLoader(stub *detectionstest.StubDetector) *detections.Loader {
	return detections.NewLoader(detections.LoaderConfig{
		ModelName:  "YOLO11n",
		Capability: noAccelerator(),
		Open: func(provider models.Provider, deviceIndex int) (detections.Detector, error) {
			return stub, nil
		},
	})
}
