package detections

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/Tutortoise/detection-service/models"
	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

// Input is one detection request. Exactly one of Payload (base64 or data
// URI) and Data (raw container bytes) is used; Data wins when both are set.
type Input struct {
	RequestID string
	Start     time.Time
	Payload   string
	Data      []byte
	Width     int
	Height    int
	Annotate  bool
}

type Output struct {
	Detections     []models.DetectionResult
	AnnotatedImage string
	InferenceTime  int
	ImageWidth     int
	ImageHeight    int
	Timings        models.ProcessingTimings
}

func (o *Output) InferenceResponse() models.InferenceResponse {
	return models.InferenceResponse{
		Detections:    o.Detections,
		InferenceTime: o.InferenceTime,
		ImageWidth:    o.ImageWidth,
		ImageHeight:   o.ImageHeight,
	}
}

func (o *Output) PhotoDetectResponse() models.PhotoDetectResponse {
	return models.PhotoDetectResponse{
		Detections:     o.Detections,
		AnnotatedImage: o.AnnotatedImage,
		InferenceTime:  o.InferenceTime,
		ImageWidth:     o.ImageWidth,
		ImageHeight:    o.ImageHeight,
	}
}

// Pipeline runs decode, lazy model init, detection, normalization and the
// optional annotation for both detection endpoints.
type Pipeline struct {
	loader     *Loader
	annotator  *Annotator
	decoder    Decoder
	thresholds Thresholds
}

func NewPipeline(loader *Loader) *Pipeline {
	return &Pipeline{
		loader:     loader,
		annotator:  NewAnnotator(),
		decoder:    defaultDecoder,
		thresholds: DefaultThresholds,
	}
}

// SetMaxImagePixels changes the decode cap. Call before serving.
func (p *Pipeline) SetMaxImagePixels(n int) {
	p.decoder.MaxPixels = n
}

func (p *Pipeline) Loader() *Loader {
	return p.loader
}

func (p *Pipeline) Run(ctx context.Context, in Input) (out *Output, err error) {
	if in.Start.IsZero() {
		in.Start = time.Now()
	}
	timings := models.ProcessingTimings{RequestID: in.RequestID}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = detectionFailure("detection pipeline panicked", fmt.Errorf("%v", r))
		}
	}()

	decodeStart := time.Now()
	var img *image.NRGBA
	if in.Data != nil {
		img, err = p.decoder.DecodeBytes(in.Data)
	} else {
		img, err = p.decoder.DecodePayload(in.Payload)
	}
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}

	modelStart := time.Now()
	handle, err := p.loader.Initialize()
	timings.Model = time.Since(modelStart)
	if err != nil {
		return nil, err
	}

	inferStart := time.Now()
	raw, err := handle.Detector.Detect(ctx, img, p.thresholds)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		return nil, detectionFailure("detection failed", err)
	}

	normStart := time.Now()
	results := Normalize(raw, handle.Classes)
	timings.Normalize = time.Since(normStart)

	out = &Output{
		Detections:  results,
		ImageWidth:  in.Width,
		ImageHeight: in.Height,
	}

	if in.Annotate {
		annotateStart := time.Now()
		out.AnnotatedImage, err = p.annotator.Annotate(img, results)
		timings.Annotate = time.Since(annotateStart)
		if err != nil {
			return nil, detectionFailure("failed to annotate image", err)
		}
	}

	end := time.Now()
	out.InferenceTime = ElapsedMillis(in.Start, end)
	timings.Total = end.Sub(in.Start)
	out.Timings = timings

	return out, nil
}

// ElapsedMillis floors the wall-clock span to whole milliseconds. Clock
// skew never yields a negative count.
func ElapsedMillis(start, end time.Time) int {
	ms := end.Sub(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return int(ms)
}

// Warmup loads the model and pushes one black 640x640 frame through
// decode and inference. The frame goes through a JPEG round trip so the
// decoder paths are exercised too.
func (p *Pipeline) Warmup(ctx context.Context) error {
	start := time.Now()

	handle, err := p.loader.Initialize()
	if err != nil {
		return err
	}

	frame := imaging.New(InputWidth, InputHeight, color.NRGBA{A: 0xff})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return detectionFailure("failed to encode warm-up frame", err)
	}

	img, err := DecodeBytes(buf.Bytes())
	if err != nil {
		return err
	}

	if _, err := handle.Detector.Detect(ctx, img, p.thresholds); err != nil {
		return detectionFailure("warm-up inference failed", err)
	}

	log.WithFields(log.Fields{
		"model":    handle.ModelName,
		"provider": handle.Provider,
		"took":     time.Since(start),
	}).Info("[Model] Warm-up complete")

	return nil
}
