package detections

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/Tutortoise/detection-service/models"
	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeMu sync.Mutex

	// model strides of the three YOLO detection heads
	strides = []int{8, 16, 32}
)

// InitRuntime loads the ONNX Runtime shared library once per process.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// numAnchors is the number of candidate boxes a YOLO head emits for a
// square input of the given size (8400 at 640).
func numAnchors(size int) int {
	n := 0
	for _, s := range strides {
		n += (size / s) * (size / s)
	}
	return n
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]

	broken bool
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// ONNXConfig describes how to open a YOLO11 ONNX graph.
type ONNXConfig struct {
	ModelPath      string
	Classes        []string
	Provider       models.Provider
	DeviceIndex    int
	Sessions       int
	AcquireTimeout time.Duration
	Threads        int
}

// ONNXDetector runs a YOLO11 export through ONNX Runtime. The graph takes
// "images" [1,3,640,640] and yields "output0" [1,4+C,8400].
type ONNXDetector struct {
	pool     *SessionPool
	classes  []string
	anchors  int
	provider models.Provider
	workers  int
}

func NewONNXDetector(cfg ONNXConfig) (*ONNXDetector, error) {
	if len(cfg.Classes) == 0 {
		return nil, fmt.Errorf("no class labels configured")
	}

	d := &ONNXDetector{
		classes:  cfg.Classes,
		anchors:  numAnchors(InputWidth),
		provider: cfg.Provider,
		workers:  runtime.GOMAXPROCS(0),
	}

	pool, err := NewSessionPool(func() (*ModelSession, error) {
		return newModelSession(cfg, d.anchors)
	}, cfg.Sessions, cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	d.pool = pool

	return d, nil
}

// ONNXOpener adapts base into an OpenFunc for the Loader. A missing model
// file fails before any session is created.
func ONNXOpener(base ONNXConfig) OpenFunc {
	return func(provider models.Provider, deviceIndex int) (Detector, error) {
		if _, err := os.Stat(base.ModelPath); err != nil {
			return nil, fmt.Errorf("model file not found: %s: %w", base.ModelPath, err)
		}

		cfg := base
		cfg.Provider = provider
		cfg.DeviceIndex = deviceIndex
		return NewONNXDetector(cfg)
	}
}

func newModelSession(cfg ONNXConfig, anchors int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(threads)

	if cfg.Provider == models.ProviderCUDA {
		if err := appendCUDA(options, cfg.DeviceIndex); err != nil {
			return nil, err
		}
	}

	inputShape := ort.NewShape(1, 3, InputHeight, InputWidth)
	outputShape := ort.NewShape(1, int64(4+len(cfg.Classes)), int64(anchors))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

func appendCUDA(options *ort.SessionOptions, device int) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("error creating cuda options: %w", err)
	}
	defer cudaOptions.Destroy()

	err = cudaOptions.Update(map[string]string{
		"device_id": strconv.Itoa(device),
	})
	if err != nil {
		return fmt.Errorf("error configuring cuda device %d: %w", device, err)
	}

	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		return fmt.Errorf("error enabling cuda provider: %w", err)
	}
	return nil
}

func (d *ONNXDetector) Classes() []string {
	return d.classes
}

func (d *ONNXDetector) Provider() models.Provider {
	return d.provider
}

func (d *ONNXDetector) Stats() PoolStats {
	return d.pool.Stats()
}

func (d *ONNXDetector) Close() error {
	d.pool.Destroy()
	return nil
}

func (d *ONNXDetector) Detect(ctx context.Context, img *image.NRGBA, t Thresholds) ([]models.RawDetection, error) {
	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer d.pool.Release(session)

	bounds := img.Bounds()
	start := time.Now()

	resized := imaging.Resize(img, InputWidth, InputHeight, imaging.Linear)
	resizeTime := time.Since(start)

	prepStart := time.Now()
	prepareInput(resized, session.Input.GetData(), d.workers)
	prepTime := time.Since(prepStart)

	inferStart := time.Now()
	if err := session.Session.Run(); err != nil {
		session.broken = true
		return nil, fmt.Errorf("model inference: %w", err)
	}
	inferTime := time.Since(inferStart)

	postStart := time.Now()
	candidates, err := d.decodeOutput(session.Output.GetData(), bounds.Dx(), bounds.Dy(), t.Confidence)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	kept := nonMaxSuppression(candidates, t.IoU, MaxDetections)

	log.WithFields(log.Fields{
		"resize":      resizeTime,
		"preprocess":  prepTime,
		"inference":   inferTime,
		"postprocess": time.Since(postStart),
		"candidates":  len(candidates),
		"kept":        len(kept),
	}).Debug("Detector stage timings")

	return kept, nil
}

// prepareInput writes pic into dst as planar RGB scaled to [0,1]. Rows are
// split across workers.
func prepareInput(pic *image.NRGBA, dst []float32, workers int) {
	width, height := pic.Bounds().Dx(), pic.Bounds().Dy()
	channelSize := width * height
	if workers < 1 {
		workers = 1
	}
	if workers > height {
		workers = height
	}
	rowsPerWorker := height / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := pic.Pix[y*pic.Stride : y*pic.Stride+width*4]
				offset := y * width
				for x := 0; x < width; x++ {
					i := offset + x
					dst[i] = float32(src[x*4]) / 255.0
					dst[channelSize+i] = float32(src[x*4+1]) / 255.0
					dst[channelSize*2+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

// decodeOutput turns the [4+C, anchors] prediction matrix into corner boxes
// in the original image space. Anchors are scanned in parallel chunks.
func (d *ONNXDetector) decodeOutput(predictions []float32, origWidth, origHeight int, confThreshold float64) ([]models.RawDetection, error) {
	return decodePredictions(predictions, len(d.classes), d.anchors, origWidth, origHeight, confThreshold, d.workers)
}

func decodePredictions(predictions []float32, numClasses, anchors, origWidth, origHeight int, confThreshold float64, workers int) ([]models.RawDetection, error) {
	rows := 4 + numClasses
	if len(predictions) != rows*anchors {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), rows*anchors)
	}

	scaleX := float64(origWidth) / InputWidth
	scaleY := float64(origHeight) / InputHeight
	threshold := float32(confThreshold)

	const chunkSize = 512
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan int, workers)
	// each chunk is written by exactly one worker; joining them by index
	// keeps the output in anchor order regardless of scheduling
	chunks := make([][]models.RawDetection, (anchors+chunkSize-1)/chunkSize)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for start := range jobs {
				end := start + chunkSize
				if end > anchors {
					end = anchors
				}

				var local []models.RawDetection
				for i := start; i < end; i++ {
					best, bestScore := -1, float32(0)
					for c := 0; c < numClasses; c++ {
						score := predictions[(4+c)*anchors+i]
						if best < 0 || score > bestScore {
							best, bestScore = c, score
						}
					}
					if bestScore <= threshold {
						continue
					}

					cx := float64(predictions[i])
					cy := float64(predictions[anchors+i])
					w := float64(predictions[2*anchors+i])
					h := float64(predictions[3*anchors+i])

					local = append(local, models.RawDetection{
						X1:         clamp((cx-w/2)*scaleX, float64(origWidth)),
						Y1:         clamp((cy-h/2)*scaleY, float64(origHeight)),
						X2:         clamp((cx+w/2)*scaleX, float64(origWidth)),
						Y2:         clamp((cy+h/2)*scaleY, float64(origHeight)),
						ClassIndex: best,
						Confidence: float64(bestScore),
					})
				}
				chunks[start/chunkSize] = local
			}
		}()
	}

	for i := 0; i < anchors; i += chunkSize {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var detections []models.RawDetection
	for _, chunk := range chunks {
		detections = append(detections, chunk...)
	}

	return detections, nil
}

func clamp(v, upper float64) float64 {
	if v < 0 {
		return 0
	}
	if v > upper {
		return upper
	}
	return v
}
