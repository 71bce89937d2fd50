package detections

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/detection-service/capability"
	"github.com/Tutortoise/detection-service/models"
	log "github.com/sirupsen/logrus"
)

// State is the model lifecycle. Cold moves to Warming on first access,
// then to Ready or Degraded. Neither of the last two ever changes again.
type State int32

const (
	StateCold State = iota
	StateWarming
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarming:
		return "warming"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ModelHandle is a loaded detector bound to a backend. It is shared by all
// requests and only released on shutdown.
type ModelHandle struct {
	Detector  Detector
	Classes   []string
	Provider  models.Provider
	ModelName string
	LoadTime  time.Duration
}

// OpenFunc loads the model for a provider. deviceIndex is only meaningful
// for accelerated providers.
type OpenFunc func(provider models.Provider, deviceIndex int) (Detector, error)

type LoaderConfig struct {
	ModelName  string
	Capability *capability.Detector
	Open       OpenFunc
}

type Loader struct {
	config LoaderConfig

	mu     sync.Mutex
	state  atomic.Int32
	handle *ModelHandle
	err    error
}

func NewLoader(config LoaderConfig) *Loader {
	if config.Capability == nil {
		config.Capability = capability.New(capability.Config{})
	}
	return &Loader{config: config}
}

func (l *Loader) ModelName() string {
	return l.config.ModelName
}

func (l *Loader) Capability() models.CapabilityInfo {
	return l.config.Capability.Detect()
}

func (l *Loader) CapabilityResult() capability.Result {
	return l.config.Capability.Result()
}

// State never blocks, even while a load is in progress.
func (l *Loader) State() State {
	return State(l.state.Load())
}

// Initialize returns the shared handle, loading it on first call. Callers
// racing on a cold loader wait for the single load in flight. A failed load
// is cached and returned to every later caller.
func (l *Loader) Initialize() (*ModelHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case StateReady:
		return l.handle, nil
	case StateDegraded:
		return nil, l.err
	}

	l.state.Store(int32(StateWarming))
	start := time.Now()

	result := l.config.Capability.Result()
	handle, err := l.open(result)
	if err != nil {
		l.err = modelUnavailable("model unavailable", err)
		l.state.Store(int32(StateDegraded))
		log.WithError(err).WithField("model", l.config.ModelName).Error("[Model] Failed to load model")
		return nil, l.err
	}

	handle.LoadTime = time.Since(start)
	l.handle = handle
	l.state.Store(int32(StateReady))

	log.WithFields(log.Fields{
		"model":    handle.ModelName,
		"provider": handle.Provider,
		"classes":  len(handle.Classes),
		"took":     handle.LoadTime,
	}).Info("[Model] Model ready")

	return handle, nil
}

// open binds to the negotiated provider. An accelerated bind that fails is
// retried on CPU; the capability record itself is left as probed.
func (l *Loader) open(result capability.Result) (*ModelHandle, error) {
	if l.config.Open == nil {
		return nil, fmt.Errorf("no model opener configured")
	}

	provider := result.Info.Provider
	detector, err := l.safeOpen(provider, result.DeviceIndex)
	if err != nil && provider != models.ProviderCPU {
		log.WithError(err).WithField("provider", provider).Warn("[Model] Accelerated load failed, retrying on CPU")
		provider = models.ProviderCPU
		detector, err = l.safeOpen(provider, -1)
	}
	if err != nil {
		return nil, err
	}

	return &ModelHandle{
		Detector:  detector,
		Classes:   detector.Classes(),
		Provider:  provider,
		ModelName: l.config.ModelName,
	}, nil
}

func (l *Loader) safeOpen(provider models.Provider, device int) (d Detector, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("model loader panicked: %v", r)
		}
	}()
	return l.config.Open(provider, device)
}

// Handle returns the handle without triggering a load.
func (l *Loader) Handle() (*ModelHandle, bool) {
	if l.State() != StateReady {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle, l.handle != nil
}

// Err returns the cached load failure, if any.
func (l *Loader) Err() error {
	if l.State() != StateDegraded {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close releases the detector. The loader stays in its terminal state.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle == nil {
		return nil
	}
	return l.handle.Detector.Close()
}
