// Package capability negotiates the compute backend used for inference.
// The probe runs at most once per Detector; every later call returns the
// cached result even if the hardware changes underneath.
package capability

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Tutortoise/detection-service/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"
)

const (
	DefaultMinMemoryGB  = 2.0
	DefaultProbeTimeout = 5 * time.Second
)

// GPU is a single adapter reported by a Prober.
type GPU struct {
	Index    int
	Name     string
	MemoryGB float64
}

// Prober lists the accelerators visible to the process. It returns
// ErrNoAccelerator when the platform has no accelerator tooling at all.
type Prober func(ctx context.Context) ([]GPU, error)

var ErrNoAccelerator = errors.New("no accelerator present")

// Outcome separates "looked and found nothing" from "could not look".
type Outcome int

const (
	OutcomeAccelerator Outcome = iota
	OutcomeNoAccelerator
	OutcomeProbeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccelerator:
		return "accelerator"
	case OutcomeNoAccelerator:
		return "no_accelerator"
	case OutcomeProbeError:
		return "probe_error"
	default:
		return "unknown"
	}
}

// Result is the full probe record. Info is what callers see; the rest is
// kept for observability.
type Result struct {
	Info        models.CapabilityInfo
	Outcome     Outcome
	DeviceIndex int
	GPUs        []GPU
	CPUFeatures []string
	Err         error
}

type Config struct {
	Prober       Prober
	MinMemoryGB  float64
	ProbeTimeout time.Duration
}

type Detector struct {
	config Config
	once   sync.Once
	result Result
}

func New(config Config) *Detector {
	if config.Prober == nil {
		config.Prober = NvidiaSMIProber("nvidia-smi")
	}
	if config.MinMemoryGB <= 0 {
		config.MinMemoryGB = DefaultMinMemoryGB
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	return &Detector{config: config}
}

// Detect returns the negotiated capability, probing on first use.
func (d *Detector) Detect() models.CapabilityInfo {
	return d.Result().Info
}

// Result returns the cached probe record, probing on first use.
func (d *Detector) Result() Result {
	d.once.Do(func() {
		d.result = d.probe()
	})
	return d.result
}

func (d *Detector) probe() (res Result) {
	res.CPUFeatures = cpuFeatures()
	res.Info = models.CapabilityInfo{Available: false, Provider: models.ProviderCPU}
	res.DeviceIndex = -1

	defer func() {
		// a panicking prober still degrades to CPU
		if r := recover(); r != nil {
			res.Outcome = OutcomeProbeError
			res.Err = errors.New("capability probe panicked")
			res.Info = models.CapabilityInfo{Available: false, Provider: models.ProviderCPU}
			res.DeviceIndex = -1
			log.WithField("panic", r).Warn("[Capability] Probe panicked, using CPU")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.ProbeTimeout)
	defer cancel()

	gpus, err := d.config.Prober(ctx)
	res.GPUs = gpus

	switch {
	case errors.Is(err, ErrNoAccelerator):
		res.Outcome = OutcomeNoAccelerator
		log.Info("[Capability] No accelerator detected, using CPU")
		return res
	case err != nil:
		res.Outcome = OutcomeProbeError
		res.Err = err
		log.WithError(err).Warn("[Capability] Accelerator probe failed, using CPU")
		return res
	}

	best, ok := selectGPU(gpus, d.config.MinMemoryGB)
	if !ok {
		res.Outcome = OutcomeNoAccelerator
		fields := log.Fields{"found": len(gpus)}
		for _, g := range gpus {
			log.WithFields(fields).Infof("[Capability] Unsuitable adapter %s (%.2fGB)", g.Name, g.MemoryGB)
		}
		log.WithFields(fields).Info("[Capability] No suitable accelerator, using CPU")
		return res
	}

	res.Outcome = OutcomeAccelerator
	res.DeviceIndex = best.Index
	res.Info = models.CapabilityInfo{
		Available:  true,
		Provider:   models.ProviderCUDA,
		DeviceName: best.Name,
		MemoryGB:   math.Round(best.MemoryGB*100) / 100,
	}
	log.WithFields(log.Fields{
		"device":    best.Name,
		"index":     best.Index,
		"memory_gb": res.Info.MemoryGB,
	}).Info("[Capability] CUDA accelerator selected")

	return res
}

// selectGPU skips integrated adapters and those below minMemoryGB, then
// prefers the most memory, breaking ties on the lower index.
func selectGPU(gpus []GPU, minMemoryGB float64) (GPU, bool) {
	var best GPU
	found := false
	for _, g := range gpus {
		name := strings.ToLower(g.Name)
		if strings.Contains(name, "intel") || strings.Contains(name, "amd") {
			continue
		}
		if g.MemoryGB < minMemoryGB {
			continue
		}
		if !found || g.MemoryGB > best.MemoryGB || (g.MemoryGB == best.MemoryGB && g.Index < best.Index) {
			best = g
			found = true
		}
	}
	return best, found
}

func cpuFeatures() []string {
	var features []string
	flags := []struct {
		name string
		on   bool
	}{
		{"avx512f", cpu.X86.HasAVX512F},
		{"avx2", cpu.X86.HasAVX2},
		{"fma", cpu.X86.HasFMA},
		{"sse41", cpu.X86.HasSSE41},
		{"asimd", cpu.ARM64.HasASIMD},
		{"asimdhp", cpu.ARM64.HasASIMDHP},
	}
	for _, f := range flags {
		if f.on {
			features = append(features, f.name)
		}
	}
	return features
}
