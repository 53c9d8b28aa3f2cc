// Package detector ties artifact retrieval, preprocessing and inference
// together behind a lazily initialized deepfake detector.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/Brownie44l1/deepfake-api/internal/artifact"
	"github.com/Brownie44l1/deepfake-api/internal/inference"
	"github.com/Brownie44l1/deepfake-api/internal/logging"
	"github.com/Brownie44l1/deepfake-api/internal/preprocess"
)

// State is the initialization state of a Detector.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ModelSource makes the classifier artifact available locally.
type ModelSource interface {
	Ensure(ctx context.Context) (artifact.Artifact, error)
}

// Detector classifies images as authentic or manipulated. The first call to
// Detect, DetectBatch or Warmup fetches and loads the classifier; concurrent
// callers wait for that single load. Close is final.
type Detector struct {
	source ModelSource
	engine *inference.Engine
	opts   preprocess.Options
	logger logging.Logger

	mu     sync.Mutex
	state  atomic.Int32
	pp     atomic.Pointer[preprocess.Preprocessor]
	closed atomic.Bool
	// active is read-held by every detection from preprocessing to verdict.
	active sync.RWMutex
}

// New returns an uninitialized Detector.
func New(source ModelSource, engine *inference.Engine, opts preprocess.Options, logger logging.Logger) *Detector {
	return &Detector{source: source, engine: engine, opts: opts, logger: logger}
}

// State reports how far initialization has got.
func (d *Detector) State() State {
	return State(d.state.Load())
}

// Handle describes the loaded classifier, or nil before the detector is ready.
func (d *Detector) Handle() *inference.Handle {
	if d.State() != StateReady {
		return nil
	}
	return d.engine.Handle()
}

// Stats reports inference counters.
func (d *Detector) Stats() inference.Stats {
	return d.engine.Stats()
}

// Warmup loads the classifier without classifying anything.
func (d *Detector) Warmup(ctx context.Context) error {
	_, err := d.ready(ctx)
	return classify(err)
}

// Detect classifies a single image.
func (d *Detector) Detect(ctx context.Context, raw preprocess.RawImage) (Verdict, error) {
	pp, err := d.ready(ctx)
	if err != nil {
		return Verdict{}, classify(err)
	}
	if !d.enter() {
		return Verdict{}, ErrClosed
	}
	defer d.active.RUnlock()
	t, err := pp.Normalize(raw)
	if err != nil {
		return Verdict{}, classify(err)
	}
	probs, err := d.engine.InferOne(t)
	if err != nil {
		return Verdict{}, classify(err)
	}
	return NewVerdict(probs), nil
}

// DetectBatch classifies images, returning one verdict per image in order.
// It fails as a whole if any image fails.
func (d *Detector) DetectBatch(ctx context.Context, raws []preprocess.RawImage) ([]Verdict, error) {
	pp, err := d.ready(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if !d.enter() {
		return nil, ErrClosed
	}
	defer d.active.RUnlock()
	tensors, err := pp.NormalizeBatch(ctx, raws)
	if err != nil {
		return nil, classify(err)
	}
	probs, err := d.engine.InferBatch(tensors)
	if err != nil {
		return nil, classify(err)
	}
	return lo.Map(probs, func(p inference.Probabilities, _ int) Verdict {
		return NewVerdict(p)
	}), nil
}

// Close waits for in-flight detections and releases the classifier. Every
// later call fails with ErrClosed.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Swap(true) {
		return nil
	}
	d.pp.Store(nil)
	d.state.Store(int32(StateClosed))
	d.active.Lock()
	d.active.Unlock() //nolint:staticcheck
	return d.engine.Close()
}

// enter read-locks active unless the detector is closed.
func (d *Detector) enter() bool {
	d.active.RLock()
	if d.closed.Load() {
		d.active.RUnlock()
		return false
	}
	return true
}

func (d *Detector) ready(ctx context.Context) (*preprocess.Preprocessor, error) {
	if pp := d.pp.Load(); pp != nil {
		return pp, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if pp := d.pp.Load(); pp != nil {
		return pp, nil
	}

	d.state.Store(int32(StateLoading))
	pp, err := d.load(ctx)
	if err != nil {
		d.state.Store(int32(StateUninitialized))
		d.logger.Errorw("detector initialization failed", "error", err)
		return nil, err
	}
	d.pp.Store(pp)
	d.state.Store(int32(StateReady))
	return pp, nil
}

func (d *Detector) load(ctx context.Context) (*preprocess.Preprocessor, error) {
	start := time.Now()
	art, err := d.source.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := preprocess.LoadConfig(art.PreprocessorPath)
	if err != nil {
		return nil, err
	}
	pp, err := preprocess.New(cfg, d.opts)
	if err != nil {
		return nil, err
	}
	h, err := d.engine.Load(art.ModelPath)
	if err != nil {
		return nil, err
	}
	if err := compatible(pp.Shape(), h.InputShape); err != nil {
		return nil, multierr.Combine(err, d.engine.Unload())
	}
	d.logger.Infow("detector ready",
		"model", art.ModelPath,
		"device", h.Device,
		"precision", h.Precision,
		"input", pp.Shape(),
		"elapsed", time.Since(start))
	return pp, nil
}

// compatible checks the preprocessor output against the classifier's
// per-image input dims, skipping dynamic ones.
func compatible(out []int, input []int64) error {
	want := input[1:]
	if len(out) != len(want) {
		return errors.Wrapf(ErrShapeMismatch, "preprocessor produces %v, classifier expects %v", out, want)
	}
	for i, dim := range want {
		if dim >= 0 && int64(out[i]) != dim {
			return errors.Wrapf(ErrShapeMismatch, "preprocessor produces %v, classifier expects %v", out, want)
		}
	}
	return nil
}
