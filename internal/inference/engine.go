// Package inference owns the loaded binary classifier and turns normalized
// image tensors into (real, fake) probability pairs.
package inference

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/deepfake-api/internal/logging"
)

var (
	// ErrModelNotLoaded is returned by inference calls made before Load succeeds.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrShapeMismatch means a tensor does not fit the classifier's input or
	// the classifier's output is not two logits per image.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("classifier closed")
)

// DefaultMaxBatchSize caps how many images go through the runner in one call.
const DefaultMaxBatchSize = 16

// Probabilities is the softmax of the classifier's two logits.
type Probabilities struct {
	Real float64
	Fake float64
}

// Runner executes the classifier. Run receives a contiguous NCHW batch and
// returns N*2 logits in (real, fake) order per image.
type Runner interface {
	Run(input []float32, shape []int64) ([]float32, error)
	// InputShape is the per-batch input shape; -1 marks a dynamic dimension.
	InputShape() []int64
	Close() error
}

// LoadFunc opens a runner for the model at path on the requested device.
// It returns the device it actually bound to.
type LoadFunc func(path string, device Device, logger logging.Logger) (Runner, Device, error)

// Handle describes the loaded classifier. It does not change after Load.
type Handle struct {
	ModelPath  string
	Device     Device
	Precision  Precision
	InputShape []int64
	runner     Runner
}

// Config selects where and how the classifier runs.
type Config struct {
	Device       Device
	Precision    Precision
	MaxBatchSize int
}

// Stats counts work done by an Engine.
type Stats struct {
	Images  int64 `json:"images"`
	Batches int64 `json:"batches"`
}

// Engine runs forward passes on a single loaded classifier. Load is guarded
// by a mutex; once loaded, inference reads the handle without locking.
// Every forward pass holds inflight for reading so the runner is never
// released under it.
type Engine struct {
	cfg    Config
	load   LoadFunc
	logger logging.Logger

	mu       sync.Mutex
	handle   atomic.Pointer[Handle]
	inflight sync.RWMutex
	closed   atomic.Bool

	images  atomic.Int64
	batches atomic.Int64
}

// NewEngine returns an unloaded Engine. A nil load uses the ONNX Runtime loader.
func NewEngine(cfg Config, load LoadFunc, logger logging.Logger) *Engine {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if load == nil {
		load = LoadONNX
	}
	return &Engine{cfg: cfg, load: load, logger: logger}
}

// Load opens the classifier at path. Calling it again once loaded returns
// the existing handle without touching path.
func (e *Engine) Load(path string) (*Handle, error) {
	if h := e.handle.Load(); h != nil {
		return h, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if h := e.handle.Load(); h != nil {
		return h, nil
	}

	runner, device, err := e.load(path, e.cfg.Device, e.logger)
	if err != nil {
		return nil, errors.Wrapf(err, "loading classifier %q", path)
	}
	shape := runner.InputShape()
	if len(shape) != 4 {
		return nil, multierr.Combine(
			errors.Wrapf(ErrShapeMismatch, "classifier input has %d dims, want 4 (NCHW)", len(shape)),
			runner.Close(),
		)
	}
	h := &Handle{
		ModelPath:  path,
		Device:     device,
		Precision:  e.cfg.Precision.resolve(device),
		InputShape: append([]int64(nil), shape...),
		runner:     runner,
	}
	e.handle.Store(h)
	e.logger.Infow("classifier loaded", "path", path, "device", h.Device, "precision", h.Precision, "input_shape", h.InputShape)
	return h, nil
}

// Handle returns the loaded handle, or nil before Load succeeds.
func (e *Engine) Handle() *Handle {
	return e.handle.Load()
}

// InferOne classifies a single [3,H,W] tensor.
func (e *Engine) InferOne(t *tensor.Dense) (Probabilities, error) {
	out, err := e.InferBatch([]*tensor.Dense{t})
	if err != nil {
		return Probabilities{}, err
	}
	return out[0], nil
}

// InferBatch classifies tensors, returning one result per tensor in input
// order. Every tensor is checked before any runs.
func (e *Engine) InferBatch(tensors []*tensor.Dense) ([]Probabilities, error) {
	e.inflight.RLock()
	defer e.inflight.RUnlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	h := e.handle.Load()
	if h == nil {
		return nil, ErrModelNotLoaded
	}
	if len(tensors) == 0 {
		return []Probabilities{}, nil
	}
	for i, t := range tensors {
		if err := h.check(t); err != nil {
			return nil, errors.WithMessagef(err, "tensor %d", i)
		}
	}

	out := make([]Probabilities, 0, len(tensors))
	for start := 0; start < len(tensors); start += e.cfg.MaxBatchSize {
		end := min(start+e.cfg.MaxBatchSize, len(tensors))
		probs, err := h.run(tensors[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, probs...)
		e.batches.Inc()
	}
	e.images.Add(int64(len(tensors)))
	return out, nil
}

// Stats reports how much work the engine has done.
func (e *Engine) Stats() Stats {
	return Stats{Images: e.images.Load(), Batches: e.batches.Load()}
}

// Unload releases the runner once in-flight passes finish. The engine stays
// usable and a later Load opens the classifier again.
func (e *Engine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.release()
}

// Close waits for in-flight passes, releases the runner and rejects every
// later call with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed.Store(true)
	return e.release()
}

// release must be called with mu held.
func (e *Engine) release() error {
	e.inflight.Lock()
	h := e.handle.Swap(nil)
	e.inflight.Unlock()
	if h == nil {
		return nil
	}
	return h.runner.Close()
}

// check verifies that t is a float32 [3,H,W] tensor matching the classifier input.
func (h *Handle) check(t *tensor.Dense) error {
	if t == nil {
		return errors.Wrap(ErrShapeMismatch, "nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return errors.Wrapf(ErrShapeMismatch, "dtype %v, want float32", t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != 3 {
		return errors.Wrapf(ErrShapeMismatch, "shape %v, want [C H W]", shape)
	}
	for i, want := range h.InputShape[1:] {
		if want >= 0 && int64(shape[i]) != want {
			return errors.Wrapf(ErrShapeMismatch, "shape %v, classifier expects %v", shape, h.InputShape[1:])
		}
	}
	return nil
}

func (h *Handle) run(tensors []*tensor.Dense) ([]Probabilities, error) {
	first := tensors[0].Shape()
	per := first.TotalSize()
	input := make([]float32, 0, per*len(tensors))
	for i, t := range tensors {
		if !t.Shape().Eq(first) {
			return nil, errors.Wrapf(ErrShapeMismatch, "tensor %d shape %v differs from %v in the same batch", i, t.Shape(), first)
		}
		input = append(input, t.Data().([]float32)...)
	}
	if h.Precision == PrecisionReduced {
		roundBFloat16(input)
	}

	shape := []int64{int64(len(tensors)), int64(first[0]), int64(first[1]), int64(first[2])}
	logits, err := h.runner.Run(input, shape)
	if err != nil {
		return nil, err
	}
	if len(logits) != 2*len(tensors) {
		return nil, errors.Wrapf(ErrShapeMismatch, "classifier returned %d logits for %d images, want 2 each", len(logits), len(tensors))
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, errors.Errorf("classifier produced non-finite logit %v for image %d", v, i/2)
		}
	}
	if h.Precision == PrecisionReduced {
		roundBFloat16(logits)
	}

	out := make([]Probabilities, len(tensors))
	for i := range out {
		out[i] = Softmax(logits[2*i], logits[2*i+1])
	}
	return out, nil
}

// Softmax maps a (real, fake) logit pair to probabilities.
func Softmax(realLogit, fakeLogit float32) Probabilities {
	l := []float64{float64(realLogit), float64(fakeLogit)}
	lse := floats.LogSumExp(l)
	return Probabilities{Real: math.Exp(l[0] - lse), Fake: math.Exp(l[1] - lse)}
}
