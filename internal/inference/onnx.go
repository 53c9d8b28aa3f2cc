package inference

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/Brownie44l1/deepfake-api/internal/logging"
)

// ONNXOptions configures the ONNX Runtime backend.
type ONNXOptions struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default search.
	LibraryPath    string
	IntraOpThreads int
}

var (
	envMu   sync.Mutex
	envRefs int
)

// acquireEnvironment initializes the process-wide ONNX Runtime environment
// on first use and counts its users.
func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "failed to initialize ONNX environment")
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// LoadONNX opens an ONNX classifier with default options.
func LoadONNX(path string, device Device, logger logging.Logger) (Runner, Device, error) {
	return NewONNXLoader(ONNXOptions{})(path, device, logger)
}

// NewONNXLoader returns a LoadFunc backed by ONNX Runtime.
func NewONNXLoader(opts ONNXOptions) LoadFunc {
	return func(path string, device Device, logger logging.Logger) (Runner, Device, error) {
		if err := acquireEnvironment(opts.LibraryPath); err != nil {
			return nil, "", err
		}
		r, bound, err := newONNXRunner(path, device, opts, logger)
		if err != nil {
			return nil, "", multierr.Combine(err, releaseEnvironment())
		}
		return r, bound, nil
	}
}

type onnxRunner struct {
	session    *ort.DynamicAdvancedSession
	inputShape []int64
}

func newONNXRunner(path string, device Device, opts ONNXOptions, logger logging.Logger) (*onnxRunner, Device, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to read model inputs and outputs")
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, "", errors.Errorf("expected one input and one output, got %d and %d", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat {
		return nil, "", errors.Errorf("input %q is %v, want float32", in.Name, in.DataType)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to create session options")
	}
	defer func() {
		if err := options.Destroy(); err != nil {
			logger.Warnw("destroying session options", "error", err)
		}
	}()
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, "", errors.Wrap(err, "failed to set intra-op threads")
		}
	}

	bound, err := bindDevice(options, device, logger)
	if err != nil {
		return nil, "", err
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{in.Name}, []string{out.Name}, options)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to create ONNX session")
	}
	return &onnxRunner{session: session, inputShape: []int64(in.Dimensions)}, bound, nil
}

// bindDevice appends the execution provider for device. Auto tries CUDA,
// then CoreML, and settles on CPU if neither is available.
func bindDevice(options *ort.SessionOptions, device Device, logger logging.Logger) (Device, error) {
	switch device {
	case DeviceCPU:
		return DeviceCPU, nil
	case DeviceCUDA:
		if err := appendCUDA(options); err != nil {
			return "", errors.Wrap(err, "CUDA execution provider unavailable")
		}
		return DeviceCUDA, nil
	case DeviceCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return "", errors.Wrap(err, "CoreML execution provider unavailable")
		}
		return DeviceCoreML, nil
	}

	err := appendCUDA(options)
	if err == nil {
		return DeviceCUDA, nil
	}
	logger.Debugw("CUDA not available", "error", err)
	err = options.AppendExecutionProviderCoreML(0)
	if err == nil {
		return DeviceCoreML, nil
	}
	logger.Debugw("CoreML not available", "error", err)
	return DeviceCPU, nil
}

func appendCUDA(options *ort.SessionOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy() //nolint:errcheck
	return options.AppendExecutionProviderCUDA(cuda)
}

func (r *onnxRunner) InputShape() []int64 {
	return r.inputShape
}

func (r *onnxRunner) Run(input []float32, shape []int64) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	defer in.Destroy() //nolint:errcheck

	outputs := []ort.Value{nil}
	if err := r.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	defer outputs[0].Destroy() //nolint:errcheck

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("unexpected output type %T", outputs[0])
	}
	return append([]float32(nil), t.GetData()...), nil
}

func (r *onnxRunner) Close() error {
	return multierr.Combine(r.session.Destroy(), releaseEnvironment())
}
