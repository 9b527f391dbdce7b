package inference

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// The onnxruntime environment is process wide, so engines share it and the last one
// to close tears it down.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 && !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("error initializing ORT environment: %w", err)
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

// ONNXEngine runs a model through onnxruntime.
//
// It uses a DynamicAdvancedSession with tensors allocated per call, so one engine
// serves concurrent Run calls. Runs share a read lock; Close waits for them to finish.
type ONNXEngine struct {
	mu         sync.RWMutex
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	modelPath  string
	logger     *zap.Logger
	closeOnce  sync.Once
	closeErr   error
}

// NewONNXEngine loads the model described by cfg.
//
// Order of operations:
//  1. Model and library path checks.
//  2. Environment setup (once per process).
//  3. Input/output name resolution, from cfg or from the model metadata.
//  4. Session options: threading, graph optimization level, execution provider.
//  5. Session creation.
//
// Arguments:
//   - cfg: The engine configuration.
//   - logger: The logger, may be nil.
//
// Returns:
//   - *ONNXEngine: The loaded engine.
//   - error: An error wrapping ErrEngineUnavailable if anything fails to load.
func NewONNXEngine(cfg Config, logger *zap.Logger) (*ONNXEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.ModelPath == "" {
		return nil, errors.Wrap(ErrEngineUnavailable, "no model path configured")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(ErrEngineUnavailable, "model %s: %v", cfg.ModelPath, err)
	}

	libPath := GetSharedLibPath(cfg.SharedLibraryPath)
	if _, err := os.Stat(libPath); err != nil {
		return nil, errors.Wrapf(ErrEngineUnavailable, "onnxruntime library %s: %v", libPath, err)
	}

	if err := acquireEnvironment(libPath); err != nil {
		return nil, errors.Wrap(ErrEngineUnavailable, err.Error())
	}

	engine, err := newSession(cfg, logger)
	if err != nil {
		return nil, multierr.Append(errors.Wrap(ErrEngineUnavailable, err.Error()), releaseEnvironment())
	}

	logger.Info("onnx model loaded",
		zap.String("model", cfg.ModelPath),
		zap.String("library", libPath),
		zap.String("input", engine.inputName),
		zap.String("output", engine.outputName),
		zap.Stringer("provider", cfg.Provider),
	)

	return engine, nil
}

func newSession(cfg Config, logger *zap.Logger) (*ONNXEngine, error) {
	inputName, outputName, err := resolveNames(cfg)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return nil, fmt.Errorf("error setting graph optimization level: %w", err)
	}
	if err := cfg.Provider.Apply(options); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{inputName},
		[]string{outputName},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}

	return &ONNXEngine{
		session:    session,
		inputName:  inputName,
		outputName: outputName,
		modelPath:  cfg.ModelPath,
		logger:     logger,
	}, nil
}

// resolveNames picks the first model input and output when the config leaves them empty.
func resolveNames(cfg Config) (string, string, error) {
	if cfg.InputName != "" && cfg.OutputName != "" {
		return cfg.InputName, cfg.OutputName, nil
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return "", "", fmt.Errorf("error reading model inputs and outputs: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return "", "", fmt.Errorf("model has %d inputs and %d outputs", len(inputs), len(outputs))
	}

	inputName, outputName := cfg.InputName, cfg.OutputName
	if inputName == "" {
		inputName = inputs[0].Name
	}
	if outputName == "" {
		outputName = outputs[0].Name
	}
	return inputName, outputName, nil
}

// Run executes the model on a float32 input tensor.
//
// Arguments:
//   - ctx: Checked for cancellation before the forward pass.
//   - input: The normalized input tensor.
//
// Returns:
//   - *tensor.Dense: A copy of the model output, independent of native memory.
//   - error: An error if the input is not float32 or inference fails.
func (e *ONNXEngine) Run(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.session == nil {
		return nil, errors.Wrap(ErrEngineUnavailable, "engine closed")
	}

	data, ok := input.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("input must be float32, got %v", input.Dtype())
	}

	dims := make([]int64, 0, input.Dims())
	for _, d := range input.Shape() {
		dims = append(dims, int64(d))
	}

	in, err := ort.NewTensor(ort.NewShape(dims...), data)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer in.Destroy()

	// A nil output lets onnxruntime allocate a tensor of whatever shape the model emits.
	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output %s must be a float32 tensor, got %T", e.outputName, outputs[0])
	}

	shape := out.GetShape()
	outShape := make([]int, len(shape))
	for i, d := range shape {
		outShape[i] = int(d)
	}
	backing := make([]float32, len(out.GetData()))
	copy(backing, out.GetData())

	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(backing)), nil
}

// Close releases the session and, for the last engine, the onnxruntime environment.
func (e *ONNXEngine) Close() error {
	e.closeOnce.Do(func() {
		var err error
		e.mu.Lock()
		if e.session != nil {
			err = e.session.Destroy()
			e.session = nil
		}
		e.mu.Unlock()
		e.closeErr = multierr.Append(err, releaseEnvironment())
		e.logger.Debug("onnx model closed", zap.String("model", e.modelPath), zap.Error(e.closeErr))
	})
	return e.closeErr
}
