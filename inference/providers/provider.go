// Package providers - Execution providers for ONNX Runtime sessions.
package providers

import (
	"fmt"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// ProviderBackend represents different ONNX Runtime execution providers
type ProviderBackend string

const (
	// CPUProviderBackend runs on the default CPU execution provider.
	CPUProviderBackend ProviderBackend = "cpu"
	// CoreMLProviderBackend uses Apple CoreML for macOS acceleration.
	CoreMLProviderBackend ProviderBackend = "coreml"
	// OpenVINOProviderBackend uses Intel OpenVINO for inference optimization.
	OpenVINOProviderBackend ProviderBackend = "openvino"
	// CUDAProviderBackend uses NVIDIA CUDA for GPU acceleration.
	CUDAProviderBackend ProviderBackend = "cuda"
)

// Backends lists every supported backend.
var Backends = []ProviderBackend{
	CPUProviderBackend,
	CoreMLProviderBackend,
	OpenVINOProviderBackend,
	CUDAProviderBackend,
}

// Config selects the execution provider appended to a session.
//
// Options are passed through verbatim to the provider. See:
//   - https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
//   - https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type Config struct {
	// Backend specifies the backend to use
	Backend ProviderBackend `json:"backend" yaml:"backend"`
	// Options contains provider-specific configuration options
	Options map[string]string `json:"options" yaml:"options"`
	// CoreMLFlags are the COREML_FLAG_* bits for the CoreML provider.
	CoreMLFlags uint32 `json:"coreml_flags" yaml:"coreml_flags"`
}

// DefaultConfig returns the CPU provider configuration.
func DefaultConfig() Config {
	return Config{Backend: CPUProviderBackend}
}

// DefaultOpenVINOOptions returns the OpenVINO options used when none are configured.
func DefaultOpenVINOOptions() map[string]string {
	return map[string]string{
		"device_type":    "CPU",
		"precision":      "FP32",
		"num_of_threads": "4",
	}
}

// Validate checks that the backend is known.
//
// Returns:
//   - error: An error if the backend is not supported.
func (c Config) Validate() error {
	switch c.Backend {
	case "", CPUProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend, CUDAProviderBackend:
		return nil
	default:
		return fmt.Errorf("unsupported provider backend %q, expected one of %v", c.Backend, Backends)
	}
}

// Apply appends the configured execution provider to the session options.
// The CPU backend needs nothing appended.
//
// Arguments:
//   - options: The session options to configure.
//
// Returns:
//   - error: An error if the provider cannot be enabled.
func (c Config) Apply(options *ort.SessionOptions) error {
	if err := c.Validate(); err != nil {
		return err
	}

	switch c.Backend {
	case CoreMLProviderBackend:
		if err := options.AppendExecutionProviderCoreML(c.CoreMLFlags); err != nil {
			return fmt.Errorf("error enabling CoreML: %w", err)
		}
	case OpenVINOProviderBackend:
		opts := c.Options
		if len(opts) == 0 {
			opts = DefaultOpenVINOOptions()
		}
		if err := options.AppendExecutionProviderOpenVINO(opts); err != nil {
			return fmt.Errorf("error enabling OpenVINO: %w", err)
		}
	case CUDAProviderBackend:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cuda.Destroy()

		if len(c.Options) > 0 {
			if err := cuda.Update(c.Options); err != nil {
				return fmt.Errorf("error converting CUDA options: %w", err)
			}
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("error enabling CUDA: %w", err)
		}
	}

	return nil
}

// String renders the backend and its option keys for logging.
func (c Config) String() string {
	backend := c.Backend
	if backend == "" {
		backend = CPUProviderBackend
	}
	keys := make([]string, 0, len(c.Options))
	for k := range c.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s%v", backend, keys)
}
