// Package inference - Inference engine interface and implementations.
package inference

import (
	"context"

	"github.com/nvr-ai/guestcount/inference/providers"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrEngineUnavailable is returned when the model or the runtime backing an engine
// is missing or fails to load.
var ErrEngineUnavailable = errors.New("inference engine unavailable")

// Engine executes a detection model on a normalized input tensor.
//
// Implementations must be safe for concurrent use: one engine is loaded at startup and
// shared by every counting call.
type Engine interface {
	// Run executes the forward pass on a [1, 3, S, S] input and returns the raw
	// [1, C, N] output.
	Run(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error)
	// Close releases the native resources of the engine.
	Close() error
}

// Config describes how to load the ONNX model.
type Config struct {
	// ModelPath specifies the path to the ONNX model file
	ModelPath string `json:"model_path" yaml:"model_path"`
	// SharedLibraryPath overrides the onnxruntime shared library location.
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
	// InputName is the model input node. Discovered from the model when empty.
	InputName string `json:"input_name" yaml:"input_name"`
	// OutputName is the model output node. Discovered from the model when empty.
	OutputName string `json:"output_name" yaml:"output_name"`
	// IntraOpThreads parallelizes work inside graph nodes. 0 uses the runtime default.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads parallelizes independent graph nodes. 0 uses the runtime default.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// Provider selects the execution provider.
	Provider providers.Config `json:"provider" yaml:"provider"`
}

// DefaultConfig returns the configuration for a YOLOv8n export sitting next to the binary.
func DefaultConfig() Config {
	return Config{
		ModelPath:  "yolov8n.onnx",
		InputName:  "images",
		OutputName: "output0",
		Provider:   providers.DefaultConfig(),
	}
}
