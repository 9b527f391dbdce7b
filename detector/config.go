package detector

import (
	"io"
	"os"

	"github.com/nvr-ai/guestcount/inference"
	"github.com/nvr-ai/guestcount/models"
	"github.com/nvr-ai/guestcount/models/postprocess"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the configuration of the counting pipeline.
type Config struct {
	// Engine describes the ONNX model to load.
	Engine inference.Config `json:"engine" yaml:"engine"`

	// InputSize is the square edge of the model input.
	InputSize int `json:"input_size" yaml:"input_size"`

	// ConfidenceThreshold filters detections below this confidence level (inclusive bound).
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// IoUThreshold controls Non-Maximum Suppression.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`

	// ClassAware restricts suppression to boxes of the same class.
	ClassAware bool `json:"class_aware" yaml:"class_aware"`

	// TargetClass is the label that is counted.
	TargetClass string `json:"target_class" yaml:"target_class"`

	// MinBoxWidth and MinBoxHeight reject boxes too small to be a guest.
	MinBoxWidth  float32 `json:"min_box_width" yaml:"min_box_width"`
	MinBoxHeight float32 `json:"min_box_height" yaml:"min_box_height"`

	// FallbackCount is reported for every image when no model could be loaded.
	FallbackCount int `json:"fallback_count" yaml:"fallback_count"`
}

// DefaultConfig returns the configuration the counter was tuned with on YOLOv8n.
//
// Returns:
//   - Config: The default configuration.
func DefaultConfig() Config {
	decode := postprocess.DefaultDecodeConfig()
	return Config{
		Engine:              inference.DefaultConfig(),
		InputSize:           640,
		ConfidenceThreshold: decode.ConfidenceThreshold,
		IoUThreshold:        postprocess.DefaultNMSConfig().IoUThreshold,
		TargetClass:         models.PersonClass,
		MinBoxWidth:         decode.MinWidth,
		MinBoxHeight:        decode.MinHeight,
		FallbackCount:       3,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Unknown keys are rejected.
//
// Arguments:
//   - path: The YAML file to read.
//
// Returns:
//   - Config: The merged configuration, validated.
//   - error: An error if the file cannot be read, parsed or validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "open config")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrapf(ErrInvalidConfig, "parse %s: %v", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks every threshold and resolves the target class.
//
// Returns:
//   - error: An error wrapping ErrInvalidConfig describing the first bad value.
func (c Config) Validate() error {
	if c.InputSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "input_size must be positive, got %d", c.InputSize)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "confidence_threshold must be in (0, 1), got %v", c.ConfidenceThreshold)
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		return errors.Wrapf(ErrInvalidConfig, "iou_threshold must be in (0, 1], got %v", c.IoUThreshold)
	}
	if c.MinBoxWidth < 0 || c.MinBoxHeight < 0 {
		return errors.Wrapf(ErrInvalidConfig, "minimum box size must not be negative, got %vx%v",
			c.MinBoxWidth, c.MinBoxHeight)
	}
	if c.FallbackCount < 0 {
		return errors.Wrapf(ErrInvalidConfig, "fallback_count must not be negative, got %d", c.FallbackCount)
	}
	if _, err := models.YOLOClasses.Index(c.TargetClass); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if err := c.Engine.Provider.Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// decodeConfig converts the thresholds into decoder settings. Validate must pass first.
func (c Config) decodeConfig() postprocess.DecodeConfig {
	classID, _ := models.YOLOClasses.Index(c.TargetClass)
	return postprocess.DecodeConfig{
		ConfidenceThreshold: c.ConfidenceThreshold,
		TargetClass:         classID,
		MinWidth:            c.MinBoxWidth,
		MinHeight:           c.MinBoxHeight,
	}
}

func (c Config) nmsConfig() *postprocess.NMSConfig {
	return &postprocess.NMSConfig{IoUThreshold: c.IoUThreshold, ClassAware: c.ClassAware}
}
