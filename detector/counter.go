// Package detector - Guest counting on still images.
package detector

import (
	"context"
	"os"

	"github.com/nvr-ai/guestcount/images"
	"github.com/nvr-ai/guestcount/inference"
	"github.com/nvr-ai/guestcount/models"
	"github.com/nvr-ai/guestcount/models/postprocess"
	"github.com/nvr-ai/guestcount/profiler"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrFallback is returned by Detect when the counter runs without a model.
var ErrFallback = errors.New("counter is in fallback mode")

// Counter counts the guests visible in an image.
//
// A Counter without an engine runs in fallback mode and reports Config.FallbackCount for
// every image. A Counter is safe for concurrent use when its engine is.
type Counter struct {
	engine inference.Engine
	cfg    Config
	decode postprocess.DecodeConfig
	nms    *postprocess.NMSConfig
	logger *zap.Logger
}

// Option configures a Counter.
type Option func(*Counter)

// WithLogger sets the logger of the counter and of the engine it opens.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Counter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCounter builds a counter around an already loaded engine.
//
// Arguments:
//   - engine: The inference engine, or nil to run in fallback mode.
//   - cfg: The counter configuration.
//   - opts: Functional options.
//
// Returns:
//   - *Counter: The counter.
//   - error: An error wrapping ErrInvalidConfig if cfg does not validate.
func NewCounter(engine inference.Engine, cfg Config, opts ...Option) (*Counter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Counter{
		engine: engine,
		cfg:    cfg,
		decode: cfg.decodeConfig(),
		nms:    cfg.nmsConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Open loads the ONNX model described by cfg.Engine and builds a counter around it.
//
// When the model or the runtime library cannot be loaded the counter is returned in
// fallback mode and a warning is logged.
//
// Arguments:
//   - cfg: The counter configuration.
//   - opts: Functional options.
//
// Returns:
//   - *Counter: The counter, possibly in fallback mode.
//   - error: An error if cfg is invalid.
func Open(cfg Config, opts ...Option) (*Counter, error) {
	c, err := NewCounter(nil, cfg, opts...)
	if err != nil {
		return nil, err
	}

	engine, err := inference.NewONNXEngine(cfg.Engine, c.logger)
	if err != nil {
		if !errors.Is(err, inference.ErrEngineUnavailable) {
			return nil, err
		}
		c.logger.Warn("model unavailable, counting in fallback mode",
			zap.Error(err),
			zap.Int("fallback_count", cfg.FallbackCount),
		)
		return c, nil
	}

	c.engine = engine
	return c, nil
}

// Fallback reports whether the counter runs without a model.
func (c *Counter) Fallback() bool {
	return c.engine == nil
}

// CountGuests counts the guests in the image file at path.
//
// Arguments:
//   - ctx: Checked before inference.
//   - path: The image file.
//
// Returns:
//   - int: The number of detections left after suppression.
//   - error: An error if the file cannot be read, decoded or run through the model.
func (c *Counter) CountGuests(ctx context.Context, path string) (int, error) {
	if c.Fallback() {
		return c.fallback(path), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "read image")
	}

	detections, err := c.detect(ctx, data)
	if err != nil {
		return 0, errors.Wrapf(err, "count guests in %s", path)
	}

	c.logger.Info("guests counted", zap.String("path", path), zap.Int("count", len(detections)))
	return len(detections), nil
}

// CountGuestsBytes counts the guests in an encoded image.
func (c *Counter) CountGuestsBytes(ctx context.Context, data []byte) (int, error) {
	if c.Fallback() {
		return c.fallback(""), nil
	}

	detections, err := c.detect(ctx, data)
	if err != nil {
		return 0, err
	}
	return len(detections), nil
}

// Detect runs the full pipeline and returns the suppressed detection set, in descending
// score order, with boxes in model input pixels.
//
// Returns:
//   - []postprocess.Result: The detections that make up the count.
//   - error: ErrFallback without a model, or the first pipeline error.
func (c *Counter) Detect(ctx context.Context, data []byte) ([]postprocess.Result, error) {
	if c.Fallback() {
		return nil, ErrFallback
	}
	return c.detect(ctx, data)
}

// Close releases the engine.
func (c *Counter) Close() error {
	if c.engine == nil {
		return nil
	}
	return c.engine.Close()
}

func (c *Counter) fallback(path string) int {
	c.logger.Debug("fallback count", zap.String("path", path), zap.Int("count", c.cfg.FallbackCount))
	return c.cfg.FallbackCount
}

func (c *Counter) detect(ctx context.Context, data []byte) ([]postprocess.Result, error) {
	sw := profiler.NewStopwatch()

	input, err := images.Normalize(data, c.cfg.InputSize)
	if err != nil {
		return nil, err
	}
	sw.Lap("preprocess")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output, err := c.engine.Run(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "run model")
	}
	sw.Lap("inference")

	candidates, err := postprocess.Decode(output, c.cfg.InputSize, c.cfg.InputSize, c.decode)
	if err != nil {
		return nil, err
	}
	detections := postprocess.ApplyGreedyNMS(candidates, c.nms)
	sw.Lap("postprocess")

	if ce := c.logger.Check(zap.DebugLevel, "detections"); ce != nil {
		format, _ := images.DetectFormat(data)
		for _, d := range detections {
			name, _ := models.YOLOClasses.Name(d.Class)
			c.logger.Debug("detection",
				zap.String("class", name),
				zap.Float32("score", d.Score),
				zap.Stringer("box", d.Box),
			)
		}
		ce.Write(append(sw.Fields(),
			zap.String("format", string(format)),
			zap.Int("candidates", len(candidates)),
			zap.Int("detections", len(detections)),
		)...)
	}

	return detections, nil
}
