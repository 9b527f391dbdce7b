package postprocess

import (
	"github.com/nvr-ai/guestcount/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShapeMismatch is returned when a model output does not have the [1, C, N] layout
// with C >= 5 that the decoder expects.
var ErrShapeMismatch = errors.New("shape mismatch")

// DecodeConfig controls which candidate boxes survive decoding.
type DecodeConfig struct {
	// ConfidenceThreshold is the inclusive lower bound on the best class score.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// TargetClass is the only class index kept.
	TargetClass int `json:"target_class" yaml:"target_class"`
	// MinWidth rejects clamped boxes narrower than this many pixels.
	MinWidth float32 `json:"min_width" yaml:"min_width"`
	// MinHeight rejects clamped boxes shorter than this many pixels.
	MinHeight float32 `json:"min_height" yaml:"min_height"`
}

// DefaultDecodeConfig returns the thresholds used for counting seated or standing guests.
func DefaultDecodeConfig() DecodeConfig {
	return DecodeConfig{
		ConfidenceThreshold: 0.32,
		TargetClass:         0,
		MinWidth:            10,
		MinHeight:           20,
	}
}

// Decode turns a YOLOv8-style [1, C, N] output tensor into candidate detections.
//
// Channels 0-3 of every slot hold x, y, w, h and channels 4..C-1 hold one score per class.
// The best scoring class is picked per slot (single label, first maximum wins), and the
// slot is kept when that score reaches the threshold and the class is the target class.
// Corners are built as (x, y)-(x+w, y+h), clamped to the width x height frame, and boxes
// that end up smaller than the configured minimum size are dropped.
//
// Arguments:
//   - output: The raw model output.
//   - width: The width of the coordinate frame of the emitted boxes.
//   - height: The height of the coordinate frame of the emitted boxes.
//   - cfg: The filtering configuration.
//
// Returns:
//   - []Result: The candidates in ascending slot order.
//   - error: ErrShapeMismatch if the tensor layout is not [1, C, N] with C >= 5.
func Decode(output *tensor.Dense, width, height int, cfg DecodeConfig) ([]Result, error) {
	if output == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "nil output tensor")
	}

	shape := output.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[1] < 5 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected [1, C>=5, N], got %v", shape)
	}
	if shape[2] == 0 {
		return nil, nil
	}

	data, ok := output.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected float32 output, got %v", output.Dtype())
	}

	channels, numBoxes := shape[1], shape[2]
	if len(data) != channels*numBoxes {
		return nil, errors.Wrapf(ErrShapeMismatch, "output holds %d floats, shape %v needs %d",
			len(data), shape, channels*numBoxes)
	}

	return decodeRows(data, channels, numBoxes, float32(width), float32(height), cfg), nil
}

// decodeRows walks the channel-major buffer where value (c, i) lives at c*numBoxes+i.
func decodeRows(data []float32, channels, numBoxes int, width, height float32, cfg DecodeConfig) []Result {
	numClasses := channels - 4
	results := make([]Result, 0, 64)

	for i := 0; i < numBoxes; i++ {
		bestClass := 0
		bestScore := data[4*numBoxes+i]
		for c := 1; c < numClasses; c++ {
			score := data[(4+c)*numBoxes+i]
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}

		// Written negated so a NaN score never passes.
		if !(bestScore >= cfg.ConfidenceThreshold) || bestClass != cfg.TargetClass {
			continue
		}

		x := data[i]
		y := data[numBoxes+i]
		w := data[2*numBoxes+i]
		h := data[3*numBoxes+i]

		// x, y are used as the top-left corner here, matching the counts the counter
		// has always reported for this model.
		box := images.Rect{X1: x, Y1: y, X2: x + w, Y2: y + h}.Clamp(width, height)

		if box.Width() < cfg.MinWidth || box.Height() < cfg.MinHeight {
			continue
		}

		results = append(results, Result{
			Box:   box,
			Score: bestScore,
			Class: bestClass,
		})
	}

	return results
}
