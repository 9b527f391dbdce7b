// Package postprocess - Postprocessing of raw detector output into detections.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/guestcount/images"
)

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result in image-pixel coordinates.
	Box images.Rect
	// The confidence score of the result.
	Score float32
	// The predicted class index of the result.
	Class int
}

func (r Result) String() string {
	return fmt.Sprintf("class=%d conf=%.3f box=%s", r.Class, r.Score, r.Box)
}
