// Package images - Image decoding, normalization and box geometry.
package images

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Rect is a lightweight bounding box in image-pixel coordinates.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the horizontal extent of the box.
func (r Rect) Width() float32 {
	return r.X2 - r.X1
}

// Height returns the vertical extent of the box.
func (r Rect) Height() float32 {
	return r.Y2 - r.Y1
}

// Area returns the box area, or 0 when the box has a non-positive width or height.
func (r Rect) Area() float32 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Clamp restricts every corner of the box to [0, width] x [0, height].
//
// Arguments:
//   - width: The right bound of the coordinate frame.
//   - height: The bottom bound of the coordinate frame.
//
// Returns:
//   - Rect: The clamped box.
func (r Rect) Clamp(width, height float32) Rect {
	return Rect{
		X1: clamp(r.X1, 0, width),
		Y1: clamp(r.Y1, 0, height),
		X2: clamp(r.X2, 0, width),
		Y2: clamp(r.Y2, 0, height),
	}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%.1f,%.1f)-(%.1f,%.1f)", r.X1, r.Y1, r.X2, r.Y2)
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(v, hi))
}

// CalculateIoU measures the overlap of two boxes as Intersection over Union.
//
//	IoU = Area of Intersection / (Area(A) + Area(B) - Area of Intersection)
//
//   - 1.0 means the boxes are identical.
//   - 0.0 means the boxes do not overlap at all.
//
// A box with a non-positive width or height has no area and yields 0 against every
// other box, including itself, so degenerate boxes never suppress or get suppressed.
//
// Arguments:
//   - r: The first box.
//   - o: The other box to compare against.
//
// Returns:
//   - float32: A value between 0.0 and 1.0 representing the IoU score.
//
// Example Usage:
// ```go
//
//	rect1 := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	rect2 := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//
//	iouScore := CalculateIoU(rect1, rect2) // 25 / (100 + 100 - 25) = 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	areaR := r.Area()
	areaO := o.Area()
	if areaR <= 0 || areaO <= 0 {
		return 0
	}

	// The overlap starts at the larger of the top-left corners and ends at the smaller
	// of the bottom-right corners.
	interW := math32.Min(r.X2, o.X2) - math32.Max(r.X1, o.X1)
	interH := math32.Min(r.Y2, o.Y2) - math32.Max(r.Y1, o.Y1)
	if interW <= 0 || interH <= 0 {
		return 0
	}
	interArea := interW * interH

	unionArea := areaR + areaO - interArea
	if unionArea <= 0 {
		return 0
	}

	return interArea / unionArea
}
