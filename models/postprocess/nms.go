package postprocess

import (
	"sort"

	"github.com/nvr-ai/guestcount/images"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// IoUThreshold is the overlap at or above which the lower scored box is suppressed.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// ClassAware limits suppression to boxes of the same class.
	ClassAware bool `json:"class_aware" yaml:"class_aware"`
}

// DefaultNMSConfig returns the class-agnostic configuration used by the counter.
func DefaultNMSConfig() *NMSConfig {
	return &NMSConfig{IoUThreshold: 0.6}
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Candidates are ordered by descending score with ties kept in input order, then the
// best remaining box is kept and every remaining box overlapping it with IoU >= the
// threshold is dropped, until no candidates remain. The input slice is not reordered.
//
// Arguments:
//   - detections: Candidate detections in decode order.
//   - config: NMS configuration. A nil config uses DefaultNMSConfig.
//
// Returns:
//   - Filtered slice of detections in descending score order. If no detections are
//     provided, returns nil.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}
	if config == nil {
		config = DefaultNMSConfig()
	}

	sorted := make([]Result, n)
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	filtered := make([]Result, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := sorted[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if config.ClassAware && anchor.Class != sorted[j].Class {
				continue
			}

			// Boxes without overlap (or without area) are never suppressed.
			iou := images.CalculateIoU(anchor.Box, sorted[j].Box)
			if iou > 0 && iou >= config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
