package models

import "fmt"

// OutputClass represents one detection label.
type OutputClass struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
}

// OutputClassSet ties a model family to its full list of labels.
type OutputClassSet struct {
	// Class set identifier.
	Style ModelFamily
	// Classes that are supported and mappable.
	Classes []OutputClass
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// NewOutputClassSet builds a class set from labels ordered by model index.
func NewOutputClassSet(style ModelFamily, names ...string) *OutputClassSet {
	set := &OutputClassSet{
		Style:   style,
		Classes: make([]OutputClass, len(names)),
	}
	for i, name := range names {
		set.Classes[i] = OutputClass{Index: i, Name: name}
	}
	set.BuildNameIndexMap()
	return set
}

// BuildNameIndexMap builds or rebuilds the name->index map.
func (s *OutputClassSet) BuildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Classes))
	for _, c := range s.Classes {
		s.nameToIdx[c.Name] = c.Index
	}
}

// Len returns the number of classes the model emits scores for.
func (s *OutputClassSet) Len() int {
	return len(s.Classes)
}

// Name returns the label for a class index.
func (s *OutputClassSet) Name(idx int) (string, error) {
	if idx < 0 || idx >= len(s.Classes) {
		return "", fmt.Errorf("index %d out of range for style %q", idx, s.Style)
	}
	return s.Classes[idx].Name, nil
}

// Index returns the class index for a label.
func (s *OutputClassSet) Index(name string) (int, error) {
	if s.nameToIdx == nil {
		s.BuildNameIndexMap()
	}
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, fmt.Errorf("class %q not found in style %q", name, s.Style)
	}
	return idx, nil
}

// YOLOClasses are the 80 COCO labels in the order emitted by YOLOv5/v8 style heads,
// without a background class. Index 0 is "person".
var YOLOClasses = NewOutputClassSet(ModelFamilyYOLO,
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
)
