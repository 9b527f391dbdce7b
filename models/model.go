// Package models - Definitions for model output class styles and sets.
package models

// ModelFamily is the family of models.
type ModelFamily string

// ModelFamilyYOLO is the 80 COCO classes, no background class.
const ModelFamilyYOLO ModelFamily = "yolo"

// PersonClass is the label counted as a guest.
const PersonClass = "person"
