// Package postprocess - Postprocessing utilities for detector outputs.
package postprocess

import "github.com/nvr-ai/go-frcnn/boxes"

// ScoredBox is a candidate box ranked for suppression.
type ScoredBox struct {
	// The candidate bounding box.
	Box boxes.Box
	// The objectness or class confidence of the candidate.
	Score float32
	// Rank is the candidate's position in the original input ordering.
	// Suppression breaks score ties by ascending rank so results are
	// reproducible across runs.
	Rank int
}
