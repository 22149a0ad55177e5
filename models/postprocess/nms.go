// Package postprocess - provides Non-Maximum Suppression for candidate boxes.
package postprocess

import (
	"sort"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// IoUThreshold is the overlap above which a lower-scored box is
	// suppressed by a kept box.
	IoUThreshold float32
	// TopN caps the number of survivors. Zero or negative means no cap.
	TopN int
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Candidates are ranked by descending score, with the original input
// position breaking ties so the result is deterministic for equal scores. A
// candidate is dropped when its IoU with any already-kept box exceeds the
// threshold. Padding sentinel boxes never suppress anything since their IoU
// is defined as zero.
//
// Arguments:
//   - candidates: Slice of scored boxes in their original prediction order.
//   - config: Suppression threshold and survivor cap.
//
// Returns:
//   - Kept boxes in descending score order, at most config.TopN of them.
//     If no candidates are provided, returns nil.
func ApplyGreedyNMS(candidates []ScoredBox, config *NMSConfig) []ScoredBox {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	ranked := make([]ScoredBox, n)
	copy(ranked, candidates)
	for i := range ranked {
		ranked[i].Rank = i
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Rank < ranked[j].Rank
	})

	limit := config.TopN
	if limit <= 0 || limit > n {
		limit = n
	}

	filtered := make([]ScoredBox, 0, limit)
	used := make([]bool, n)

	for i := 0; i < n && len(filtered) < limit; i++ {
		if used[i] {
			continue
		}

		anchor := ranked[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}

			// Suppress if IoU exceeds threshold.
			if anchor.Box.IoU(ranked[j].Box) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
