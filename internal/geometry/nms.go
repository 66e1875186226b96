package geometry

import "sort"

// Suppress performs greedy non-maximum suppression over scored boxes and
// returns the indices of the survivors, ordered by descending score.
//
// The highest-scoring box is kept, every remaining box overlapping it with
// IoU above iouThreshold is discarded, and the process repeats until no
// candidates remain. N identical boxes therefore collapse to exactly one.
func Suppress(boxes []Box, scores []float64, iouThreshold float64) []int {
	if len(boxes) == 0 {
		return nil
	}

	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	kept := make([]int, 0, len(boxes))
	suppressed := make([]bool, len(boxes))

	for _, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, i)
		for _, j := range order {
			if j == i || suppressed[j] {
				continue
			}
			if boxes[i].IoU(boxes[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}
