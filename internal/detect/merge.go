package detect

import (
	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/geometry"
)

// mergeMatches reconciles the two detectors' candidate lists by per-pair
// spatial overlap. A template match and a vision match whose IoU exceeds
// mergeIoU collapse into one candidate at the higher-confidence geometry,
// tagged as found by both. Matches without a cross-source counterpart survive
// untouched with their own source tag; provenance is always per match, never
// derived from run-level totals.
func mergeMatches(templateMatches, visionMatches []MatchResult, mergeIoU float64) []MatchResult {
	merged := make([]MatchResult, 0, len(templateMatches)+len(visionMatches))
	usedVision := make([]bool, len(visionMatches))

	for _, tm := range templateMatches {
		bestIdx := -1
		bestIoU := mergeIoU
		for j := range visionMatches {
			if usedVision[j] {
				continue
			}
			if iou := tm.Box.IoU(visionMatches[j].Box); iou > bestIoU {
				bestIdx = j
				bestIoU = iou
			}
		}

		if bestIdx < 0 {
			merged = append(merged, tm)
			continue
		}

		usedVision[bestIdx] = true
		winner := tm
		if visionMatches[bestIdx].Confidence > tm.Confidence {
			winner = visionMatches[bestIdx]
		}
		winner.Source = datastore.SourceBoth
		merged = append(merged, winner)
	}

	for j := range visionMatches {
		if !usedVision[j] {
			merged = append(merged, visionMatches[j])
		}
	}

	return merged
}

// excludeTemplateRegion drops candidates overlapping the original template box
// above the exclusion threshold: they are the template itself, not a new
// occurrence. Applied after the merge so a vision hit on the template region
// cannot slip through either.
func excludeTemplateRegion(matches []MatchResult, template geometry.Box, exclusionIoU float64) []MatchResult {
	kept := matches[:0]
	for _, m := range matches {
		if m.Box.IoU(template) > exclusionIoU {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}
