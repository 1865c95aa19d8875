// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import "github.com/gomlx/mixnet/pkg/evaluator"

// BestTracker carries the best held-out score across the passes of one training run.
//
// Two decisions are taken after each pass:
//
//   - isBest, reported as "Best: Yes" in the pass summary: held-out correct / held-out samples > best.
//   - shouldSave: score > best, where score is held-out correct / held-out batches with BestByBatches,
//     or correct / samples with BestBySamples. When true, score becomes the new best.
//
// With BestByBatches the two quantities are on different scales (the batch based one is roughly
// batch_size times larger), so after the first save "Best: Yes" is rarely reported again even when
// the artifact keeps being updated.
type BestTracker struct {
	by   BestBy
	best float64
}

// NewBestTracker creates a tracker with best set to 0.
func NewBestTracker(by BestBy) *BestTracker {
	return &BestTracker{by: by}
}

// Best returns the current best score.
func (t *BestTracker) Best() float64 { return t.best }

// By returns how the save decision is computed.
func (t *BestTracker) By() BestBy { return t.by }

// Observe the held-out counts of a pass, and returns whether it is reported as a new best and whether
// the model should be saved. It updates the best score in the latter case.
func (t *BestTracker) Observe(test evaluator.Counts) (isBest, shouldSave bool) {
	accuracy := test.Fraction()
	isBest = accuracy > t.best

	score := accuracy
	if t.by != BestBySamples {
		score = 0
		if test.Batches > 0 {
			score = float64(test.Correct) / float64(test.Batches)
		}
	}
	if score > t.best {
		t.best = score
		shouldSave = true
	}
	return
}
