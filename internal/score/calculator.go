// Package score holds the pure scoring arithmetic: the weighted purchase
// score and the monthly bucket key. Nothing here touches I/O or shared
// state, so every function is safe to call from concurrent event handlers.
package score

import (
	"math"

	"github.com/ecobuddy-backend/internal/domain"
)

// Compute returns the weighted sustainability score for a purchase's line
// items, rounded to one decimal place. Each item contributes with weight
// qty*unitPrice when the unit price is a finite number greater than zero;
// otherwise the weight falls back to the bare quantity. The second return
// is false when no score can be produced (no items, or all weights zero).
func Compute(items []domain.LineItem) (float64, bool) {
	var sumWeighted, sumWeight float64
	for _, it := range items {
		qty := float64(it.QtyValue())
		price := it.UnitPriceValue()

		weight := qty
		if !math.IsNaN(price) && !math.IsInf(price, 0) && price > 0 {
			weight = qty * price
		}

		sumWeighted += it.ScoreValue() * weight
		sumWeight += weight
	}

	if sumWeight <= 0 {
		return 0, false
	}
	return math.Round(sumWeighted/sumWeight*10) / 10, true
}

// ItemCount returns the total quantity across all line items, with missing
// quantities defaulting to 1. Counted regardless of whether the items
// produce a score.
func ItemCount(items []domain.LineItem) int64 {
	var n int64
	for _, it := range items {
		n += int64(it.QtyValue())
	}
	return n
}

// Points converts a purchase score into leaderboard points. Scores that are
// not strictly positive earn nothing.
func Points(purchaseScore float64) int64 {
	if purchaseScore <= 0 {
		return 0
	}
	return int64(math.Round(purchaseScore))
}
