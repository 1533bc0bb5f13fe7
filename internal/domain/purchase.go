package domain

import (
	"time"
)

// LineItem is one product entry in a purchase. Fields missing from the
// inbound document default to score 0, quantity 1, unit price 1.
type LineItem struct {
	Score     *float64 `json:"score,omitempty"`
	Qty       *int     `json:"qty,omitempty"`
	UnitPrice *float64 `json:"unitPrice,omitempty"`
}

// ScoreValue returns the item's sustainability score, defaulting to 0.
func (li LineItem) ScoreValue() float64 {
	if li.Score == nil {
		return 0
	}
	return *li.Score
}

// QtyValue returns the item's quantity, defaulting to 1. Negative
// quantities are clamped to 0.
func (li LineItem) QtyValue() int {
	if li.Qty == nil {
		return 1
	}
	if *li.Qty < 0 {
		return 0
	}
	return *li.Qty
}

// UnitPriceValue returns the item's unit price, defaulting to 1.
func (li LineItem) UnitPriceValue() float64 {
	if li.UnitPrice == nil {
		return 1
	}
	return *li.UnitPrice
}

// PurchaseRecord is a user-submitted transaction containing scored line
// items. PurchaseScore is computed by the pipeline and is nil until the
// record has been processed (or when the items produce no score).
type PurchaseRecord struct {
	UserID        string     `json:"user_id"`
	PurchaseID    string     `json:"purchase_id"`
	Items         []LineItem `json:"items"`
	PurchaseDate  time.Time  `json:"purchase_date"`
	PurchaseScore *float64   `json:"purchase_score,omitempty"`
}

// ChangeEvent is a notification that a purchase document was created,
// updated, or deleted. A nil After snapshot signals a deletion.
type ChangeEvent struct {
	UserID     string          `json:"user_id"`
	PurchaseID string          `json:"purchase_id"`
	Before     *PurchaseRecord `json:"before,omitempty"`
	After      *PurchaseRecord `json:"after,omitempty"`
}
