package score

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ecobuddy-backend/internal/domain"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestComputeEmptyBasket(t *testing.T) {
	_, ok := Compute(nil)
	assert.False(t, ok)

	_, ok = Compute([]domain.LineItem{})
	assert.False(t, ok)
}

func TestComputeZeroPriceFallsBackToQuantityWeight(t *testing.T) {
	got, ok := Compute([]domain.LineItem{
		{Score: fptr(5), Qty: iptr(1), UnitPrice: fptr(0)},
	})
	assert.True(t, ok)
	assert.Equal(t, 5.0, got)
}

func TestComputeWeightedAverage(t *testing.T) {
	got, ok := Compute([]domain.LineItem{
		{Score: fptr(80), Qty: iptr(2), UnitPrice: fptr(10)},
		{Score: fptr(20), Qty: iptr(1), UnitPrice: fptr(10)},
	})
	assert.True(t, ok)
	assert.Equal(t, 66.7, got)
}

func TestComputeRoundsToOneDecimal(t *testing.T) {
	got, ok := Compute([]domain.LineItem{
		{Score: fptr(1), Qty: iptr(1), UnitPrice: fptr(1)},
		{Score: fptr(2), Qty: iptr(1), UnitPrice: fptr(1)},
		{Score: fptr(2), Qty: iptr(1), UnitPrice: fptr(1)},
	})
	assert.True(t, ok)
	assert.Equal(t, 1.7, got)
}

func TestComputeMissingFieldsDefault(t *testing.T) {
	// Absent score counts as 0, absent qty as 1, absent price as 1.
	got, ok := Compute([]domain.LineItem{
		{Score: fptr(60)},
		{},
	})
	assert.True(t, ok)
	assert.Equal(t, 30.0, got)
}

func TestComputeNegativeQuantityClampedToZero(t *testing.T) {
	_, ok := Compute([]domain.LineItem{
		{Score: fptr(90), Qty: iptr(-2), UnitPrice: fptr(5)},
	})
	assert.False(t, ok, "a basket with only clamped items has no weight")
}

func TestComputeNonFiniteUnitPrice(t *testing.T) {
	for _, price := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		got, ok := Compute([]domain.LineItem{
			{Score: fptr(40), Qty: iptr(2), UnitPrice: fptr(price)},
		})
		assert.True(t, ok)
		assert.Equal(t, 40.0, got, "non-finite price must weight by quantity")
	}
}

func TestComputeBounded(t *testing.T) {
	items := []domain.LineItem{
		{Score: fptr(12), Qty: iptr(3), UnitPrice: fptr(2.5)},
		{Score: fptr(97), Qty: iptr(1), UnitPrice: fptr(19.99)},
		{Score: fptr(55), Qty: iptr(2)},
	}
	got, ok := Compute(items)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, got, 12.0)
	assert.LessOrEqual(t, got, 97.0)
}

func TestComputeDeterministic(t *testing.T) {
	items := []domain.LineItem{
		{Score: fptr(73.3), Qty: iptr(2), UnitPrice: fptr(4.2)},
		{Score: fptr(18), Qty: iptr(1), UnitPrice: fptr(0.99)},
	}
	first, ok := Compute(items)
	assert.True(t, ok)
	for i := 0; i < 10; i++ {
		again, _ := Compute(items)
		assert.Equal(t, first, again)
	}
}

func TestItemCount(t *testing.T) {
	assert.Equal(t, int64(0), ItemCount(nil))
	assert.Equal(t, int64(6), ItemCount([]domain.LineItem{
		{Qty: iptr(2)},
		{Qty: iptr(3)},
		{}, // missing qty defaults to 1
	}))
	assert.Equal(t, int64(1), ItemCount([]domain.LineItem{
		{Qty: iptr(-4)},
		{Qty: iptr(1)},
	}))
}

func TestPoints(t *testing.T) {
	assert.Equal(t, int64(0), Points(0))
	assert.Equal(t, int64(0), Points(-12.5))
	assert.Equal(t, int64(7), Points(7.4))
	assert.Equal(t, int64(8), Points(7.5))
	assert.Equal(t, int64(100), Points(100))
}
