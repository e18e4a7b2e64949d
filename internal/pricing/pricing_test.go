package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ParcelNet/internal/models"
)

var (
	smallBox = models.Dimensions{Length: 30, Width: 20, Height: 10}
	now      = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
)

func TestCalculate_breakdown(t *testing.T) {
	r, err := Calculate(5200, 2, smallBox, Standard, nil, now)
	require.NoError(t, err)

	require.Equal(t, BoxS, r.BoxType)
	require.Equal(t, 1.0, r.RouteCostNorm)
	// base = 70 + 1.0*170 = 240; shipping = ceil(240*1.25) = 300
	require.Equal(t, 300.0, r.Shipping)
	require.Zero(t, r.WeightSurcharge)
	require.Equal(t, 300.0, r.TotalCost)
	require.Equal(t, now.AddDate(0, 0, 3), r.EstimatedDelivery)
}

func TestCalculate_routeNormClamped(t *testing.T) {
	lo, err := Calculate(0, 2, smallBox, Standard, nil, now)
	require.NoError(t, err)
	require.Equal(t, 0.3, lo.RouteCostNorm)

	hi, err := Calculate(1e9, 2, smallBox, Standard, nil, now)
	require.NoError(t, err)
	require.Equal(t, 1.6, hi.RouteCostNorm)
}

func TestCalculate_weightSurcharge(t *testing.T) {
	r, err := Calculate(5200, 4.2, smallBox, Standard, nil, now)
	require.NoError(t, err)
	// extra = ceil(4.2 - 3) = 2 kg, 18 per kg
	require.Equal(t, 36.0, r.WeightSurcharge)
}

func TestCalculate_volumetricWeightWins(t *testing.T) {
	bulky := models.Dimensions{Length: 60, Width: 40, Height: 40}
	r, err := Calculate(5200, 0.1, bulky, Economy, nil, now)
	require.NoError(t, err)
	// volumetric = 96000/6000 = 16 kg -> box M, 6 kg over included 10
	require.Equal(t, BoxM, r.BoxType)
	require.Equal(t, 90.0, r.WeightSurcharge)
}

func TestCalculate_oversized(t *testing.T) {
	_, err := Calculate(100, 1, models.Dimensions{Length: 120, Width: 10, Height: 10}, Standard, nil, now)
	require.ErrorIs(t, err, ErrOversized)

	_, err = Calculate(100, 80, smallBox, Standard, nil, now)
	require.ErrorIs(t, err, ErrOversized)
}

func TestCalculate_marksAndInternational(t *testing.T) {
	plain, err := Calculate(5200, 2, smallBox, Standard, nil, now)
	require.NoError(t, err)

	marked, err := Calculate(5200, 2, smallBox, Standard, []string{MarkFragile, MarkDangerous}, now)
	require.NoError(t, err)
	require.Equal(t, 180.0, marked.MarkFee)
	require.Equal(t, plain.CalculatedPrice+180, marked.CalculatedPrice)

	intl, err := Calculate(5200, 2, smallBox, Standard, []string{MarkInternational}, now)
	require.NoError(t, err)
	require.Equal(t, 540.0, intl.CalculatedPrice) // ceil(300*1.8)
}

func TestCalculate_clampedToPriceTable(t *testing.T) {
	// Cheap route + economy M lands below the floor: ceil(110+0.3*260) = 188
	// against a 200 minimum.
	r, err := Calculate(0, 2, models.Dimensions{Length: 50, Width: 30, Height: 20}, Economy, nil, now)
	require.NoError(t, err)
	require.Equal(t, BoxM, r.BoxType)
	require.Less(t, r.CalculatedPrice, r.MinPrice)
	require.Equal(t, r.MinPrice, r.TotalCost)

	// International envelope with every mark at max route exceeds the cap:
	// ceil(ceil(174)*1.8) + 180 = 494 against a 400 ceiling.
	r, err = Calculate(1e9, 0.4, models.Dimensions{Length: 20, Width: 10, Height: 1}, Economy,
		[]string{MarkInternational, MarkDangerous, MarkFragile}, now)
	require.NoError(t, err)
	require.Greater(t, r.CalculatedPrice, r.MaxPrice)
	require.Equal(t, r.MaxPrice, r.TotalCost)
}

func TestCalculate_monotonicInWeight(t *testing.T) {
	prev := -1.0
	for _, w := range []float64{0.5, 1, 2, 3.5, 4, 4.9, 5} {
		r, err := Calculate(2600, w, smallBox, Standard, nil, now)
		require.NoError(t, err)
		require.GreaterOrEqual(t, r.TotalCost, prev, "weight %v", w)
		prev = r.TotalCost
	}
}

func TestCalculate_monotonicInUrgency(t *testing.T) {
	order := []DeliveryType{Economy, Standard, TwoDay, Overnight}
	prev := -1.0
	for _, dt := range order {
		r, err := Calculate(2600, 2, smallBox, dt, nil, now)
		require.NoError(t, err)
		require.GreaterOrEqual(t, r.TotalCost, prev, "type %s", dt)
		prev = r.TotalCost
	}
}

func TestCalculate_fragileNeverCheaper(t *testing.T) {
	for _, dt := range []DeliveryType{Economy, Standard, TwoDay, Overnight} {
		plain, err := Calculate(2600, 2, smallBox, dt, nil, now)
		require.NoError(t, err)
		fragile, err := Calculate(2600, 2, smallBox, dt, []string{MarkFragile}, now)
		require.NoError(t, err)
		require.GreaterOrEqual(t, fragile.TotalCost, plain.TotalCost)
	}
}

func TestParseDeliveryType(t *testing.T) {
	require.Equal(t, Overnight, ParseDeliveryType("overnight"))
	require.Equal(t, Standard, ParseDeliveryType(""))
	require.Equal(t, Standard, ParseDeliveryType("weird"))
	require.Equal(t, Economy, ParseDeliveryType("economy"))
}

func TestDeliveryDays(t *testing.T) {
	require.Equal(t, 1, DeliveryDays(Overnight))
	require.Equal(t, 2, DeliveryDays(TwoDay))
	require.Equal(t, 3, DeliveryDays(Standard))
	require.Equal(t, 5, DeliveryDays(Economy))
}
