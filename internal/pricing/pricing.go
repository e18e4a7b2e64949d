package pricing

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ParcelNet/internal/models"
)

var ErrOversized = errors.New("oversized package")

type DeliveryType string

const (
	Economy   DeliveryType = "economy"
	Standard  DeliveryType = "standard"
	TwoDay    DeliveryType = "two_day"
	Overnight DeliveryType = "overnight"
)

type BoxType string

const (
	BoxEnvelope BoxType = "envelope"
	BoxS        BoxType = "S"
	BoxM        BoxType = "M"
	BoxL        BoxType = "L"
)

const (
	MarkFragile       = "fragile"
	MarkDangerous     = "dangerous"
	MarkInternational = "international"
)

const (
	routeCostK   = 5200
	routeNormMin = 0.3
	routeNormMax = 1.6

	internationalMultiplier = 1.8

	dangerousFee = 120
	fragileFee   = 60

	volumetricDivisor = 6000
)

func serviceMultiplier(dt DeliveryType) float64 {
	switch dt {
	case Economy:
		return 1.0
	case TwoDay:
		return 1.55
	case Overnight:
		return 2.0
	default:
		return 1.25
	}
}

// DeliveryDays возвращает срок доставки в календарных днях.
func DeliveryDays(dt DeliveryType) int {
	switch dt {
	case Overnight:
		return 1
	case TwoDay:
		return 2
	case Economy:
		return 5
	default:
		return 3
	}
}

type baseParams struct {
	baseFee     float64
	ratePerCost float64
}

var baseByBox = map[BoxType]baseParams{
	BoxEnvelope: {baseFee: 30, ratePerCost: 90},
	BoxS:        {baseFee: 70, ratePerCost: 170},
	BoxM:        {baseFee: 110, ratePerCost: 260},
	BoxL:        {baseFee: 160, ratePerCost: 380},
}

type weightParams struct {
	includedKg float64
	perKgFee   float64
}

var weightByBox = map[BoxType]weightParams{
	BoxEnvelope: {includedKg: 0.5, perKgFee: 0},
	BoxS:        {includedKg: 3, perKgFee: 18},
	BoxM:        {includedKg: 10, perKgFee: 15},
	BoxL:        {includedKg: 25, perKgFee: 12},
}

var minPrice = map[BoxType]map[DeliveryType]float64{
	BoxEnvelope: {Economy: 50, Standard: 70, TwoDay: 90, Overnight: 120},
	BoxS:        {Economy: 120, Standard: 160, TwoDay: 210, Overnight: 280},
	BoxM:        {Economy: 200, Standard: 260, TwoDay: 340, Overnight: 450},
	BoxL:        {Economy: 320, Standard: 420, TwoDay: 550, Overnight: 750},
}

var maxPrice = map[BoxType]map[DeliveryType]float64{
	BoxEnvelope: {Economy: 400, Standard: 550, TwoDay: 700, Overnight: 950},
	BoxS:        {Economy: 900, Standard: 1200, TwoDay: 1500, Overnight: 1900},
	BoxM:        {Economy: 1400, Standard: 1850, TwoDay: 2350, Overnight: 2900},
	BoxL:        {Economy: 2200, Standard: 2900, TwoDay: 3700, Overnight: 4600},
}

// VolumetricWeightKg converts dimensions in cm to billable kilograms.
func VolumetricWeightKg(d models.Dimensions) float64 {
	return d.Length * d.Width * d.Height / volumetricDivisor
}

// DetermineBoxType fits sorted-descending dimensions plus billable weight
// against the per-box limits. Returns "" when nothing fits.
func DetermineBoxType(d models.Dimensions, billableKg float64) BoxType {
	dims := []float64{d.Length, d.Width, d.Height}
	sort.Sort(sort.Reverse(sort.Float64Slice(dims)))
	d1, d2, d3 := dims[0], dims[1], dims[2]

	switch {
	case d1 <= 30 && d3 <= 2 && billableKg <= 0.5:
		return BoxEnvelope
	case d1 <= 40 && d2 <= 30 && d3 <= 20 && billableKg <= 5:
		return BoxS
	case d1 <= 60 && d2 <= 40 && d3 <= 40 && billableKg <= 20:
		return BoxM
	case d1 <= 90 && d2 <= 60 && d3 <= 60 && billableKg <= 50:
		return BoxL
	}
	return ""
}

// ParseDeliveryType maps client input to a delivery type, defaulting to
// standard, как и исходный тариф.
func ParseDeliveryType(s string) DeliveryType {
	switch DeliveryType(s) {
	case Overnight:
		return Overnight
	case TwoDay:
		return TwoDay
	case Economy:
		return Economy
	}
	return Standard
}

type Result struct {
	RouteCost         float64   `json:"route_cost"`
	RouteCostNorm     float64   `json:"route_cost_norm"`
	BoxType           BoxType   `json:"box_type"`
	ServiceMultiplier float64   `json:"service_multiplier"`
	Base              float64   `json:"base"`
	Shipping          float64   `json:"shipping"`
	WeightSurcharge   float64   `json:"weight_surcharge"`
	MarkFee           float64   `json:"mark_fee"`
	CalculatedPrice   float64   `json:"calculated_price"`
	MinPrice          float64   `json:"min_price"`
	MaxPrice          float64   `json:"max_price"`
	TotalCost         float64   `json:"total_cost"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func hasMark(marks []string, mark string) bool {
	for _, m := range marks {
		if m == mark {
			return true
		}
	}
	return false
}

// Calculate — чистая функция тарификации. Не читает ничего, кроме аргументов;
// now нужен только для расчётной даты доставки.
func Calculate(routeCost, weightKg float64, dims models.Dimensions, dt DeliveryType, marks []string, now time.Time) (*Result, error) {
	norm := clamp(routeCost/routeCostK, routeNormMin, routeNormMax)

	billableKg := math.Max(weightKg, VolumetricWeightKg(dims))
	box := DetermineBoxType(dims, billableKg)
	if box == "" {
		return nil, ErrOversized
	}

	mult := serviceMultiplier(dt)
	bp := baseByBox[box]
	base := bp.baseFee + norm*bp.ratePerCost
	shipping := math.Ceil(base * mult)

	wp := weightByBox[box]
	extraKg := math.Max(0, math.Ceil(billableKg-wp.includedKg))
	surcharge := extraKg * wp.perKgFee

	subtotal := shipping + surcharge
	if hasMark(marks, MarkInternational) {
		subtotal = math.Ceil(subtotal * internationalMultiplier)
	}

	markFee := 0.0
	if hasMark(marks, MarkDangerous) {
		markFee += dangerousFee
	}
	if hasMark(marks, MarkFragile) {
		markFee += fragileFee
	}

	calculated := subtotal + markFee
	lo := minPrice[box][dt]
	hi := maxPrice[box][dt]
	total := clamp(calculated, lo, hi)

	return &Result{
		RouteCost:         routeCost,
		RouteCostNorm:     norm,
		BoxType:           box,
		ServiceMultiplier: mult,
		Base:              base,
		Shipping:          shipping,
		WeightSurcharge:   surcharge,
		MarkFee:           markFee,
		CalculatedPrice:   calculated,
		MinPrice:          lo,
		MaxPrice:          hi,
		TotalCost:         total,
		EstimatedDelivery: now.AddDate(0, 0, DeliveryDays(dt)),
	}, nil
}
