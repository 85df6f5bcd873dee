// Package sizing converts account equity into a tradable lot quantity.
package sizing

import (
	"math"
	"sort"
)

// Band is one equity deployment band. A band applies to equity strictly
// below UpTo; the last band should use math.Inf(1).
type Band struct {
	Name          string
	UpTo          float64
	AllocationPct float64 // share of equity that may be deployed
	RiskPct       float64 // share of equity that may be lost at the assumed stop
}

// DefaultAssumedStopFraction is the premium loss assumed when sizing by risk.
const DefaultAssumedStopFraction = 0.30

// DefaultBands returns the small/medium/large/very-large bands.
func DefaultBands() []Band {
	return []Band{
		{Name: "small", UpTo: 50_000, AllocationPct: 30, RiskPct: 5},
		{Name: "medium", UpTo: 200_000, AllocationPct: 25, RiskPct: 3.5},
		{Name: "large", UpTo: 1_000_000, AllocationPct: 20, RiskPct: 3},
		{Name: "very_large", UpTo: math.Inf(1), AllocationPct: 15, RiskPct: 2.5},
	}
}

// Allocator sizes positions from equity. The zero value is not usable; use
// NewAllocator or Default.
type Allocator struct {
	bands       []Band
	assumedStop float64
}

// NewAllocator returns an Allocator over bands sorted by UpTo. A
// non-positive assumedStop falls back to DefaultAssumedStopFraction.
func NewAllocator(bands []Band, assumedStop float64) *Allocator {
	if len(bands) == 0 {
		bands = DefaultBands()
	}
	sorted := make([]Band, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpTo < sorted[j].UpTo })
	if assumedStop <= 0 || assumedStop > 1 || math.IsNaN(assumedStop) {
		assumedStop = DefaultAssumedStopFraction
	}
	return &Allocator{bands: sorted, assumedStop: assumedStop}
}

var defaultAllocator = NewAllocator(nil, DefaultAssumedStopFraction)

// QuantityFor sizes with the default bands.
func QuantityFor(equity, entryPrice float64, lotSize int64, scaleMultiplier float64) int64 {
	return defaultAllocator.QuantityFor(equity, entryPrice, lotSize, scaleMultiplier)
}

// BandFor returns the band that applies to equity.
func (a *Allocator) BandFor(equity float64) Band {
	for _, b := range a.bands {
		if equity < b.UpTo {
			return b
		}
	}
	return a.bands[len(a.bands)-1]
}

// QuantityFor returns the tradable quantity (a multiple of lotSize) for the
// given equity and entry price. It returns 0 for non-positive or non-finite
// inputs and when a single lot is unaffordable.
func (a *Allocator) QuantityFor(equity, entryPrice float64, lotSize int64, scaleMultiplier float64) int64 {
	if !positive(equity) || !positive(entryPrice) || lotSize <= 0 {
		return 0
	}
	lot := float64(lotSize)
	lotCost := entryPrice * lot
	if lotCost > equity {
		return 0
	}

	band := a.BandFor(equity)
	allocLots := math.Floor(band.AllocationPct / 100 * equity / lotCost)
	riskLots := math.Floor(band.RiskPct / 100 * equity / (entryPrice * a.assumedStop) / lot)
	lots := math.Min(allocLots, riskLots)
	if lots <= 0 {
		return 0
	}

	scale := 1.0
	if positive(scaleMultiplier) {
		scale = math.Round(math.Max(scaleMultiplier, 1))
	}
	lots *= scale

	// Notional never exceeds equity.
	if maxLots := math.Floor(equity / lotCost); lots > maxLots {
		lots = maxLots
	}
	if lots <= 0 {
		return 0
	}
	return int64(lots) * lotSize
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
