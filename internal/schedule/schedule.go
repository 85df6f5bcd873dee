// Package schedule holds the drawdown and stop curves used by the risk
// engine. Every curve is monotonic in its primary driver and clamped to a
// configured floor and ceiling.
package schedule

import (
	"math"
)

// ProfitCurve shapes the allowed giveback from peak profit.
type ProfitCurve struct {
	ActivationPct  float64 // peak profit at which trailing engages
	MaxGivebackPct float64 // allowance at activation
	MinGivebackPct float64 // allowance at saturation
	SaturationPct  float64 // peak profit at which the floor is reached
	Steepness      float64 // exponential decay constant
}

// LossCurve shapes the reverse stop for losing positions.
type LossCurve struct {
	MaxStopPct         float64 // allowance at zero loss
	MinStopPct         float64 // floor
	FullDepthLossPct   float64 // loss (negative) at which the linear part reaches the floor
	TightenPerMinute   float64 // points removed per minute underwater
	ATRRatioThreshold  float64 // ratios below this incur the compression penalty
	CompressionPenalty float64
}

// Schedule bundles both curves and per-instrument giveback floors.
type Schedule struct {
	Profit ProfitCurve
	Loss   LossCurve
	// Floors maps an instrument (symbol or "segment:security_id") to a
	// minimum giveback allowance.
	Floors map[string]float64
}

// DefaultProfitCurve returns the stock profit curve.
func DefaultProfitCurve() ProfitCurve {
	return ProfitCurve{
		ActivationPct:  3,
		MaxGivebackPct: 15,
		MinGivebackPct: 1,
		SaturationPct:  30,
		Steepness:      3,
	}
}

// DefaultLossCurve returns the stock loss curve.
func DefaultLossCurve() LossCurve {
	return LossCurve{
		MaxStopPct:         20,
		MinStopPct:         5,
		FullDepthLossPct:   -30,
		TightenPerMinute:   2,
		ATRRatioThreshold:  0.8,
		CompressionPenalty: 4,
	}
}

// Default returns a Schedule with the stock curves and no floors.
func Default() *Schedule {
	return New(DefaultProfitCurve(), DefaultLossCurve(), nil)
}

// New returns a Schedule, repairing curve parameters that would make the
// curves diverge or invert.
func New(profit ProfitCurve, loss LossCurve, floors map[string]float64) *Schedule {
	def := DefaultProfitCurve()
	if !finite(profit.MaxGivebackPct) || profit.MaxGivebackPct <= 0 {
		profit.MaxGivebackPct = def.MaxGivebackPct
	}
	if !finite(profit.MinGivebackPct) || profit.MinGivebackPct < 0 || profit.MinGivebackPct > profit.MaxGivebackPct {
		profit.MinGivebackPct = math.Min(def.MinGivebackPct, profit.MaxGivebackPct)
	}
	if !finite(profit.ActivationPct) || profit.ActivationPct < 0 {
		profit.ActivationPct = def.ActivationPct
	}
	if !finite(profit.SaturationPct) || profit.SaturationPct <= profit.ActivationPct {
		profit.SaturationPct = profit.ActivationPct + (def.SaturationPct - def.ActivationPct)
	}
	if !finite(profit.Steepness) || profit.Steepness <= 0 {
		profit.Steepness = def.Steepness
	}

	ldef := DefaultLossCurve()
	if !finite(loss.MaxStopPct) || loss.MaxStopPct <= 0 {
		loss.MaxStopPct = ldef.MaxStopPct
	}
	if !finite(loss.MinStopPct) || loss.MinStopPct <= 0 || loss.MinStopPct > loss.MaxStopPct {
		loss.MinStopPct = math.Min(ldef.MinStopPct, loss.MaxStopPct)
	}
	if !finite(loss.FullDepthLossPct) || loss.FullDepthLossPct >= 0 {
		loss.FullDepthLossPct = ldef.FullDepthLossPct
	}
	if !finite(loss.TightenPerMinute) || loss.TightenPerMinute < 0 {
		loss.TightenPerMinute = ldef.TightenPerMinute
	}
	if !finite(loss.ATRRatioThreshold) || loss.ATRRatioThreshold < 0 {
		loss.ATRRatioThreshold = ldef.ATRRatioThreshold
	}
	if !finite(loss.CompressionPenalty) || loss.CompressionPenalty < 0 {
		loss.CompressionPenalty = ldef.CompressionPenalty
	}

	fl := make(map[string]float64, len(floors))
	for k, v := range floors {
		if finite(v) && v > 0 {
			fl[k] = v
		}
	}
	return &Schedule{Profit: profit, Loss: loss, Floors: fl}
}

// AllowedGivebackPct returns the profit percentage points that may be given
// back from peakProfitPct before exiting. Below activation it returns the
// maximum allowance.
func (s *Schedule) AllowedGivebackPct(peakProfitPct float64) float64 {
	c := s.Profit
	if math.IsNaN(peakProfitPct) {
		return c.MinGivebackPct
	}
	t := (peakProfitPct - c.ActivationPct) / (c.SaturationPct - c.ActivationPct)
	t = clamp(t, 0, 1)
	decay := (math.Exp(-c.Steepness*t) - math.Exp(-c.Steepness)) / (1 - math.Exp(-c.Steepness))
	return clamp(c.MinGivebackPct+(c.MaxGivebackPct-c.MinGivebackPct)*decay, c.MinGivebackPct, c.MaxGivebackPct)
}

// AllowedGivebackPctFor applies the instrument floor on top of the curve.
func (s *Schedule) AllowedGivebackPctFor(instrument string, peakProfitPct float64) float64 {
	g := s.AllowedGivebackPct(peakProfitPct)
	if floor, ok := s.Floors[instrument]; ok && floor > g {
		return floor
	}
	return g
}

// Trailing reports whether peakProfitPct has reached the activation
// threshold.
func (s *Schedule) Trailing(peakProfitPct float64) bool {
	return peakProfitPct >= s.Profit.ActivationPct
}

// ShouldExitProfit reports whether the giveback from peak meets the
// allowance for instrument.
func (s *Schedule) ShouldExitProfit(instrument string, peakProfitPct, currentProfitPct float64) bool {
	if !s.Trailing(peakProfitPct) || !finite(currentProfitPct) {
		return false
	}
	return peakProfitPct-currentProfitPct >= s.AllowedGivebackPctFor(instrument, peakProfitPct)
}

// ReverseStopPct returns the loss allowance (positive percentage) for a
// position currently at currentLossPct (zero or negative). The allowance
// tightens as the loss deepens, with time underwater, and when atrRatio is
// below threshold. A non-finite ratio is treated as compression.
func (s *Schedule) ReverseStopPct(currentLossPct, secondsUnderwater, atrRatio float64) float64 {
	c := s.Loss
	loss := currentLossPct
	if math.IsNaN(loss) {
		return c.MinStopPct
	}
	if loss > 0 {
		loss = 0
	}
	depth := clamp(loss/c.FullDepthLossPct, 0, 1)
	stop := c.MaxStopPct - (c.MaxStopPct-c.MinStopPct)*depth

	if finite(secondsUnderwater) && secondsUnderwater > 0 {
		stop -= c.TightenPerMinute * secondsUnderwater / 60
	} else if math.IsInf(secondsUnderwater, 1) {
		stop = c.MinStopPct
	}
	if !finite(atrRatio) || atrRatio < c.ATRRatioThreshold {
		stop -= c.CompressionPenalty
	}
	return clamp(stop, c.MinStopPct, c.MaxStopPct)
}

// ShouldExitLoss reports whether currentLossPct breaches the reverse stop.
func (s *Schedule) ShouldExitLoss(currentLossPct, secondsUnderwater, atrRatio float64) bool {
	if !finite(currentLossPct) || currentLossPct >= 0 {
		return false
	}
	return currentLossPct <= -s.ReverseStopPct(currentLossPct, secondsUnderwater, atrRatio)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
