package service

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/schedule"
)

// EngineConfig holds the early-trend-failure thresholds and the bar length
// used by the time stop.
type EngineConfig struct {
	TrendScoreDropPct float64       // exit when the trend score falls this far below its peak
	MinADX            float64       // exit when ADX drops below
	MinATRRatio       float64       // exit when current/average ATR drops below
	RejectionPct      float64       // adverse distance through the reference level
	BarDuration       time.Duration // one bar of the time stop
}

// DefaultEngineConfig returns the stock thresholds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TrendScoreDropPct: 30,
		MinADX:            15,
		MinATRRatio:       0.65,
		RejectionPct:      0.2,
		BarDuration:       5 * time.Minute,
	}
}

// RiskEngine decides, for one position and one price, whether to hold,
// tighten the stop or exit. Rules run in precedence order and at most one
// fires:
//
//  1. early trend failure (only before profit trailing engages)
//  2. profit giveback / reverse stop
//  3. hard stop
//  4. take profit
//  5. time stop
type RiskEngine struct {
	sched *schedule.Schedule
	cfg   EngineConfig
}

// NewRiskEngine creates a RiskEngine.
func NewRiskEngine(sched *schedule.Schedule, cfg EngineConfig) *RiskEngine {
	if sched == nil {
		sched = schedule.Default()
	}
	return &RiskEngine{sched: sched, cfg: cfg}
}

// Schedule returns the drawdown schedule in use.
func (e *RiskEngine) Schedule() *schedule.Schedule { return e.sched }

// Evaluate runs the rules against pos at tick. A nil signals pointer
// disables early-failure detection and applies the compression penalty to
// the reverse stop.
func (e *RiskEngine) Evaluate(pos domain.Position, tick domain.Tick, signals *domain.TrendSignals, policy domain.ExecutionPolicy) domain.Decision {
	price := tick.LastPrice
	if !pos.IsActive() || pos.Quantity <= 0 {
		return domain.Decision{Action: domain.ActionHold, Detail: "not active"}
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return domain.Decision{Action: domain.ActionHold, Detail: domain.ReasonInputAmbiguity}
	}
	now := tick.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	profit := pos.ProfitPct(price)
	peak := math.Max(pos.PeakProfitPct, profit)
	instrument := pos.Symbol
	if _, ok := e.sched.Floors[instrument]; !ok {
		instrument = pos.Key().String()
	}
	atrRatio := math.NaN()
	if signals != nil {
		atrRatio = signals.ATRRatio
	}

	if !e.sched.Trailing(peak) && signals != nil {
		if why := e.earlyFailure(pos, price, *signals); why != "" {
			return exit(domain.ExitReasonEarlyTrendFail, why)
		}
	}

	if e.sched.Trailing(peak) {
		if e.sched.ShouldExitProfit(instrument, peak, profit) {
			return exit(domain.ExitReasonProfitGiveback, fmt.Sprintf("peak=%.2f%% now=%.2f%% allowed=%.2f%%",
				peak, profit, e.sched.AllowedGivebackPctFor(instrument, peak)))
		}
	} else if profit < 0 {
		underwater := pos.SecondsUnderwater(now)
		if e.sched.ShouldExitLoss(profit, underwater, atrRatio) {
			return exit(domain.ExitReasonReverseStop, fmt.Sprintf("loss=%.2f%% allowed=%.2f%% underwater=%.0fs",
				profit, e.sched.ReverseStopPct(profit, underwater, atrRatio), underwater))
		}
	}

	if policy.HardStopPct > 0 && profit <= -policy.HardStopPct {
		return exit(domain.ExitReasonHardStop, fmt.Sprintf("loss=%.2f%% hard_stop=%.2f%%", profit, policy.HardStopPct))
	}
	if stopBreached(pos, price) {
		return exit(domain.ExitReasonHardStop, fmt.Sprintf("price=%.4f stop=%.4f", price, pos.StopLossPrice))
	}

	if target := takeProfitPct(policy); target > 0 && profit >= target {
		return exit(domain.ExitReasonTakeProfit, fmt.Sprintf("profit=%.2f%% target=%.2f%%", profit, target))
	}
	if targetReached(pos, price) {
		return exit(domain.ExitReasonTakeProfit, fmt.Sprintf("price=%.4f target=%.4f", price, pos.TargetPrice))
	}

	if policy.TimeStopBars > 0 && e.cfg.BarDuration > 0 && !pos.CreatedAt.IsZero() {
		limit := time.Duration(policy.TimeStopBars) * e.cfg.BarDuration
		if held := now.Sub(pos.CreatedAt); held >= limit {
			return exit(domain.ExitReasonTimeStop, fmt.Sprintf("held=%s limit=%s", held.Truncate(time.Second), limit))
		}
	}

	if e.sched.Trailing(peak) {
		stop := trailingStopPrice(pos, peak, e.sched.AllowedGivebackPctFor(instrument, peak))
		if tightens(pos, stop) {
			return domain.Decision{Action: domain.ActionUpdateStop, StopPrice: stop,
				Detail: fmt.Sprintf("peak=%.2f%%", peak)}
		}
	}
	return domain.Decision{Action: domain.ActionHold}
}

func (e *RiskEngine) earlyFailure(pos domain.Position, price float64, s domain.TrendSignals) string {
	var why []string
	if s.PeakTrendScore > 0 && finite(s.TrendScore) &&
		s.TrendScore <= s.PeakTrendScore*(1-e.cfg.TrendScoreDropPct/100) {
		why = append(why, fmt.Sprintf("trend_score %.2f from peak %.2f", s.TrendScore, s.PeakTrendScore))
	}
	if e.cfg.MinADX > 0 && finite(s.ADX) && s.ADX > 0 && s.ADX < e.cfg.MinADX {
		why = append(why, fmt.Sprintf("adx %.2f", s.ADX))
	}
	if e.cfg.MinATRRatio > 0 && finite(s.ATRRatio) && s.ATRRatio > 0 && s.ATRRatio < e.cfg.MinATRRatio {
		why = append(why, fmt.Sprintf("atr_ratio %.2f", s.ATRRatio))
	}
	if s.ReferenceLevel > 0 && finite(s.ReferenceLevel) {
		tol := e.cfg.RejectionPct / 100
		switch pos.Side {
		case domain.OrderSideBuy:
			if price < s.ReferenceLevel*(1-tol) {
				why = append(why, fmt.Sprintf("rejected below %.4f", s.ReferenceLevel))
			}
		case domain.OrderSideSell:
			if price > s.ReferenceLevel*(1+tol) {
				why = append(why, fmt.Sprintf("rejected above %.4f", s.ReferenceLevel))
			}
		}
	}
	return strings.Join(why, "; ")
}

func exit(reason domain.ExitReason, detail string) domain.Decision {
	return domain.Decision{Action: domain.ActionExit, Reason: reason, Detail: detail}
}

// takeProfitPct is the first target, or the last one when the policy lets a
// runner ride past the first.
func takeProfitPct(p domain.ExecutionPolicy) float64 {
	if len(p.ProfitTargets) == 0 {
		return 0
	}
	if p.RunnerExit {
		return p.ProfitTargets[len(p.ProfitTargets)-1]
	}
	return p.ProfitTargets[0]
}

func stopBreached(p domain.Position, price float64) bool {
	if p.StopLossPrice <= 0 {
		return false
	}
	if p.Side == domain.OrderSideSell {
		return price >= p.StopLossPrice
	}
	return price <= p.StopLossPrice
}

func targetReached(p domain.Position, price float64) bool {
	if p.TargetPrice <= 0 {
		return false
	}
	if p.Side == domain.OrderSideSell {
		return price <= p.TargetPrice
	}
	return price >= p.TargetPrice
}

func trailingStopPrice(p domain.Position, peakPct, givebackPct float64) float64 {
	lockPct := (peakPct - givebackPct) / 100
	if p.Side == domain.OrderSideSell {
		return p.AvgPrice * (1 - lockPct)
	}
	return p.AvgPrice * (1 + lockPct)
}

func tightens(p domain.Position, stop float64) bool {
	if stop <= 0 || math.IsInf(stop, 0) || math.IsNaN(stop) {
		return false
	}
	if p.StopLossPrice <= 0 {
		return true
	}
	if p.Side == domain.OrderSideSell {
		return stop < p.StopLossPrice
	}
	return stop > p.StopLossPrice
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
