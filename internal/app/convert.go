package app

import (
	"fmt"
	"math"
	"strings"

	"github.com/alanyoungcy/lotguard/internal/config"
	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/permission"
	"github.com/alanyoungcy/lotguard/internal/schedule"
	"github.com/alanyoungcy/lotguard/internal/service"
	"github.com/alanyoungcy/lotguard/internal/sizing"
)

// sizingBands converts configured bands. An empty list keeps the built-in
// bands and an up_to of zero is unbounded.
func sizingBands(cfg []config.BandConfig) []sizing.Band {
	if len(cfg) == 0 {
		return nil
	}
	bands := make([]sizing.Band, 0, len(cfg))
	for _, b := range cfg {
		upTo := b.UpTo
		if upTo <= 0 {
			upTo = math.Inf(1)
		}
		bands = append(bands, sizing.Band{
			Name:          b.Name,
			UpTo:          upTo,
			AllocationPct: b.AllocationPct,
			RiskPct:       b.RiskPct,
		})
	}
	return bands
}

func newSchedule(cfg config.ScheduleConfig) *schedule.Schedule {
	return schedule.New(
		schedule.ProfitCurve{
			ActivationPct:  cfg.Profit.ActivationPct,
			MaxGivebackPct: cfg.Profit.MaxGivebackPct,
			MinGivebackPct: cfg.Profit.MinGivebackPct,
			SaturationPct:  cfg.Profit.SaturationPct,
			Steepness:      cfg.Profit.Steepness,
		},
		schedule.LossCurve{
			MaxStopPct:         cfg.Loss.MaxStopPct,
			MinStopPct:         cfg.Loss.MinStopPct,
			FullDepthLossPct:   cfg.Loss.FullDepthLossPct,
			TightenPerMinute:   cfg.Loss.TightenPerMinute,
			ATRRatioThreshold:  cfg.Loss.ATRRatioThreshold,
			CompressionPenalty: cfg.Loss.CompressionPenalty,
		},
		cfg.Floors,
	)
}

func engineConfig(cfg config.EngineConfig) service.EngineConfig {
	return service.EngineConfig{
		TrendScoreDropPct: cfg.TrendScoreDropPct,
		MinADX:            cfg.MinADX,
		MinATRRatio:       cfg.MinATRRatio,
		RejectionPct:      cfg.RejectionPct,
		BarDuration:       cfg.BarDuration.Duration,
	}
}

// policies starts from the built-in table and replaces the levels named in
// the configuration. Blocked cannot be overridden.
func policies(cfg map[string]config.PolicyConfig) permission.Policies {
	out := permission.DefaultPolicies()
	for name, pc := range cfg {
		p := domain.ParsePermission(name)
		if p == domain.PermissionBlocked {
			continue
		}
		out[p] = domain.ExecutionPolicy{
			Permission:     p,
			MaxLots:        pc.MaxLots,
			ScalingAllowed: pc.ScalingAllowed,
			MaxScaleSteps:  pc.MaxScaleSteps,
			ProfitTargets:  append([]float64(nil), pc.ProfitTargets...),
			HardStopPct:    pc.HardStopPct,
			TimeStopBars:   pc.TimeStopBars,
			RunnerExit:     pc.RunnerExit,
		}
	}
	return out
}

// lotSizes parses "segment:security_id" keys.
func lotSizes(cfg map[string]int64) (map[domain.InstrumentKey]int64, error) {
	out := make(map[domain.InstrumentKey]int64, len(cfg))
	for k, v := range cfg {
		seg, sec, ok := strings.Cut(k, ":")
		if !ok || seg == "" || sec == "" {
			return nil, fmt.Errorf("app: paper lot size key %q: want segment:security_id", k)
		}
		if v < 1 {
			return nil, fmt.Errorf("app: paper lot size for %q must be >= 1", k)
		}
		out[domain.InstrumentKey{Segment: seg, SecurityID: sec}] = v
	}
	return out, nil
}
