// Package permission derives the deployment permission for an instrument
// from a structural snapshot and a volatility snapshot. Every function here
// is pure; ambiguous input resolves to domain.PermissionBlocked.
package permission

import (
	"math"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// Resolve runs the structural resolver and then the volatility downgrader.
func Resolve(s domain.StructuralSnapshot, v domain.VolatilitySnapshot) domain.Permission {
	return Apply(ResolveStructure(s), v)
}

// ResolveStructure maps the structural snapshot to a base permission.
// Any missing field blocks.
func ResolveStructure(s domain.StructuralSnapshot) domain.Permission {
	if s.Trend == nil || s.RecentBOS == nil || s.Displacement == nil ||
		s.SweepResolved == nil || s.TrapUnresolved == nil ||
		s.FollowThroughConfirmed == nil || s.Range == nil {
		return domain.PermissionBlocked
	}
	if *s.TrapUnresolved {
		return domain.PermissionBlocked
	}

	rng := *s.Range
	switch rng {
	case domain.RangeCompression, domain.RangeNormal, domain.RangeExpansion:
	default:
		return domain.PermissionBlocked
	}

	switch *s.Trend {
	case domain.TrendRange:
		if rng == domain.RangeCompression {
			return domain.PermissionBlocked
		}
		return domain.PermissionExecutionOnly
	case domain.TrendBullish, domain.TrendBearish:
	default:
		return domain.PermissionBlocked
	}

	base := domain.PermissionExecutionOnly
	if *s.RecentBOS && *s.FollowThroughConfirmed {
		base = domain.PermissionScaleReady
		if *s.Displacement && *s.SweepResolved && rng == domain.RangeExpansion {
			base = domain.PermissionFullDeploy
		}
	}
	if rng == domain.RangeCompression {
		base = domain.MinPermission(base, domain.PermissionExecutionOnly)
	}
	return base
}

// Apply downgrades p once when current ATR is below the session median and
// once more when the ATR slope is not positive. It never upgrades. Non-finite
// or non-positive ATR inputs block.
func Apply(p domain.Permission, v domain.VolatilitySnapshot) domain.Permission {
	if !p.Valid() || p == domain.PermissionBlocked {
		return domain.PermissionBlocked
	}
	if !finitePositive(v.ATR) || !finitePositive(v.SessionMedianATR) ||
		math.IsNaN(v.ATRSlope) || math.IsInf(v.ATRSlope, 0) {
		return domain.PermissionBlocked
	}
	out := p
	if v.ATR < v.SessionMedianATR {
		out = out.Downgrade()
	}
	if v.ATRSlope <= 0 {
		out = out.Downgrade()
	}
	return domain.MinPermission(out, p)
}

func finitePositive(f float64) bool {
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}
