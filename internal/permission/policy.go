package permission

import "github.com/alanyoungcy/lotguard/internal/domain"

// Policies is the execution policy table keyed by permission level.
type Policies map[domain.Permission]domain.ExecutionPolicy

// DefaultPolicies returns the built-in policy table. Blocked allows nothing.
func DefaultPolicies() Policies {
	return Policies{
		domain.PermissionBlocked: {
			Permission: domain.PermissionBlocked,
		},
		domain.PermissionExecutionOnly: {
			Permission:    domain.PermissionExecutionOnly,
			MaxLots:       1,
			ProfitTargets: []float64{8, 15},
			HardStopPct:   20,
			TimeStopBars:  12,
		},
		domain.PermissionScaleReady: {
			Permission:     domain.PermissionScaleReady,
			MaxLots:        3,
			ScalingAllowed: true,
			MaxScaleSteps:  1,
			ProfitTargets:  []float64{12, 25},
			HardStopPct:    25,
			TimeStopBars:   24,
			RunnerExit:     true,
		},
		domain.PermissionFullDeploy: {
			Permission:     domain.PermissionFullDeploy,
			MaxLots:        5,
			ScalingAllowed: true,
			MaxScaleSteps:  2,
			ProfitTargets:  []float64{15, 30, 50},
			HardStopPct:    30,
			TimeStopBars:   36,
			RunnerExit:     true,
		},
	}
}

// For returns the policy for p. Unknown levels get the Blocked policy.
func (ps Policies) For(p domain.Permission) domain.ExecutionPolicy {
	if pol, ok := ps[p]; ok {
		pol.Permission = p
		pol.ProfitTargets = append([]float64(nil), pol.ProfitTargets...)
		return pol
	}
	return domain.ExecutionPolicy{Permission: domain.PermissionBlocked}
}

// ScaleMultiplier is the sizing multiplier a policy grants. Policies that
// forbid scaling always size at 1.
func ScaleMultiplier(pol domain.ExecutionPolicy) float64 {
	if !pol.ScalingAllowed || pol.MaxScaleSteps <= 0 {
		return 1
	}
	return float64(1 + pol.MaxScaleSteps)
}
