package domain

// Permission is the discrete authorization level governing how much capital
// may be deployed on an instrument right now. Values are totally ordered:
// Blocked < ExecutionOnly < ScaleReady < FullDeploy.
type Permission int

const (
	PermissionBlocked Permission = iota
	PermissionExecutionOnly
	PermissionScaleReady
	PermissionFullDeploy
)

var permissionNames = [...]string{"blocked", "execution_only", "scale_ready", "full_deploy"}

func (p Permission) String() string {
	if p < PermissionBlocked || p > PermissionFullDeploy {
		return "unknown"
	}
	return permissionNames[p]
}

// Valid reports whether p is one of the four defined levels.
func (p Permission) Valid() bool {
	return p >= PermissionBlocked && p <= PermissionFullDeploy
}

// Downgrade returns the next lower level. ExecutionOnly does not fall to
// Blocked through a volatility downgrade, and Blocked is absorbing.
func (p Permission) Downgrade() Permission {
	switch p {
	case PermissionFullDeploy:
		return PermissionScaleReady
	case PermissionScaleReady, PermissionExecutionOnly:
		return PermissionExecutionOnly
	default:
		return PermissionBlocked
	}
}

// ParsePermission maps a name back to its level. Unknown names are Blocked.
func ParsePermission(s string) Permission {
	for i, n := range permissionNames {
		if n == s {
			return Permission(i)
		}
	}
	return PermissionBlocked
}

// MinPermission returns the lower of a and b.
func MinPermission(a, b Permission) Permission {
	if a < b {
		return a
	}
	return b
}

// ExecutionPolicy is the immutable trading envelope attached to a permission
// level.
type ExecutionPolicy struct {
	Permission     Permission
	MaxLots        int64
	ScalingAllowed bool
	MaxScaleSteps  int
	ProfitTargets  []float64 // ascending profit percentages
	HardStopPct    float64   // loss percentage that always exits
	TimeStopBars   int       // 0 disables the time stop
	RunnerExit     bool
}

// FirstTarget returns the lowest profit target, or 0 when none is set.
func (p ExecutionPolicy) FirstTarget() float64 {
	if len(p.ProfitTargets) == 0 {
		return 0
	}
	return p.ProfitTargets[0]
}

// TrendRegime is the directional regime reported by the structural analyser.
type TrendRegime string

const (
	TrendBullish TrendRegime = "bullish"
	TrendBearish TrendRegime = "bearish"
	TrendRange   TrendRegime = "range"
)

// RangeState is the compression/expansion state of recent price action.
type RangeState string

const (
	RangeCompression RangeState = "compression"
	RangeNormal      RangeState = "normal"
	RangeExpansion   RangeState = "expansion"
)

// StructuralSnapshot is the read-only market-structure view produced by the
// upstream pattern recogniser. A nil field means the analyser could not say.
type StructuralSnapshot struct {
	Trend                  *TrendRegime `json:"trend,omitempty"`
	RecentBOS              *bool        `json:"recent_bos,omitempty"`
	Displacement           *bool        `json:"displacement,omitempty"`
	SweepResolved          *bool        `json:"sweep_resolved,omitempty"`
	TrapUnresolved         *bool        `json:"trap_unresolved,omitempty"`
	FollowThroughConfirmed *bool        `json:"follow_through,omitempty"`
	Range                  *RangeState  `json:"range_state,omitempty"`
}

// VolatilitySnapshot carries ATR inputs for the volatility downgrader.
type VolatilitySnapshot struct {
	ATR              float64 `json:"atr"`
	SessionMedianATR float64 `json:"session_median_atr"`
	ATRSlope         float64 `json:"atr_slope"`
}

// TrendSignals are the momentum inputs of the early-trend-failure rule.
type TrendSignals struct {
	TrendScore     float64 `json:"trend_score"`
	PeakTrendScore float64 `json:"peak_trend_score"`
	ADX            float64 `json:"adx"`
	ATRRatio       float64 `json:"atr_ratio"` // current ATR over recent-average ATR
	ReferenceLevel float64 `json:"reference_level"`
}
