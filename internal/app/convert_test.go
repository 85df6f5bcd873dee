package app

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lotguard/internal/config"
	"github.com/alanyoungcy/lotguard/internal/domain"
)

func TestSizingBands(t *testing.T) {
	assert.Nil(t, sizingBands(nil))

	bands := sizingBands([]config.BandConfig{
		{Name: "small", UpTo: 50_000, AllocationPct: 30, RiskPct: 5},
		{Name: "rest", AllocationPct: 15, RiskPct: 2.5},
	})
	require.Len(t, bands, 2)
	assert.Equal(t, 50_000.0, bands[0].UpTo)
	assert.True(t, math.IsInf(bands[1].UpTo, 1))
}

func TestPolicies_OverrideKeepsOtherLevels(t *testing.T) {
	ps := policies(map[string]config.PolicyConfig{
		"scale_ready": {MaxLots: 7, HardStopPct: 10, ProfitTargets: []float64{5, 9}},
		"blocked":     {MaxLots: 99, HardStopPct: 1},
	})

	sr := ps.For(domain.PermissionScaleReady)
	assert.Equal(t, int64(7), sr.MaxLots)
	assert.Equal(t, []float64{5, 9}, sr.ProfitTargets)

	assert.Equal(t, int64(0), ps.For(domain.PermissionBlocked).MaxLots)
	assert.Equal(t, int64(1), ps.For(domain.PermissionExecutionOnly).MaxLots)
}

func TestLotSizes(t *testing.T) {
	got, err := lotSizes(map[string]int64{"NSE_FNO:43885": 25})
	require.NoError(t, err)
	assert.Equal(t, int64(25), got[domain.InstrumentKey{Segment: "NSE_FNO", SecurityID: "43885"}])

	_, err = lotSizes(map[string]int64{"43885": 25})
	assert.Error(t, err)

	_, err = lotSizes(map[string]int64{"NSE_FNO:1": 0})
	assert.Error(t, err)
}

func TestEngineConfigCarriesBarDuration(t *testing.T) {
	cfg := config.Defaults()
	ec := engineConfig(cfg.Engine)
	assert.Equal(t, cfg.Engine.BarDuration.Duration, ec.BarDuration)
	assert.Equal(t, cfg.Engine.MinADX, ec.MinADX)
}
