package tools

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleSizeTwoProportions(t *testing.T) {
	a := NewStatsAdapter()

	res, err := a.Invoke(t.Context(), "sample_size", map[string]any{
		"baseline_rate":      0.25,
		"relative_reduction": 0.30,
		"alpha":              0.05,
		"power":              0.80,
	})
	require.NoError(t, err)

	n, ok := res.Data["sample_size_n"].(int)
	require.True(t, ok)
	assert.Greater(t, n, 10)
	assert.Less(t, n, 2000)
	assert.Equal(t, 2*n, res.Data["total_n"])
	assert.Equal(t, "30% relative reduction", res.Data["assumed_effect"])

	// Deterministic: the same inputs yield the same n.
	res2, err := a.Invoke(t.Context(), "sample_size", map[string]any{
		"baseline_rate":      0.25,
		"relative_reduction": 0.30,
	})
	require.NoError(t, err)
	assert.Equal(t, n, res2.Data["sample_size_n"])
}

func TestSampleSizeGrowsWithSmallerEffect(t *testing.T) {
	a := NewStatsAdapter()

	big, err := a.Invoke(t.Context(), "sample_size", map[string]any{
		"baseline_rate":      0.25,
		"relative_reduction": 0.50,
	})
	require.NoError(t, err)
	small, err := a.Invoke(t.Context(), "sample_size", map[string]any{
		"baseline_rate":      0.25,
		"relative_reduction": 0.10,
	})
	require.NoError(t, err)

	assert.Greater(t, small.Data["sample_size_n"].(int), big.Data["sample_size_n"].(int))
}

func TestSampleSizeRejectsOutOfRangeInputs(t *testing.T) {
	a := NewStatsAdapter()

	_, err := a.Invoke(t.Context(), "sample_size", map[string]any{
		"baseline_rate":      1.5,
		"relative_reduction": 0.3,
	})
	require.Error(t, err)
	assert.True(t, UserError(err))
}

func TestPowerRoundTripsSampleSize(t *testing.T) {
	a := NewStatsAdapter()

	res, err := a.Invoke(t.Context(), "sample_size", map[string]any{
		"baseline_rate":      0.25,
		"relative_reduction": 0.30,
		"power":              0.80,
	})
	require.NoError(t, err)
	n := res.Data["sample_size_n"].(int)

	powerRes, err := a.Invoke(t.Context(), "power", map[string]any{
		"n":             n,
		"baseline_rate": 0.25,
		"target_rate":   0.175,
	})
	require.NoError(t, err)
	power := powerRes.Data["power"].(float64)
	assert.GreaterOrEqual(t, power, 0.80)
	assert.Less(t, power, 0.90, "ceil rounding should not wildly overshoot")
}

func TestNormalQuantileKnownValues(t *testing.T) {
	assert.InDelta(t, 1.959964, normalQuantile(0.975), 1e-5)
	assert.InDelta(t, 0.841621, normalQuantile(0.80), 1e-5)
	assert.InDelta(t, 0.0, normalQuantile(0.5), 1e-9)
	assert.True(t, math.IsNaN(normalQuantile(0)))
}
