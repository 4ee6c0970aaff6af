package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const alpha = 0.05

func TestTwoProportionZTest_SignificantImprovement(t *testing.T) {
	t.Parallel()

	// 10% vs 13% conversion over 1000 samples each.
	res := TwoProportionZTest(100, 1000, 130, 1000, alpha)

	assert.InDelta(t, 0.10, res.ControlRate, 1e-9)
	assert.InDelta(t, 0.13, res.TreatmentRate, 1e-9)
	assert.InDelta(t, 0.115, res.PooledRate, 1e-9)
	assert.InDelta(t, 0.014267, res.StandardError, 1e-5)
	assert.InDelta(t, 2.1027, res.ZScore, 1e-3)
	assert.InDelta(t, 0.0355, res.PValue, 1e-3)
	assert.InDelta(t, 96.45, res.Confidence, 0.1)
	assert.True(t, res.Significant)
}

func TestTwoProportionZTest_NotSignificant(t *testing.T) {
	t.Parallel()

	// 10% vs 10.5% over 1000 samples each: far too close to call.
	res := TwoProportionZTest(100, 1000, 105, 1000, alpha)

	assert.InDelta(t, 0.3686, res.ZScore, 1e-3)
	assert.InDelta(t, 0.7124, res.PValue, 2e-3)
	assert.False(t, res.Significant)
}

func TestTwoProportionZTest_SignificantlyWorse(t *testing.T) {
	t.Parallel()

	// The test is two-tailed: a significantly worse treatment is still
	// significant, with a negative z.
	res := TwoProportionZTest(130, 1000, 100, 1000, alpha)

	assert.InDelta(t, -2.1027, res.ZScore, 1e-3)
	assert.InDelta(t, 0.0355, res.PValue, 1e-3)
	assert.True(t, res.Significant)
}

func TestTwoProportionZTest_ZeroStandardError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                               string
		cConv, cN, tConv, tN               int
		wantControlRate, wantTreatmentRate float64
	}{
		{"nobody converts", 0, 100, 0, 100, 0, 0},
		{"everybody converts", 100, 100, 100, 100, 1, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := TwoProportionZTest(tc.cConv, tc.cN, tc.tConv, tc.tN, alpha)
			assert.Equal(t, tc.wantControlRate, res.ControlRate)
			assert.Equal(t, tc.wantTreatmentRate, res.TreatmentRate)
			assert.Zero(t, res.ZScore)
			assert.Equal(t, 1.0, res.PValue)
			assert.False(t, res.Significant)
		})
	}
}

func TestTwoProportionZTest_EmptyGroup(t *testing.T) {
	t.Parallel()

	res := TwoProportionZTest(0, 0, 10, 100, alpha)
	assert.Zero(t, res.ControlRate)
	assert.InDelta(t, 0.1, res.TreatmentRate, 1e-9)
	assert.Equal(t, 1.0, res.PValue)
	assert.False(t, res.Significant)
}

func TestTwoProportionZTest_NeverNaN(t *testing.T) {
	t.Parallel()

	inputs := [][4]int{
		{0, 0, 0, 0},
		{0, 1, 0, 1},
		{1, 1, 0, 1},
		{5, 5, 5, 5},
		{0, 1000000, 1, 1000000},
	}
	for _, in := range inputs {
		res := TwoProportionZTest(in[0], in[1], in[2], in[3], alpha)
		assert.False(t, res.PValue != res.PValue, "PValue is NaN for %v", in)
		assert.False(t, res.ZScore != res.ZScore, "ZScore is NaN for %v", in)
		assert.GreaterOrEqual(t, res.PValue, 0.0)
		assert.LessOrEqual(t, res.PValue, 1.0)
	}
}

func TestLift(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 30.0, Lift(0.10, 0.13), 1e-9)
	assert.InDelta(t, -20.0, Lift(0.10, 0.08), 1e-9)
	assert.Zero(t, Lift(0, 0.5), "zero control rate reports zero lift")
	assert.Zero(t, Lift(0.25, 0.25))
}
