package stats

import "math"

// ZTestResult carries the full output of a two-proportion z-test between a
// control group and one treatment group.
type ZTestResult struct {
	ControlRate   float64 // conversions / samples for the control group
	TreatmentRate float64 // conversions / samples for the treatment group
	PooledRate    float64 // combined rate under the null hypothesis
	StandardError float64 // SE of the rate difference under the null
	ZScore        float64 // (treatment - control) / SE
	PValue        float64 // two-tailed: 2 * (1 - Φ(|z|))
	Confidence    float64 // (1 - PValue) * 100, as a percentage
	Significant   bool    // PValue < alpha
}

// TwoProportionZTest runs a pooled two-proportion z-test of the null
// hypothesis that control and treatment convert at the same rate.
//
// The test is two-tailed: a treatment that converts significantly worse than
// control reports Significant = true just as a better one does; the sign of
// ZScore tells the direction.
//
// Degenerate inputs never panic or return NaN. A group with zero samples
// contributes a zero rate, and when the pooled standard error collapses to
// zero (both groups at 0% or both at 100%) there is no evidence of a
// difference: z = 0, p = 1.
func TwoProportionZTest(controlConv, controlN, treatConv, treatN int, alpha float64) ZTestResult {
	res := ZTestResult{PValue: 1}

	if controlN > 0 {
		res.ControlRate = float64(controlConv) / float64(controlN)
	}
	if treatN > 0 {
		res.TreatmentRate = float64(treatConv) / float64(treatN)
	}
	if controlN == 0 || treatN == 0 {
		return res
	}

	res.PooledRate = float64(controlConv+treatConv) / float64(controlN+treatN)
	res.StandardError = math.Sqrt(res.PooledRate * (1 - res.PooledRate) *
		(1/float64(controlN) + 1/float64(treatN)))

	if res.StandardError == 0 {
		return res
	}

	res.ZScore = (res.TreatmentRate - res.ControlRate) / res.StandardError
	res.PValue = 2 * (1 - NormalCDF(math.Abs(res.ZScore)))
	// Floating-point cancellation can push the product a hair outside [0, 1].
	if res.PValue < 0 {
		res.PValue = 0
	} else if res.PValue > 1 {
		res.PValue = 1
	}
	res.Confidence = (1 - res.PValue) * 100
	res.Significant = res.PValue < alpha
	return res
}

// Lift returns the relative improvement of the treatment rate over the
// control rate as a percentage. A zero control rate would divide by zero;
// by convention the lift is reported as 0 in that case.
func Lift(controlRate, treatmentRate float64) float64 {
	if controlRate == 0 {
		return 0
	}
	return (treatmentRate - controlRate) / controlRate * 100
}
