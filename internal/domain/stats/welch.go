package stats

import "math"

// WelchResult carries the output of Welch's unequal-variances t-test between
// two groups of a continuous metric.
type WelchResult struct {
	TStatistic       float64 // (mean2 - mean1) / sqrt(v1/n1 + v2/n2)
	DegreesOfFreedom float64 // Welch–Satterthwaite approximation
	PValue           float64 // two-tailed
	CohensD          float64 // effect size against the pooled standard deviation
	Significant      bool    // PValue < alpha
}

// WelchTTest compares the means of two groups without assuming equal
// variances. It operates on summary statistics (mean, sample variance, n)
// rather than raw observations so that callers can feed it straight from an
// aggregation pass.
//
// Groups with fewer than two observations carry no variance information;
// the test degenerates to p = 1, not significant.
func WelchTTest(mean1, variance1 float64, n1 int, mean2, variance2 float64, n2 int, alpha float64) WelchResult {
	res := WelchResult{PValue: 1}
	if n1 < 2 || n2 < 2 {
		return res
	}

	fn1 := float64(n1)
	fn2 := float64(n2)

	seSq := variance1/fn1 + variance2/fn2
	if seSq == 0 {
		return res
	}

	res.TStatistic = (mean2 - mean1) / math.Sqrt(seSq)

	// Welch–Satterthwaite degrees of freedom.
	denom := math.Pow(variance1/fn1, 2)/(fn1-1) + math.Pow(variance2/fn2, 2)/(fn2-1)
	if denom == 0 {
		res.DegreesOfFreedom = fn1 + fn2 - 2
	} else {
		res.DegreesOfFreedom = seSq * seSq / denom
	}

	res.PValue = 2 * (1 - tCDF(math.Abs(res.TStatistic), res.DegreesOfFreedom))
	if res.PValue < 0 {
		res.PValue = 0
	} else if res.PValue > 1 {
		res.PValue = 1
	}
	res.Significant = res.PValue < alpha

	pooledSD := math.Sqrt(((fn1-1)*variance1 + (fn2-1)*variance2) / (fn1 + fn2 - 2))
	if pooledSD > 0 {
		res.CohensD = (mean2 - mean1) / pooledSD
	}

	return res
}

// tCDF approximates the cumulative distribution function of Student's t
// distribution. Above 30 degrees of freedom the t distribution is close
// enough to the standard normal to use erf directly; below that, coarse
// tail approximations keep the result monotone and bounded.
func tCDF(t, df float64) float64 {
	if df > 30 {
		return 0.5 * (1 + math.Erf(t/math.Sqrt2))
	}

	if math.Abs(t) < 1.0 {
		return 0.5 + (t / (2.0 * math.Sqrt(df)))
	}

	if t > 0 {
		return 1.0 - (0.5 / (1.0 + t*t/df))
	}
	return 0.5 / (1.0 + t*t/df)
}
