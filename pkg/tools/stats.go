package tools

import (
	"context"
	"fmt"
	"math"
)

// StatsAdapter is a deterministic statistics tool for power and sample-size
// planning. It makes no network calls and its results are reproducible, which
// is what lets the data-analysis agent stay grounded without identifiers.
type StatsAdapter struct{}

func NewStatsAdapter() *StatsAdapter { return &StatsAdapter{} }

func (a *StatsAdapter) Name() string { return "stats" }

type sampleSizeParams struct {
	BaselineRate      float64 `json:"baseline_rate" jsonschema:"required,description=Control-group event proportion in (0,1)"`
	RelativeReduction float64 `json:"relative_reduction" jsonschema:"required,description=Expected relative reduction in (0,1), e.g. 0.30 for 30%"`
	Alpha             float64 `json:"alpha,omitempty" jsonschema:"description=Two-sided significance level (default 0.05)"`
	Power             float64 `json:"power,omitempty" jsonschema:"description=Desired power (default 0.80)"`
}

type powerParams struct {
	N            int     `json:"n" jsonschema:"required,description=Per-group sample size"`
	BaselineRate float64 `json:"baseline_rate" jsonschema:"required,description=Control-group event proportion in (0,1)"`
	TargetRate   float64 `json:"target_rate" jsonschema:"required,description=Intervention-group event proportion in (0,1)"`
	Alpha        float64 `json:"alpha,omitempty" jsonschema:"description=Two-sided significance level (default 0.05)"`
}

func (a *StatsAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "sample_size",
			Description: "Per-group sample size for a two-proportion comparison",
			ParamSchema: SchemaFor(&sampleSizeParams{}),
		},
		{
			Name:        "power",
			Description: "Achieved power for a two-proportion comparison at a given sample size",
			ParamSchema: SchemaFor(&powerParams{}),
		},
	}
}

func (a *StatsAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
	switch method {
	case "sample_size":
		return a.sampleSize(params)
	case "power":
		return a.power(params)
	default:
		return nil, UnknownMethodError(a.Name(), method)
	}
}

func (a *StatsAdapter) sampleSize(params map[string]any) (*Result, error) {
	p1 := ParamFloat(params, "baseline_rate", 0)
	reduction := ParamFloat(params, "relative_reduction", 0)
	alpha := ParamFloat(params, "alpha", 0.05)
	power := ParamFloat(params, "power", 0.80)

	if p1 <= 0 || p1 >= 1 {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: fmt.Errorf("baseline_rate must be in (0,1), got %v", p1)}
	}
	if reduction <= 0 || reduction >= 1 {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: fmt.Errorf("relative_reduction must be in (0,1), got %v", reduction)}
	}
	if alpha <= 0 || alpha >= 1 || power <= 0 || power >= 1 {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: fmt.Errorf("alpha and power must be in (0,1)")}
	}

	p2 := p1 * (1 - reduction)
	n := twoProportionN(p1, p2, alpha, power)
	return &Result{
		Data: map[string]any{
			"design":                 "two-group parallel comparison of proportions",
			"primary_outcome_metric": "event proportion",
			"baseline_rate":          p1,
			"target_rate":            p2,
			"assumed_effect":         fmt.Sprintf("%.0f%% relative reduction", reduction*100),
			"alpha":                  alpha,
			"power":                  power,
			"sample_size_n":          n,
			"total_n":                2 * n,
			"method":                 "normal approximation, pooled variance",
		},
	}, nil
}

func (a *StatsAdapter) power(params map[string]any) (*Result, error) {
	n := ParamInt(params, "n", 0)
	p1 := ParamFloat(params, "baseline_rate", 0)
	p2 := ParamFloat(params, "target_rate", 0)
	alpha := ParamFloat(params, "alpha", 0.05)

	if n <= 1 {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: fmt.Errorf("n must be > 1, got %d", n)}
	}
	if p1 <= 0 || p1 >= 1 || p2 <= 0 || p2 >= 1 {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: fmt.Errorf("rates must be in (0,1)")}
	}

	power := twoProportionPower(float64(n), p1, p2, alpha)
	return &Result{
		Data: map[string]any{
			"design":                 "two-group parallel comparison of proportions",
			"primary_outcome_metric": "event proportion",
			"n":                      n,
			"baseline_rate":          p1,
			"target_rate":            p2,
			"alpha":                  alpha,
			"power":                  power,
			"method":                 "normal approximation, pooled variance",
		},
	}, nil
}

// twoProportionN computes the per-group n for a two-sided two-proportion test
// using the pooled normal approximation.
func twoProportionN(p1, p2, alpha, power float64) int {
	zAlpha := normalQuantile(1 - alpha/2)
	zBeta := normalQuantile(power)
	pBar := (p1 + p2) / 2
	num := zAlpha*math.Sqrt(2*pBar*(1-pBar)) + zBeta*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	den := p1 - p2
	return int(math.Ceil((num * num) / (den * den)))
}

// twoProportionPower inverts the same approximation for a fixed per-group n.
func twoProportionPower(n, p1, p2, alpha float64) float64 {
	zAlpha := normalQuantile(1 - alpha/2)
	pBar := (p1 + p2) / 2
	diff := math.Abs(p1 - p2)
	se := math.Sqrt(p1*(1-p1) + p2*(1-p2))
	zBeta := (diff*math.Sqrt(n) - zAlpha*math.Sqrt(2*pBar*(1-pBar))) / se
	return normalCDF(zBeta)
}

func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// normalQuantile is the inverse standard normal CDF (Acklam's rational
// approximation, abs error < 1.15e-9).
func normalQuantile(p float64) float64 {
	if p <= 0 || p >= 1 {
		return math.NaN()
	}
	a := []float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02, 1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := []float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02, 6.680131188771972e+01, -1.328068155288572e+01}
	c := []float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00, -2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	d := []float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00, 3.754408661907416e+00}

	const pLow = 0.02425
	switch {
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p <= 1-pLow:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	default:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	}
}
