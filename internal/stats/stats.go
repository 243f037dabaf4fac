package stats

import (
	"math"
	"math/cmplx"
	"slices"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// #region degeneracy

// Degeneracy records a neutral default substituted for an undefined value.
type Degeneracy struct {
	Field  string
	Reason string
}

// String renders the note as "field: reason".
func (d Degeneracy) String() string {
	return d.Field + ": " + d.Reason
}

// #endregion degeneracy

// #region scalar

// Logistic is the standard sigmoid, stable for large |x|.
func Logistic(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Clip01 restricts v to [0, 1]. NaN maps to 0.
func Clip01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Finite reports whether v is neither NaN nor ±Inf.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// #endregion scalar

// #region moments

// Mean returns the arithmetic mean, 0 for empty input.
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// StdDev returns the sample standard deviation, 0 for fewer than two points.
func StdDev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return stat.StdDev(x, nil)
}

// Variance returns the sample variance. ok is false for fewer than two points.
func Variance(x []float64) (float64, bool) {
	if len(x) < 2 {
		return 0, false
	}
	return stat.Variance(x, nil), true
}

// Median returns the median of x without modifying it. ok is false when empty.
func Median(x []float64) (float64, bool) {
	if len(x) == 0 {
		return 0, false
	}
	s := slices.Clone(x)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2], true
	}
	return (s[n/2-1] + s[n/2]) / 2, true
}

// Quantile returns the linearly interpolated p-quantile of x.
func Quantile(x []float64, p float64) (float64, bool) {
	if len(x) == 0 {
		return 0, false
	}
	s := slices.Clone(x)
	slices.Sort(s)
	return stat.Quantile(p, stat.LinInterp, s, nil), true
}

// #endregion moments

// #region correlation

// Correlation returns Pearson's r over the common prefix of x and y.
// ok is false when either side has zero variance or fewer than 3 points.
func Correlation(x, y []float64) (float64, bool) {
	n := min(len(x), len(y))
	if n < 3 {
		return 0, false
	}
	r := stat.Correlation(x[:n], y[:n], nil)
	if !Finite(r) {
		return 0, false
	}
	return Clamp(r, -1, 1), true
}

// PartialCorrelation returns corr(y, x | controls) by residualizing both
// series on an intercept plus the controls with least squares. Callers must
// ensure len(controls)+3 <= n. ok is false if the design is singular or a
// residual has zero variance.
func PartialCorrelation(y, x []float64, controls [][]float64) (float64, bool) {
	n := min(len(x), len(y))
	for _, c := range controls {
		n = min(n, len(c))
	}
	k := len(controls) + 1
	if n < k+2 {
		return 0, false
	}
	design := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
		for j, c := range controls {
			design.Set(i, j+1, c[i])
		}
	}
	ry, ok := residualize(design, y[:n])
	if !ok {
		return 0, false
	}
	rx, ok := residualize(design, x[:n])
	if !ok {
		return 0, false
	}
	return Correlation(ry, rx)
}

func residualize(design *mat.Dense, y []float64) ([]float64, bool) {
	n, k := design.Dims()
	target := mat.NewVecDense(n, slices.Clone(y))
	beta := mat.NewVecDense(k, nil)
	if err := beta.SolveVec(design, target); err != nil {
		return nil, false
	}
	var fit mat.VecDense
	fit.MulVec(design, beta)
	out := make([]float64, n)
	for i := range out {
		out[i] = y[i] - fit.AtVec(i)
		if !Finite(out[i]) {
			return nil, false
		}
	}
	return out, true
}

// CosineDistance returns 1 - cos(a, b). ok is false for mismatched or zero vectors.
func CosineDistance(a, b []float64) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0, false
	}
	return 1 - Clamp(floats.Dot(a, b)/(na*nb), -1, 1), true
}

// #endregion correlation

// #region regression

// Slope fits y = a + b·t over t = 0..n-1 and returns b. ok is false for n < 2.
func Slope(y []float64) (float64, bool) {
	if len(y) < 2 {
		return 0, false
	}
	t := make([]float64, len(y))
	for i := range t {
		t[i] = float64(i)
	}
	_, b := stat.LinearRegression(t, y, nil, false)
	if !Finite(b) {
		return 0, false
	}
	return b, true
}

// OriginTStat fits r = β·s + ε through the origin and returns β/SE(β).
// ok is false when s has zero variance or fewer than 3 points.
// A perfect fit returns ±limit.
func OriginTStat(s, r []float64, limit float64) (float64, bool) {
	n := min(len(s), len(r))
	if n < 3 {
		return 0, false
	}
	s, r = s[:n], r[:n]
	if v, _ := Variance(s); v == 0 {
		return 0, false
	}
	_, beta := stat.LinearRegression(s, r, nil, true)
	sxx := floats.Dot(s, s)
	var sse float64
	for i := range s {
		e := r[i] - beta*s[i]
		sse += e * e
	}
	se := math.Sqrt(sse / float64(n-1) / sxx)
	if se == 0 || !Finite(se) {
		switch {
		case beta > 0:
			return limit, true
		case beta < 0:
			return -limit, true
		}
		return 0, true
	}
	return Clamp(beta/se, -limit, limit), true
}

// #endregion regression

// #region change-detection

// PageHinkley returns the upward Page-Hinkley path
// PH_t = max(0, PH_{t-1} + x_t - μ_t - δ) with μ_t the running mean.
func PageHinkley(x []float64, delta float64) []float64 {
	path := make([]float64, len(x))
	var ph, sum float64
	for i, v := range x {
		sum += v
		mu := sum / float64(i+1)
		ph = math.Max(0, ph+v-mu-delta)
		path[i] = ph
	}
	return path
}

// ZScoreLast returns the z-score of the last element against the whole series.
// ok is false for fewer than two points or zero dispersion.
func ZScoreLast(x []float64) (float64, bool) {
	if len(x) < 2 {
		return 0, false
	}
	sd := StdDev(x)
	if sd == 0 {
		return 0, false
	}
	return (x[len(x)-1] - Mean(x)) / sd, true
}

// #endregion change-detection

// #region spectral

// BandCoherence returns the Welch magnitude-squared coherence of x and y
// averaged over frequency bins in [lo, hi] (cycles per sample). Segments of
// length seg are Hann windowed with 50% overlap. An empty band (hi <= lo)
// averages every non-DC bin. ok is false with fewer than two segments or no
// usable bin.
func BandCoherence(x, y []float64, seg int, lo, hi float64) (float64, bool) {
	n := min(len(x), len(y))
	if seg < 4 {
		seg = 4
	}
	step := seg / 2
	if n < seg+step {
		return 0, false
	}

	window := make([]float64, seg)
	for k := range window {
		window[k] = 0.5 * (1 - math.Cos(2*math.Pi*float64(k)/float64(seg-1)))
	}

	fft := fourier.NewFFT(seg)
	bins := seg/2 + 1
	sxx := make([]float64, bins)
	syy := make([]float64, bins)
	sxy := make([]complex128, bins)
	xs := make([]float64, seg)
	ys := make([]float64, seg)
	var cx, cy []complex128

	segments := 0
	for start := 0; start+seg <= n; start += step {
		mx := Mean(x[start : start+seg])
		my := Mean(y[start : start+seg])
		for k := 0; k < seg; k++ {
			xs[k] = (x[start+k] - mx) * window[k]
			ys[k] = (y[start+k] - my) * window[k]
		}
		cx = fft.Coefficients(cx, xs)
		cy = fft.Coefficients(cy, ys)
		for f := 0; f < bins; f++ {
			sxx[f] += real(cx[f] * cmplx.Conj(cx[f]))
			syy[f] += real(cy[f] * cmplx.Conj(cy[f]))
			sxy[f] += cx[f] * cmplx.Conj(cy[f])
		}
		segments++
	}
	if segments < 2 {
		return 0, false
	}

	allBins := hi <= lo
	var total float64
	used := 0
	for f := 1; f < bins; f++ {
		freq := float64(f) / float64(seg)
		if !allBins && (freq < lo || freq > hi) {
			continue
		}
		denom := sxx[f] * syy[f]
		if denom <= 0 {
			continue
		}
		mag := cmplx.Abs(sxy[f])
		total += mag * mag / denom
		used++
	}
	if used == 0 {
		return 0, false
	}
	return Clip01(total / float64(used)), true
}

// OrderParameter is the Kuramoto order parameter |mean(exp(iθ))|.
func OrderParameter(phases []float64) float64 {
	if len(phases) == 0 {
		return 0
	}
	var sum complex128
	for _, p := range phases {
		sum += cmplx.Exp(complex(0, p))
	}
	return Clip01(cmplx.Abs(sum) / float64(len(phases)))
}

// #endregion spectral
