package kpi

import (
	"errors"
	"math"
	"strconv"
)

// ErrDegenerate is returned by Slope when the regression is undefined: fewer
// than two points, or no variance along the x axis.
var ErrDegenerate = errors.New("kpi: degenerate regression input")

// Mean returns the arithmetic mean of xs, or NaN when xs is empty.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the sample standard deviation of xs (N-1 denominator).
// It returns NaN when fewer than two values are given.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// Max returns the largest value in xs, or NaN when xs is empty.
func Max(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// Slope fits y = a + b*x by ordinary least squares and returns b.
// xs and ys must have the same length. ErrDegenerate is returned when fewer
// than two points are given or every x is identical.
func Slope(xs, ys []float64) (float64, error) {
	n := len(xs)
	if n != len(ys) {
		return 0, errors.New("kpi: slope: x and y lengths differ")
	}
	if n < 2 {
		return 0, ErrDegenerate
	}
	mx, my := Mean(xs), Mean(ys)
	var sxy, sxx float64
	for i := range xs {
		dx := xs[i] - mx
		sxy += dx * (ys[i] - my)
		sxx += dx * dx
	}
	if sxx == 0 {
		return 0, ErrDegenerate
	}
	return sxy / sxx, nil
}

// Round rounds v to the given number of decimal places. The result is the
// decimal nearest to the exact binary value of v, with exact ties going to
// the even digit. NaN and infinities are returned unchanged.
func Round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', places, 64), 64)
	if err != nil {
		return v
	}
	return r
}
