package stats_test

import (
	"math"
	"testing"

	"github.com/splitbeam/splitbeam/internal/stats"
)

func TestNormalCDF_KnownValues(t *testing.T) {
	cases := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1.0, 0.8413},
		{-1.0, 0.1587},
		{1.96, 0.9750},
		{2.576, 0.9950},
		{-3.0, 0.00135},
	}
	for _, c := range cases {
		got := stats.NormalCDF(c.x)
		if math.Abs(got-c.want) > 0.001 {
			t.Errorf("NormalCDF(%v) = %f, want ~%f", c.x, got, c.want)
		}
	}
}

func TestZScore_CommonLevels(t *testing.T) {
	if z := stats.ZScore(0.95); z != 1.96 {
		t.Errorf("ZScore(0.95) = %f, want 1.96", z)
	}
	if z := stats.ZScore(0.99); z != 2.576 {
		t.Errorf("ZScore(0.99) = %f, want 2.576", z)
	}
	if z := stats.ZScore(0.90); z != 1.645 {
		t.Errorf("ZScore(0.90) = %f, want 1.645", z)
	}
}

func TestZScore_UncommonLevelFallsBackToQuantile(t *testing.T) {
	// 0.92 is not in the lookup table; should come from the inverse CDF.
	z := stats.ZScore(0.92)
	if math.Abs(z-1.7507) > 0.01 {
		t.Errorf("ZScore(0.92) = %f, want ~1.75", z)
	}
}

func TestInverseNormalCDF_RoundTrip(t *testing.T) {
	for _, p := range []float64{0.01, 0.1, 0.25, 0.5, 0.75, 0.9, 0.99} {
		x := stats.InverseNormalCDF(p)
		back := stats.NormalCDF(x)
		if math.Abs(back-p) > 0.001 {
			t.Errorf("NormalCDF(InverseNormalCDF(%v)) = %f, want %v", p, back, p)
		}
	}
}

func TestInverseNormalCDF_Extremes(t *testing.T) {
	if !math.IsInf(stats.InverseNormalCDF(0), -1) {
		t.Error("expected -Inf at p=0")
	}
	if !math.IsInf(stats.InverseNormalCDF(1), 1) {
		t.Error("expected +Inf at p=1")
	}
}

func TestChiSquareSurvival_KnownValues(t *testing.T) {
	cases := []struct {
		chi2 float64
		df   int
		want float64
	}{
		// Standard table values.
		{3.841, 1, 0.05},
		{6.635, 1, 0.01},
		{5.991, 2, 0.05},
		{0, 1, 1.0},
	}
	for _, c := range cases {
		got := stats.ChiSquareSurvival(c.chi2, c.df)
		if math.Abs(got-c.want) > 0.001 {
			t.Errorf("ChiSquareSurvival(%v, %d) = %f, want ~%f", c.chi2, c.df, got, c.want)
		}
	}
}

func TestStudentTSurvival_LargeDFMatchesNormal(t *testing.T) {
	// With many degrees of freedom the t distribution is close to normal.
	tt := stats.StudentTSurvival(1.96, 10000)
	normal := 1 - stats.NormalCDF(1.96)
	if math.Abs(tt-normal) > 0.001 {
		t.Errorf("StudentTSurvival(1.96, 10000) = %f, want ~%f", tt, normal)
	}
}

func TestStudentTSurvival_KnownValue(t *testing.T) {
	// t=2.228 at df=10 is the two-sided 5% critical value, so the one-sided
	// tail is 2.5%.
	got := stats.StudentTSurvival(2.228, 10)
	if math.Abs(got-0.025) > 0.001 {
		t.Errorf("StudentTSurvival(2.228, 10) = %f, want ~0.025", got)
	}
}
