package stats

// ChiSquareGOF runs a chi-square goodness-of-fit test of observed counts
// against expected counts. Returns the statistic and p-value. Cells with
// zero expectation are skipped (a variant with zero allocation contributes
// no information).
func ChiSquareGOF(observed []int64, expected []float64) (chi2, pValue float64) {
	df := 0
	for i := range observed {
		if i >= len(expected) || expected[i] <= 0 {
			continue
		}
		d := float64(observed[i]) - expected[i]
		chi2 += d * d / expected[i]
		df++
	}
	if df < 2 {
		return chi2, 1
	}
	return chi2, ChiSquareSurvival(chi2, df-1)
}

// ChiSquareHomogeneity tests whether category counts are distributed
// identically across groups (rows = groups, columns = categories). Used by
// the drift monitor to compare covariate distributions between variants.
func ChiSquareHomogeneity(table [][]int64) (chi2, pValue float64) {
	rows := len(table)
	if rows < 2 {
		return 0, 1
	}
	cols := len(table[0])
	if cols < 2 {
		return 0, 1
	}

	rowTotals := make([]float64, rows)
	colTotals := make([]float64, cols)
	var grand float64
	for i, row := range table {
		for j, n := range row {
			rowTotals[i] += float64(n)
			colTotals[j] += float64(n)
			grand += float64(n)
		}
	}
	if grand == 0 {
		return 0, 1
	}

	for i := range table {
		for j := range table[i] {
			exp := rowTotals[i] * colTotals[j] / grand
			if exp <= 0 {
				continue
			}
			d := float64(table[i][j]) - exp
			chi2 += d * d / exp
		}
	}

	df := (rows - 1) * (cols - 1)
	return chi2, ChiSquareSurvival(chi2, df)
}
