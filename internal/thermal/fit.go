package thermal

import (
	"math"
)

// decayParams are the three fitted parameters of the decay model.
type decayParams struct {
	tFinal   float64
	tInitial float64
	tau      float64
}

type fitResult struct {
	params       decayParams
	ssr          float64
	tauRelStdErr float64
}

// fitExponentialDecay runs a bounded Levenberg-Marquardt fit of the decay
// model. Parameters are projected back into their bounds after every step.
// Returns ok=false when the fit fails to converge within maxFitIterations.
func fitExponentialDecay(ts, temps []float64, guess decayParams) (fitResult, bool) {
	n := len(ts)
	p := clampParams(guess)
	ssr := residualSumSquares(ts, temps, p)

	lambda := 1e-3
	converged := false

	for iter := 0; iter < maxFitIterations; iter++ {
		if ssr < 1e-12 {
			converged = true
			break
		}

		jtj, jtr := normalEquations(ts, temps, p)

		// Damped normal equations: (JtJ + lambda*diag(JtJ)) * delta = Jtr.
		a := [3][3]float64{}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a[i][j] = jtj[i][j]
			}
			a[i][i] += lambda * jtj[i][i]
		}

		delta, ok := solve3(a, jtr)
		if !ok {
			lambda *= 10
			if lambda > 1e12 {
				break
			}
			continue
		}

		candidate := clampParams(decayParams{
			tFinal:   p.tFinal + delta[0],
			tInitial: p.tInitial + delta[1],
			tau:      p.tau + delta[2],
		})
		candidateSSR := residualSumSquares(ts, temps, candidate)

		if candidateSSR < ssr {
			improvement := ssr - candidateSSR
			p = candidate
			ssr = candidateSSR
			lambda = math.Max(lambda/10, 1e-12)
			if improvement <= 1e-10*(1+ssr) {
				converged = true
				break
			}
		} else {
			lambda *= 10
			if lambda > 1e12 {
				// No descent direction even under heavy damping:
				// accept the local minimum we are sitting on.
				converged = true
				break
			}
		}
	}

	if !converged {
		return fitResult{}, false
	}

	return fitResult{
		params:       p,
		ssr:          ssr,
		tauRelStdErr: tauRelativeStdErr(ts, temps, p, ssr, n),
	}, true
}

// decayJacobianRow returns the partial derivatives of the model at t with
// respect to (tFinal, tInitial, tau).
func decayJacobianRow(t float64, p decayParams) [3]float64 {
	e := math.Exp(-t / p.tau)
	return [3]float64{
		1 - e,
		e,
		(p.tInitial - p.tFinal) * e * t / (p.tau * p.tau),
	}
}

// normalEquations accumulates JtJ and Jt*r for the current parameters.
func normalEquations(ts, temps []float64, p decayParams) ([3][3]float64, [3]float64) {
	var jtj [3][3]float64
	var jtr [3]float64

	for i, t := range ts {
		row := decayJacobianRow(t, p)
		r := temps[i] - ExponentialDecay(t, p.tFinal, p.tInitial, p.tau)
		for a := 0; a < 3; a++ {
			jtr[a] += row[a] * r
			for b := 0; b < 3; b++ {
				jtj[a][b] += row[a] * row[b]
			}
		}
	}
	return jtj, jtr
}

func residualSumSquares(ts, temps []float64, p decayParams) float64 {
	ssr := 0.0
	for i, t := range ts {
		r := temps[i] - ExponentialDecay(t, p.tFinal, p.tInitial, p.tau)
		ssr += r * r
	}
	return ssr
}

// tauRelativeStdErr estimates the relative standard error of the fitted tau
// from the covariance matrix inv(JtJ) * ssr/(n-3). A singular JtJ yields 1
// (no trust in the estimate).
func tauRelativeStdErr(ts, temps []float64, p decayParams, ssr float64, n int) float64 {
	if n <= 3 {
		return 1
	}

	jtj, _ := normalEquations(ts, temps, p)

	// Invert via solving JtJ * x = e_k; only the tau column is needed.
	x, ok := solve3(jtj, [3]float64{0, 0, 1})
	if !ok {
		return 1
	}

	variance := x[2] * ssr / float64(n-3)
	if variance < 0 || math.IsNaN(variance) {
		return 1
	}

	stderr := math.Sqrt(variance)
	if p.tau <= 0 {
		return 1
	}
	return stderr / p.tau
}

// solve3 solves a 3x3 linear system with partial pivoting.
func solve3(a [3][3]float64, b [3]float64) ([3]float64, bool) {
	// Augmented matrix.
	var m [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = a[i][j]
		}
		m[i][3] = b[i]
	}

	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) < 1e-14 {
			return [3]float64{}, false
		}
		m[col], m[pivot] = m[pivot], m[col]

		for row := 0; row < 3; row++ {
			if row == col {
				continue
			}
			factor := m[row][col] / m[col][col]
			for j := col; j < 4; j++ {
				m[row][j] -= factor * m[col][j]
			}
		}
	}

	var x [3]float64
	for i := 0; i < 3; i++ {
		x[i] = m[i][3] / m[i][i]
		if !isFinite(x[i]) {
			return [3]float64{}, false
		}
	}
	return x, true
}

func clampParams(p decayParams) decayParams {
	return decayParams{
		tFinal:   clamp(p.tFinal, tempBoundLow, tempBoundHigh),
		tInitial: clamp(p.tInitial, tempBoundLow, tempBoundHigh),
		tau:      clamp(p.tau, tauBoundLow, tauBoundHigh),
	}
}
