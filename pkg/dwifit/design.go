package dwifit

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// dtiParams is the parameter count of the tensor model: six unique tensor
// elements plus ln(S0).
const dtiParams = 7

// dkiParams adds the fifteen unique elements of the kurtosis tensor.
const dkiParams = 22

// tensorApparent evaluates the apparent diffusivity g'Dg for the packed
// tensor [Dxx Dyy Dzz Dxy Dxz Dyz].
func tensorApparent(d []float64, g [3]float64) float64 {
	return d[0]*g[0]*g[0] + d[1]*g[1]*g[1] + d[2]*g[2]*g[2] +
		2*(d[3]*g[0]*g[1]+d[4]*g[0]*g[2]+d[5]*g[1]*g[2])
}

// kurtosisMonomials returns the fifteen fourth-order direction monomials,
// each scaled by its multiplicity, in the same order as the packed kurtosis
// tensor elements: xxxx yyyy zzzz xxxy xxxz xyyy yyyz xzzz yzzz xxyy xxzz
// yyzz xxyz xyyz xyzz.
func kurtosisMonomials(g [3]float64) [15]float64 {
	x, y, z := g[0], g[1], g[2]
	return [15]float64{
		x * x * x * x,
		y * y * y * y,
		z * z * z * z,
		4 * x * x * x * y,
		4 * x * x * x * z,
		4 * x * y * y * y,
		4 * y * y * y * z,
		4 * x * z * z * z,
		4 * y * z * z * z,
		6 * x * x * y * y,
		6 * x * x * z * z,
		6 * y * y * z * z,
		12 * x * x * y * z,
		12 * x * y * y * z,
		12 * x * y * z * z,
	}
}

// kurtosisApparent evaluates the apparent fourth-order term for the packed
// scaled kurtosis tensor v (fitted as MD^2 * W).
func kurtosisApparent(v []float64, g [3]float64) float64 {
	m := kurtosisMonomials(g)
	var sum float64
	for i, mi := range m {
		sum += v[i] * mi
	}
	return sum
}

// designMatrix builds the log-linear design matrix for the tensor model
// (nParams == dtiParams) or the kurtosis model (nParams == dkiParams). Each
// row maps model parameters to the log signal of one acquisition.
func designMatrix(bvals []float64, bvecs [][3]float64, nParams int) *mat.Dense {
	n := len(bvals)
	a := mat.NewDense(n, nParams, nil)

	for i := 0; i < n; i++ {
		b := bvals[i]
		g := bvecs[i]

		a.Set(i, 0, -b*g[0]*g[0])
		a.Set(i, 1, -b*g[1]*g[1])
		a.Set(i, 2, -b*g[2]*g[2])
		a.Set(i, 3, -2*b*g[0]*g[1])
		a.Set(i, 4, -2*b*g[0]*g[2])
		a.Set(i, 5, -2*b*g[1]*g[2])

		if nParams == dkiParams {
			m := kurtosisMonomials(g)
			for k, mk := range m {
				a.Set(i, 6+k, b*b/6*mk)
			}
		}

		// Intercept: ln(S0).
		a.Set(i, nParams-1, 1)
	}
	return a
}

// wlsVoxel fits the log-linear model to one voxel's signals with two-pass
// weighted least squares: an ordinary fit provides predicted signals whose
// squares weight the second pass, compensating for the log transform's
// noise distortion.
func wlsVoxel(design *mat.Dense, signals []float64) ([]float64, bool) {
	n, p := design.Dims()
	if len(signals) != n {
		return nil, false
	}

	// The log model needs strictly positive signals; tiny and negative
	// values are clamped well below any real measurement.
	logs := make([]float64, n)
	for i, s := range signals {
		if s < minSignal {
			s = minSignal
		}
		logs[i] = math.Log(s)
	}

	y := mat.NewVecDense(n, logs)
	var ols mat.VecDense
	if err := ols.SolveVec(design, y); err != nil {
		return nil, false
	}

	// Weight rows by the squared predicted signal.
	var pred mat.VecDense
	pred.MulVec(design, &ols)

	wDesign := mat.NewDense(n, p, nil)
	wy := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		w := math.Exp(pred.AtVec(i))
		for j := 0; j < p; j++ {
			wDesign.Set(i, j, w*design.At(i, j))
		}
		wy.SetVec(i, w*logs[i])
	}

	var wls mat.VecDense
	if err := wls.SolveVec(wDesign, wy); err != nil {
		return nil, false
	}

	out := make([]float64, p)
	for j := 0; j < p; j++ {
		out[j] = wls.AtVec(j)
	}
	return out, true
}

const minSignal = 1e-10

// tensorEigen returns the eigenvalues (descending) and the principal
// eigenvector of the packed tensor.
func tensorEigen(d []float64) ([3]float64, [3]float64, bool) {
	sym := mat.NewSymDense(3, []float64{
		d[0], d[3], d[4],
		d[3], d[1], d[5],
		d[4], d[5], d[2],
	})

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return [3]float64{}, [3]float64{}, false
	}

	vals := es.Values(nil) // ascending
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	evals := [3]float64{vals[2], vals[1], vals[0]}
	principal := [3]float64{vecs.At(0, 2), vecs.At(1, 2), vecs.At(2, 2)}
	return evals, principal, true
}

// fractionalAnisotropy computes FA from eigenvalues, clamping negative
// values that a noisy fit can produce.
func fractionalAnisotropy(evals [3]float64) float64 {
	l1, l2, l3 := math.Max(evals[0], 0), math.Max(evals[1], 0), math.Max(evals[2], 0)
	md := (l1 + l2 + l3) / 3
	num := (l1-md)*(l1-md) + (l2-md)*(l2-md) + (l3-md)*(l3-md)
	den := l1*l1 + l2*l2 + l3*l3
	if den == 0 {
		return 0
	}
	return math.Sqrt(1.5 * num / den)
}

// sphereDirections generates n roughly uniform unit directions using a
// Fibonacci lattice. Used for averaging directional kurtosis.
func sphereDirections(n int) [][3]float64 {
	dirs := make([][3]float64, n)
	golden := math.Pi * (3 - math.Sqrt(5))

	for i := 0; i < n; i++ {
		z := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - z*z)
		phi := golden * float64(i)
		dirs[i] = [3]float64{r * math.Cos(phi), r * math.Sin(phi), z}
	}
	return dirs
}

// perpendicularFan generates n unit directions evenly spaced in the plane
// perpendicular to axis. Used for radial kurtosis.
func perpendicularFan(axis [3]float64, n int) [][3]float64 {
	// Build an orthonormal basis {u, v} of the perpendicular plane.
	ref := [3]float64{1, 0, 0}
	if math.Abs(axis[0]) > 0.9 {
		ref = [3]float64{0, 1, 0}
	}

	u := cross(axis, ref)
	u = normalize(u)
	v := cross(axis, u)
	v = normalize(v)

	dirs := make([][3]float64, n)
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * float64(i) / float64(n)
		c, s := math.Cos(theta), math.Sin(theta)
		dirs[i] = [3]float64{
			c*u[0] + s*v[0],
			c*u[1] + s*v[1],
			c*u[2] + s*v[2],
		}
	}
	return dirs
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize(a [3]float64) [3]float64 {
	n := math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2])
	if n == 0 {
		return a
	}
	return [3]float64{a[0] / n, a[1] / n, a[2] / n}
}
