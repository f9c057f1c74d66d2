// Package bselect filters DWI acquisitions by b-value shell and by gradient
// direction. Diffusion protocols acquire many volumes; analyses of a single
// shell or a single fibre-relative direction pick out the relevant subset
// with the logical indices produced here.
package bselect

import "math"

// ByBval returns a logical index of the acquisitions whose b-value lies in
// the half-open interval [lower, upper).
func ByBval(bvals []float64, lower, upper float64) []bool {
	idx := make([]bool, len(bvals))
	for i, b := range bvals {
		idx[i] = b >= lower && b < upper
	}
	return idx
}

// SphericalDistance returns the great-circle distance between two points on
// the unit sphere given their polar (theta, 0..pi) and azimuthal
// (phi, -pi..pi) angles, in radians.
func SphericalDistance(theta1, phi1, theta2, phi2 float64) float64 {
	cos := math.Cos(theta1)*math.Cos(theta2) +
		math.Sin(theta1)*math.Sin(theta2)*math.Cos(phi1-phi2)
	// Guard against rounding pushing the cosine out of [-1, 1].
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return math.Acos(cos)
}

// ByDirection returns a logical index of the gradient directions within
// tolerance of the given direction. Diffusion is symmetric under gradient
// negation, so a vector close to the antipode of the target also matches.
// Angles are in degrees: phi is azimuthal, theta polar. Zero-length vectors
// (b0 volumes) never match.
func ByDirection(bvecs [][3]float64, phiDeg, thetaDeg, tolDeg float64) []bool {
	phi := phiDeg * math.Pi / 180
	theta := thetaDeg * math.Pi / 180
	tol := tolDeg * math.Pi / 180

	antipodalTheta := math.Pi - theta
	antipodalPhi := phi + math.Pi
	if phi > 0 {
		antipodalPhi = phi - math.Pi
	}

	idx := make([]bool, len(bvecs))
	for i, v := range bvecs {
		r := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if r == 0 {
			continue
		}

		vecPhi := math.Atan2(v[1], v[0])
		vecTheta := math.Acos(v[2] / r)

		targetDist := SphericalDistance(theta, phi, vecTheta, vecPhi)
		antipodalDist := SphericalDistance(antipodalTheta, antipodalPhi, vecTheta, vecPhi)

		idx[i] = math.Min(targetDist, antipodalDist) < tol
	}
	return idx
}

// And combines two logical indices, selecting acquisitions matched by both.
func And(a, b []bool) []bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] && b[i]
	}
	return out
}
