package dwifit

import (
	"math"
	"testing"

	"github.com/tkkuehn/3am-phantom-utilities/pkg/imageio"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/nifti"
)

// simulateDWI builds a synthetic scan with the given gradient scheme where
// every voxel follows the kurtosis signal model with diffusion tensor d
// (packed) and isotropic apparent kurtosis k.
func simulateDWI(t *testing.T, nx, ny, nz int, bvals []float64, bvecs [][3]float64,
	d []float64, k float64, mask []bool) *imageio.DWImage {
	t.Helper()

	img := nifti.NewImage(nx, ny, nz, len(bvals), nil)
	md := (d[0] + d[1] + d[2]) / 3
	s0 := 1000.0

	for v := range bvals {
		b := bvals[v]
		g := bvecs[v]
		dApp := tensorApparent(d, g)
		logS := math.Log(s0) - b*dApp + b*b/6*md*md*k
		val := math.Exp(logS)

		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					img.SetAt(x, y, z, v, val)
				}
			}
		}
	}

	gtab, err := imageio.NewGradientTable(bvals, bvecs, imageio.DefaultB0Threshold)
	if err != nil {
		t.Fatal(err)
	}
	return &imageio.DWImage{Img: img, Gtab: gtab, Mask: mask}
}

func dtiScheme() ([]float64, [][3]float64) {
	s := math.Sqrt2 / 2
	dirs := [][3]float64{
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
		{s, s, 0}, {s, 0, s}, {0, s, s},
	}

	bvals := []float64{0}
	bvecs := [][3]float64{{0, 0, 0}}
	for _, b := range []float64{1000, 2000} {
		for _, g := range dirs {
			bvals = append(bvals, b)
			bvecs = append(bvecs, g)
		}
	}
	return bvals, bvecs
}

func dkiScheme() ([]float64, [][3]float64) {
	dirs := sphereDirections(30)

	bvals := []float64{0, 0}
	bvecs := [][3]float64{{0, 0, 0}, {0, 0, 0}}
	for _, b := range []float64{1000, 2000} {
		for _, g := range dirs {
			bvals = append(bvals, b)
			bvecs = append(bvecs, g)
		}
	}
	return bvals, bvecs
}

// TestFitDTIRecoversTensor verifies that a noiseless anisotropic signal is
// recovered with the expected scalar metrics.
func TestFitDTIRecoversTensor(t *testing.T) {
	bvals, bvecs := dtiScheme()
	// Axially symmetric tensor along x, in mm^2/s.
	d := []float64{1.7e-3, 0.3e-3, 0.3e-3, 0, 0, 0}

	dwi := simulateDWI(t, 3, 3, 2, bvals, bvecs, d, 0, nil)
	fit, err := FitDTI(dwi, Config{Workers: 2})
	if err != nil {
		t.Fatalf("FitDTI failed: %v", err)
	}

	md := fit.MD()
	ad := fit.AD()
	rd := fit.RD()
	fa := fit.FA()

	wantMD := (1.7e-3 + 0.3e-3 + 0.3e-3) / 3
	wantFA := 0.7995
	for idx := range md {
		if math.Abs(md[idx]-wantMD) > 1e-6 {
			t.Fatalf("MD[%d] = %g, want %g", idx, md[idx], wantMD)
		}
		if math.Abs(ad[idx]-1.7e-3) > 1e-6 {
			t.Fatalf("AD[%d] = %g, want 1.7e-3", idx, ad[idx])
		}
		if math.Abs(rd[idx]-0.3e-3) > 1e-6 {
			t.Fatalf("RD[%d] = %g, want 0.3e-3", idx, rd[idx])
		}
		if math.Abs(fa[idx]-wantFA) > 1e-3 {
			t.Fatalf("FA[%d] = %g, want %g", idx, fa[idx], wantFA)
		}
	}

	evec, ok := fit.PrincipalDirection(0)
	if !ok {
		t.Fatal("no principal direction for voxel 0")
	}
	if math.Abs(evec[0]) < 0.99 {
		t.Errorf("principal direction %v should point along x", evec)
	}
}

// TestFitDTIRespectsMask verifies masked-out voxels stay zero.
func TestFitDTIRespectsMask(t *testing.T) {
	bvals, bvecs := dtiScheme()
	d := []float64{1e-3, 1e-3, 1e-3, 0, 0, 0}

	mask := make([]bool, 2*2*1)
	mask[1] = true

	dwi := simulateDWI(t, 2, 2, 1, bvals, bvecs, d, 0, mask)
	fit, err := FitDTI(dwi, Config{})
	if err != nil {
		t.Fatalf("FitDTI failed: %v", err)
	}

	md := fit.MD()
	if md[0] != 0 || md[2] != 0 || md[3] != 0 {
		t.Errorf("masked-out voxels should be zero, got %v", md)
	}
	if math.Abs(md[1]-1e-3) > 1e-6 {
		t.Errorf("in-mask voxel MD = %g, want 1e-3", md[1])
	}
}

// TestFitDTITooFewAcquisitions verifies the acquisition count check.
func TestFitDTITooFewAcquisitions(t *testing.T) {
	bvals := []float64{0, 1000, 1000}
	bvecs := [][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	d := []float64{1e-3, 1e-3, 1e-3, 0, 0, 0}

	dwi := simulateDWI(t, 2, 2, 1, bvals, bvecs, d, 0, nil)
	if _, err := FitDTI(dwi, Config{}); err == nil {
		t.Error("expected error for underdetermined fit")
	}
}

// TestFitDKIRecoversKurtosis verifies that an isotropic signal with known
// kurtosis is recovered by MK, AK, and RK.
func TestFitDKIRecoversKurtosis(t *testing.T) {
	bvals, bvecs := dkiScheme()
	d := []float64{1e-3, 1e-3, 1e-3, 0, 0, 0}
	const k = 0.8

	dwi := simulateDWI(t, 2, 2, 1, bvals, bvecs, d, k, nil)
	fit, err := FitDKI(dwi, Config{Workers: 2})
	if err != nil {
		t.Fatalf("FitDKI failed: %v", err)
	}

	for name, m := range map[string][]float64{
		"MK": fit.MK(0),
		"AK": fit.AK(0),
		"RK": fit.RK(0),
	} {
		for idx, got := range m {
			if math.Abs(got-k) > 0.02 {
				t.Fatalf("%s[%d] = %g, want %g", name, idx, got, k)
			}
		}
	}

	md := fit.MD()
	for idx := range md {
		if math.Abs(md[idx]-1e-3) > 1e-5 {
			t.Fatalf("MD[%d] = %g, want 1e-3", idx, md[idx])
		}
	}
}

// TestFitDKIClampsKurtosis verifies the lower clamp used by the pipeline.
func TestFitDKIClampsKurtosis(t *testing.T) {
	bvals, bvecs := dkiScheme()
	d := []float64{1e-3, 1e-3, 1e-3, 0, 0, 0}

	// Negative simulated kurtosis must be clamped to the floor.
	dwi := simulateDWI(t, 2, 2, 1, bvals, bvecs, d, -0.5, nil)
	fit, err := FitDKI(dwi, Config{})
	if err != nil {
		t.Fatalf("FitDKI failed: %v", err)
	}

	for _, v := range fit.MK(0) {
		if v < 0 {
			t.Fatalf("MK value %g below clamp", v)
		}
	}

	unclamped := fit.MK(math.Inf(-1))
	sawNegative := false
	for _, v := range unclamped {
		if v < 0 {
			sawNegative = true
		}
	}
	if !sawNegative {
		t.Error("expected negative kurtosis without the clamp")
	}
}

// TestBlurInPlane verifies the blur smooths within slices but never across
// them.
func TestBlurInPlane(t *testing.T) {
	img := nifti.NewImage(5, 5, 2, 1, nil)
	img.SetAt(2, 2, 0, 0, 100)

	blurred := blurInPlane(img, 0.5)

	center := blurred[2+5*2]
	neighbor := blurred[3+5*2]
	if center >= 100 || center <= 0 {
		t.Errorf("center should be smoothed below 100, got %g", center)
	}
	if neighbor <= 0 {
		t.Errorf("in-plane neighbor should pick up signal, got %g", neighbor)
	}

	// Second slice must be untouched.
	for i := 25; i < 50; i++ {
		if blurred[i] != 0 {
			t.Fatalf("blur leaked across slices at %d: %g", i, blurred[i])
		}
	}

	// Total intensity within the slice is approximately preserved; border
	// renormalization introduces a small deviation.
	var sum float64
	for i := 0; i < 25; i++ {
		sum += blurred[i]
	}
	if math.Abs(sum-100) > 0.5 {
		t.Errorf("blur should approximately preserve total intensity, got %g", sum)
	}
}

// TestSphereDirections verifies the direction design is unit length and
// reasonably spread.
func TestSphereDirections(t *testing.T) {
	dirs := sphereDirections(45)
	if len(dirs) != 45 {
		t.Fatalf("expected 45 directions, got %d", len(dirs))
	}

	var mean [3]float64
	for _, g := range dirs {
		r := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
		if math.Abs(r-1) > 1e-9 {
			t.Fatalf("direction %v is not unit length", g)
		}
		mean[0] += g[0]
		mean[1] += g[1]
		mean[2] += g[2]
	}

	for i := range mean {
		if math.Abs(mean[i])/45 > 0.05 {
			t.Errorf("directions are lopsided along axis %d: %f", i, mean[i]/45)
		}
	}
}

// TestPerpendicularFan verifies the fan is orthogonal to its axis.
func TestPerpendicularFan(t *testing.T) {
	axis := normalize([3]float64{1, 2, 3})
	for _, g := range perpendicularFan(axis, 12) {
		dot := axis[0]*g[0] + axis[1]*g[1] + axis[2]*g[2]
		if math.Abs(dot) > 1e-9 {
			t.Fatalf("fan direction %v not perpendicular to axis", g)
		}
		r := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
		if math.Abs(r-1) > 1e-9 {
			t.Fatalf("fan direction %v is not unit length", g)
		}
	}
}
