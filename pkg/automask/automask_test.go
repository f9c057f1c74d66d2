package automask

import (
	"testing"

	"github.com/tkkuehn/3am-phantom-utilities/pkg/nifti"
)

// TestOtsuBimodal verifies that the threshold lands between two well
// separated intensity populations.
func TestOtsuBimodal(t *testing.T) {
	var values []float64
	for i := 0; i < 100; i++ {
		values = append(values, 10+float64(i%5))
	}
	for i := 0; i < 100; i++ {
		values = append(values, 200+float64(i%5))
	}

	threshold := Otsu(values)
	if threshold <= 14 || threshold >= 200 {
		t.Errorf("threshold %f does not separate the populations", threshold)
	}
}

// TestOtsuConstant verifies the degenerate single-population case.
func TestOtsuConstant(t *testing.T) {
	values := []float64{7, 7, 7, 7}
	if got := Otsu(values); got != 7 {
		t.Errorf("Otsu of constant data = %f, want 7", got)
	}

	if got := Otsu(nil); got != 0 {
		t.Errorf("Otsu of no data = %f, want 0", got)
	}
}

// TestErodeDisk verifies that erosion strips a band of the given radius
// from the mask boundary.
func TestErodeDisk(t *testing.T) {
	w, h := 11, 11
	mask := make([]bool, w*h)
	for y := 1; y < 10; y++ {
		for x := 1; x < 10; x++ {
			mask[y*w+x] = true
		}
	}

	eroded := ErodeDisk(mask, w, h, 3)

	if !eroded[5*w+5] {
		t.Error("center voxel should survive erosion")
	}
	if eroded[1*w+1] || eroded[2*w+5] {
		t.Error("boundary voxels should be eroded")
	}

	var before, after int
	for i := range mask {
		if mask[i] {
			before++
		}
		if eroded[i] {
			after++
		}
	}
	if after >= before {
		t.Errorf("erosion did not shrink the mask: %d -> %d", before, after)
	}
}

// buildPhantomSlice synthesizes a b0 slice: dim background, moderate
// phantom plastic, and bright water-filled channels in the interior.
func buildPhantomSlice(w, h int) ([]float64, func(x, y int) bool) {
	slice := make([]float64, w*h)
	inWater := func(x, y int) bool {
		return x >= 12 && x < 20 && y >= 12 && y < 20
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			switch {
			case inWater(x, y):
				slice[y*w+x] = 800
			case x >= 4 && x < 28 && y >= 4 && y < 28:
				slice[y*w+x] = 300
			default:
				slice[y*w+x] = 20
			}
		}
	}
	return slice, inWater
}

// TestMaskBubbles verifies the two-stage threshold on a synthetic slice.
func TestMaskBubbles(t *testing.T) {
	w, h := 32, 32
	slice, inWater := buildPhantomSlice(w, h)

	mask, err := MaskBubbles(slice, w, h, 0)
	if err != nil {
		t.Fatalf("MaskBubbles failed: %v", err)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			want := inWater(x, y)
			if mask[y*w+x] != want {
				t.Fatalf("mask[%d,%d] = %v, want %v", x, y, mask[y*w+x], want)
			}
		}
	}
}

// TestMaskBubblesBadDims verifies input validation.
func TestMaskBubblesBadDims(t *testing.T) {
	if _, err := MaskBubbles(make([]float64, 10), 4, 4, 0); err == nil {
		t.Error("expected error for mismatched dimensions")
	}
}

// TestMaskSlice verifies that exactly one slice of the output volume is
// populated and that geometry comes from the source image.
func TestMaskSlice(t *testing.T) {
	w, h := 32, 32
	slice, inWater := buildPhantomSlice(w, h)

	img := nifti.NewImage(w, h, 3, 2, nil)
	img.Header.SformCode = 1
	img.Header.SrowX = [4]float32{2, 0, 0, 0}
	img.Header.SrowY = [4]float32{0, 2, 0, 0}
	img.Header.SrowZ = [4]float32{0, 0, 2, 0}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetAt(x, y, 1, 0, slice[y*w+x])
		}
	}

	out, err := MaskSlice(img, 1, 0)
	if err != nil {
		t.Fatalf("MaskSlice failed: %v", err)
	}

	if out.Nv != 1 || out.Nz != 3 {
		t.Errorf("mask should be a single 3D volume, got nz=%d nv=%d", out.Nz, out.Nv)
	}
	if out.Affine() != img.Affine() {
		t.Error("mask affine should match source image")
	}

	for z := 0; z < 3; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				got := out.At(x, y, z, 0) > 0
				want := z == 1 && inWater(x, y)
				if got != want {
					t.Fatalf("mask[%d,%d,%d] = %v, want %v", x, y, z, got, want)
				}
			}
		}
	}

	if _, err := MaskSlice(img, 7, 0); err == nil {
		t.Error("expected error for out-of-range slice")
	}
}
