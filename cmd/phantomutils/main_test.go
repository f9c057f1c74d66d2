package main

import (
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// TestPatternFrameUsesPopulatedSlice checks that landmark location works on
// a mask restricted to a single non-first slice, as mask -slice produces.
func TestPatternFrameUsesPopulatedSlice(t *testing.T) {
	w, h, d := 30, 30, 3
	mask := make([]bool, w*h*d)
	// Square phantom with a cavity, populated only on z=1.
	base := w * h
	for y := 5; y < 25; y++ {
		for x := 5; x < 25; x++ {
			mask[base+y*w+x] = true
		}
	}
	for y := 19; y < 22; y++ {
		for x := 14; x < 17; x++ {
			mask[base+y*w+x] = false
		}
	}

	cx, cy, angleDeg, err := patternFrame(mask, w, h, d, "", math.NaN(), zerolog.Nop())
	if err != nil {
		t.Fatalf("patternFrame failed: %v", err)
	}
	if cx < 10 || cx > 20 || cy < 10 || cy > 20 {
		t.Errorf("centroid (%f, %f) outside the phantom", cx, cy)
	}
	if math.IsNaN(angleDeg) {
		t.Error("fiducial angle not resolved")
	}

	if _, _, _, err := patternFrame(make([]bool, w*h*d), w, h, d, "", math.NaN(), zerolog.Nop()); err == nil {
		t.Error("expected error for empty mask")
	}
}

// TestPatternFrameExplicitOverrides checks that an explicit centroid and
// angle bypass landmark location entirely.
func TestPatternFrameExplicitOverrides(t *testing.T) {
	mask := make([]bool, 10*10*2)
	cx, cy, angleDeg, err := patternFrame(mask, 10, 10, 2, "4.5,6", 30, zerolog.Nop())
	if err != nil {
		t.Fatalf("patternFrame failed: %v", err)
	}
	if cx != 4.5 || cy != 6 || angleDeg != 30 {
		t.Errorf("frame (%f, %f, %f), want (4.5, 6, 30)", cx, cy, angleDeg)
	}
}

// TestFitRejectsBlurWithTensorModel checks that -blur with -model dti is an
// error instead of being ignored.
func TestFitRejectsBlurWithTensorModel(t *testing.T) {
	err := runFit([]string{"-model", "dti", "-blur", "img.nii", "img.bval", "img.bvec"})
	if err == nil {
		t.Fatal("expected error for -blur with -model dti")
	}
	if !strings.Contains(err.Error(), "kurtosis") {
		t.Errorf("unexpected error: %v", err)
	}
}
