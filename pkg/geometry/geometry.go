// Package geometry registers phantom scans to their design geometry. The
// infill pattern definitions assume the origin is at the centroid of the
// phantom's cross section with the fiducial at the bottom; scan data never
// lines up with that frame, so comparing a parameter map to its ground
// truth requires finding the centroid and fiducial in image space and
// rigidly transforming each voxel index into the pattern frame.
package geometry

import (
	"fmt"
	"math"

	"github.com/tkkuehn/3am-phantom-utilities/pkg/scaninfo"
)

// FirstPopulatedSlice returns the index of the first z slice of a 3D mask
// that contains any in-mask voxel. Slice-restricted masks leave every other
// slice empty, so landmark location has to start from the populated one.
func FirstPopulatedSlice(mask []bool, w, h, d int) (int, error) {
	if len(mask) != w*h*d {
		return 0, fmt.Errorf("mask has %d values but dimensions are %dx%dx%d",
			len(mask), w, h, d)
	}
	for z := 0; z < d; z++ {
		for i := z * w * h; i < (z+1)*w*h; i++ {
			if mask[i] {
				return z, nil
			}
		}
	}
	return 0, fmt.Errorf("mask is empty")
}

// FindCentroid returns the mean index of the true voxels of a 2D mask.
func FindCentroid(mask []bool, w, h int) (float64, float64, error) {
	if len(mask) != w*h {
		return 0, 0, fmt.Errorf("mask has %d values but dimensions are %dx%d",
			len(mask), w, h)
	}

	var sumX, sumY float64
	var n int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask[y*w+x] {
				sumX += float64(x)
				sumY += float64(y)
				n++
			}
		}
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("mask is empty")
	}
	return sumX / float64(n), sumY / float64(n), nil
}

// FindFiducial locates the water-filled fiducial cavity in a phantom slice:
// the largest connected region that is inside the phantom's outline but not
// part of the material mask. It returns the cavity's centroid.
func FindFiducial(mask []bool, w, h int) (float64, float64, error) {
	if len(mask) != w*h {
		return 0, 0, fmt.Errorf("mask has %d values but dimensions are %dx%d",
			len(mask), w, h)
	}

	// Everything reachable from the border without crossing the mask is
	// outside the phantom; what remains off-mask is cavity.
	outside := floodFromBorder(mask, w, h)

	labels := make([]int, w*h)
	bestLabel, bestSize := 0, 0
	next := 1

	for start := 0; start < w*h; start++ {
		if mask[start] || outside[start] || labels[start] != 0 {
			continue
		}

		size := 0
		stack := []int{start}
		labels[start] = next
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++

			x, y := idx%w, idx/w
			for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				n := ny*w + nx
				if mask[n] || outside[n] || labels[n] != 0 {
					continue
				}
				labels[n] = next
				stack = append(stack, n)
			}
		}

		if size > bestSize {
			bestSize = size
			bestLabel = next
		}
		next++
	}

	if bestLabel == 0 {
		return 0, 0, fmt.Errorf("no cavity found inside the phantom")
	}

	cavity := make([]bool, w*h)
	for i, l := range labels {
		cavity[i] = l == bestLabel
	}
	return FindCentroid(cavity, w, h)
}

// floodFromBorder marks every off-mask voxel 4-connected to the image
// border.
func floodFromBorder(mask []bool, w, h int) []bool {
	outside := make([]bool, w*h)
	var stack []int

	push := func(idx int) {
		if !mask[idx] && !outside[idx] {
			outside[idx] = true
			stack = append(stack, idx)
		}
	}

	for x := 0; x < w; x++ {
		push(x)
		push((h-1)*w + x)
	}
	for y := 0; y < h; y++ {
		push(y * w)
		push(y*w + w - 1)
	}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		x, y := idx%w, idx/w
		if x > 0 {
			push(idx - 1)
		}
		if x < w-1 {
			push(idx + 1)
		}
		if y > 0 {
			push(idx - w)
		}
		if y < h-1 {
			push(idx + w)
		}
	}
	return outside
}

// FiducialAngle returns the rotation, in degrees, that brings the fiducial
// to the bottom of the x-y plane when the phantom is rotated about its
// centroid. This is the angle expected by TransformImagePoint.
func FiducialAngle(cx, cy, fx, fy float64) float64 {
	current := math.Atan2(fy-cy, fx-cx) * 180 / math.Pi
	return -90 - current
}

// TransformImagePoint rigidly transforms an image-space index into the
// phantom's ground-truth frame: translate so the centroid is the origin,
// then rotate by the given angle.
func TransformImagePoint(px, py, cx, cy, angleDeg float64) (float64, float64) {
	tx := px - cx
	ty := py - cy

	theta := angleDeg * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)

	return cos*tx - sin*ty, sin*tx + cos*ty
}

// GenGeometryData builds a ground-truth map for a masked phantom: every
// in-mask voxel index is transformed into the pattern frame, scaled from
// voxels to mm, and evaluated with the pattern generator. Off-mask voxels
// are zero.
func GenGeometryData(mask []bool, w, h, d int, gen scaninfo.Generator,
	cx, cy, angleDeg, scaling float64) ([]float64, error) {

	if len(mask) != w*h*d {
		return nil, fmt.Errorf("mask has %d values but dimensions are %dx%dx%d",
			len(mask), w, h, d)
	}

	out := make([]float64, len(mask))
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := x + w*y + w*h*z
				if !mask[idx] {
					continue
				}

				tx, ty := TransformImagePoint(float64(x), float64(y), cx, cy, angleDeg)
				out[idx] = gen(tx*scaling, ty*scaling)
			}
		}
	}
	return out, nil
}
