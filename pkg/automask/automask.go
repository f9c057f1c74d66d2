// Package automask segments phantoms in DWI scans without manual input.
// The b0 volume shows the water-filled channels of a printed phantom as the
// brightest structure in a slice; a two-stage Otsu threshold first separates
// the phantom from the background and then, within the eroded phantom
// interior, separates the MRI-visible material from trapped air bubbles.
package automask

import (
	"fmt"

	"github.com/tkkuehn/3am-phantom-utilities/pkg/nifti"
)

const otsuBins = 256

// Otsu computes a threshold for values by maximizing the between-class
// variance of a 256-bin intensity histogram. The returned threshold is the
// center of the chosen bin; values strictly above it are foreground.
func Otsu(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		return lo
	}

	binWidth := (hi - lo) / otsuBins
	hist := make([]float64, otsuBins)
	for _, v := range values {
		bin := int((v - lo) / binWidth)
		if bin >= otsuBins {
			bin = otsuBins - 1
		}
		hist[bin]++
	}

	total := float64(len(values))
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i) * c
	}

	var sumBg, weightBg float64
	var bestVar float64 = -1
	bestBin := 0

	for i := 0; i < otsuBins-1; i++ {
		weightBg += hist[i]
		if weightBg == 0 {
			continue
		}
		weightFg := total - weightBg
		if weightFg == 0 {
			break
		}

		sumBg += float64(i) * hist[i]
		meanBg := sumBg / weightBg
		meanFg := (sumAll - sumBg) / weightFg

		diff := meanBg - meanFg
		between := weightBg * weightFg * diff * diff
		if between > bestVar {
			bestVar = between
			bestBin = i
		}
	}

	return lo + (float64(bestBin)+0.5)*binWidth
}

// disk returns the offsets of a disk-shaped structuring element of the
// given radius.
func disk(radius int) [][2]int {
	var offsets [][2]int
	r2 := radius * radius
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= r2 {
				offsets = append(offsets, [2]int{dx, dy})
			}
		}
	}
	return offsets
}

// ErodeDisk performs binary erosion of a 2D mask with a disk structuring
// element. A voxel survives only if the whole disk around it is in-mask;
// disks reaching past the image border never survive.
func ErodeDisk(mask []bool, w, h, radius int) []bool {
	offsets := disk(radius)
	out := make([]bool, len(mask))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !mask[y*w+x] {
				continue
			}
			keep := true
			for _, off := range offsets {
				nx, ny := x+off[0], y+off[1]
				if nx < 0 || nx >= w || ny < 0 || ny >= h || !mask[ny*w+nx] {
					keep = false
					break
				}
			}
			out[y*w+x] = keep
		}
	}
	return out
}

// DefaultErosionRadius is the disk radius used to erode the phantom
// outline before sampling its interior.
const DefaultErosionRadius = 3

// MaskBubbles generates a mask for the phantom material in a single b0
// slice. The first Otsu pass on the whole slice isolates the phantom from
// background; sampling only the eroded phantom interior, a second Otsu pass
// finds the threshold separating bright water-filled material from darker
// bubbles. A non-positive radius selects the default erosion radius.
func MaskBubbles(slice []float64, w, h, radius int) ([]bool, error) {
	if len(slice) != w*h {
		return nil, fmt.Errorf("slice has %d values but dimensions are %dx%d",
			len(slice), w, h)
	}
	if radius <= 0 {
		radius = DefaultErosionRadius
	}

	phantomThreshold := Otsu(slice)
	phantomMask := make([]bool, len(slice))
	for i, v := range slice {
		phantomMask[i] = v > phantomThreshold
	}

	interior := ErodeDisk(phantomMask, w, h, radius)
	var interiorData []float64
	for i, in := range interior {
		if in {
			interiorData = append(interiorData, slice[i])
		}
	}
	if len(interiorData) == 0 {
		return nil, fmt.Errorf("no phantom interior left after erosion")
	}

	bubbleThreshold := Otsu(interiorData)
	mask := make([]bool, len(slice))
	for i, v := range slice {
		mask[i] = v > bubbleThreshold
	}
	return mask, nil
}

// MaskSlice masks the phantom in one z-slice of a 4D DWI, using the first
// (b0) volume. The result is a full-size 3D mask image that is zero
// everywhere outside the chosen slice, in the geometry of the source image.
// A non-positive radius selects the default erosion radius.
func MaskSlice(img *nifti.Image, zIdx, radius int) (*nifti.Image, error) {
	if img.Nv < 1 {
		return nil, fmt.Errorf("image has no volumes")
	}
	if zIdx < 0 || zIdx >= img.Nz {
		return nil, fmt.Errorf("slice %d out of range, image has %d slices", zIdx, img.Nz)
	}

	slice := make([]float64, img.Nx*img.Ny)
	for y := 0; y < img.Ny; y++ {
		for x := 0; x < img.Nx; x++ {
			slice[y*img.Nx+x] = img.At(x, y, zIdx, 0)
		}
	}

	mask, err := MaskBubbles(slice, img.Nx, img.Ny, radius)
	if err != nil {
		return nil, fmt.Errorf("failed to mask slice %d: %w", zIdx, err)
	}

	out := nifti.NewImage(img.Nx, img.Ny, img.Nz, 1, img)
	for y := 0; y < img.Ny; y++ {
		for x := 0; x < img.Nx; x++ {
			if mask[y*img.Nx+x] {
				out.SetAt(x, y, zIdx, 0, 1)
			}
		}
	}
	return out, nil
}
