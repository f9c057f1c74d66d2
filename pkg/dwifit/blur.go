package dwifit

import (
	"math"

	"github.com/tkkuehn/3am-phantom-utilities/pkg/nifti"
)

// blurInPlane applies a separable Gaussian blur with the given sigma along
// x and y of every slice of every volume, leaving z and the volume axis
// untouched. Smoothing stays within slices so that per-slice phantoms do
// not bleed into each other.
func blurInPlane(img *nifti.Image, sigma float64) []float64 {
	kernel := gaussianKernel(sigma)
	radius := (len(kernel) - 1) / 2

	volSize := img.VolumeSize()
	sliceSize := img.Nx * img.Ny

	out := make([]float64, len(img.Data))
	tmp := make([]float64, sliceSize)

	for v := 0; v < img.Nv; v++ {
		for z := 0; z < img.Nz; z++ {
			base := v*volSize + z*sliceSize
			slice := img.Data[base : base+sliceSize]

			// Horizontal pass into tmp.
			for y := 0; y < img.Ny; y++ {
				for x := 0; x < img.Nx; x++ {
					var sum, weight float64
					for k := -radius; k <= radius; k++ {
						xx := x + k
						if xx < 0 || xx >= img.Nx {
							continue
						}
						w := kernel[k+radius]
						sum += w * slice[y*img.Nx+xx]
						weight += w
					}
					tmp[y*img.Nx+x] = sum / weight
				}
			}

			// Vertical pass into the output.
			for y := 0; y < img.Ny; y++ {
				for x := 0; x < img.Nx; x++ {
					var sum, weight float64
					for k := -radius; k <= radius; k++ {
						yy := y + k
						if yy < 0 || yy >= img.Ny {
							continue
						}
						w := kernel[k+radius]
						sum += w * tmp[yy*img.Nx+x]
						weight += w
					}
					out[base+y*img.Nx+x] = sum / weight
				}
			}
		}
	}
	return out
}

// gaussianKernel builds a normalized 1D Gaussian truncated at four sigmas.
func gaussianKernel(sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	if radius < 1 {
		radius = 1
	}

	kernel := make([]float64, 2*radius+1)
	var sum float64
	for k := -radius; k <= radius; k++ {
		w := math.Exp(-float64(k*k) / (2 * sigma * sigma))
		kernel[k+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}
