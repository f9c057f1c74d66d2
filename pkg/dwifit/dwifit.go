// Package dwifit fits diffusion tensor (DTI) and diffusion kurtosis (DKI)
// models to DWI data voxel by voxel and derives the standard scalar maps
// from the fitted tensors. Fits use two-pass weighted linear least squares
// on the log signal; slices are processed in parallel.
package dwifit

import (
	"fmt"
	"runtime"

	"gonum.org/v1/gonum/mat"

	"github.com/tkkuehn/3am-phantom-utilities/pkg/imageio"
)

// Config controls a model fit.
type Config struct {
	// Workers is the number of slices fitted concurrently. Zero or
	// negative selects the number of CPUs.
	Workers int

	// Blur applies a light in-plane Gaussian blur to the data before a
	// kurtosis fit, trading resolution for fit stability.
	Blur bool

	// BlurSigma is the in-plane standard deviation of the blur in voxels.
	// Zero selects the default of 0.5.
	BlurSigma float64
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

func (c Config) blurSigma() float64 {
	if c.BlurSigma > 0 {
		return c.BlurSigma
	}
	return 0.5
}

// fitVolume runs the per-voxel WLS fit over every in-mask voxel, fanning
// slices out across worker goroutines. data holds the (possibly blurred)
// image values; params receives nParams values per voxel and ok records
// which voxels produced a usable fit.
func fitVolume(dwi *imageio.DWImage, data []float64, design *mat.Dense,
	nParams, workers int) ([]float64, []bool) {

	img := dwi.Img
	volSize := img.VolumeSize()
	sliceSize := img.Nx * img.Ny

	params := make([]float64, volSize*nParams)
	ok := make([]bool, volSize)

	type sliceDone struct{}
	done := make(chan sliceDone)
	sem := make(chan struct{}, workers)

	for z := 0; z < img.Nz; z++ {
		go func(z int) {
			sem <- struct{}{}
			defer func() {
				<-sem
				done <- sliceDone{}
			}()

			signals := make([]float64, img.Nv)
			for y := 0; y < img.Ny; y++ {
				for x := 0; x < img.Nx; x++ {
					idx := x + img.Nx*y + sliceSize*z
					if dwi.Mask != nil && !dwi.Mask[idx] {
						continue
					}

					for v := 0; v < img.Nv; v++ {
						signals[v] = data[v*volSize+idx]
					}

					fit, fitOK := wlsVoxel(design, signals)
					if !fitOK {
						continue
					}
					copy(params[idx*nParams:(idx+1)*nParams], fit)
					ok[idx] = true
				}
			}
		}(z)
	}

	for z := 0; z < img.Nz; z++ {
		<-done
	}

	return params, ok
}

// checkAcquisitions verifies the scan provides enough measurements to
// determine the model.
func checkAcquisitions(dwi *imageio.DWImage, nParams int) error {
	if dwi.Img.Nv < nParams {
		return fmt.Errorf("model needs at least %d acquisitions, scan has %d",
			nParams, dwi.Img.Nv)
	}
	return nil
}
