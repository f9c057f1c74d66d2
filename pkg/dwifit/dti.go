package dwifit

import (
	"github.com/tkkuehn/3am-phantom-utilities/pkg/imageio"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/nifti"
)

// DTIFit holds the per-voxel results of a diffusion tensor fit.
type DTIFit struct {
	// Ref is the source image whose geometry derived maps inherit.
	Ref *nifti.Image

	params []float64 // dtiParams per voxel
	ok     []bool
}

// FitDTI fits the diffusion tensor model to every in-mask voxel of the DWI.
func FitDTI(dwi *imageio.DWImage, cfg Config) (*DTIFit, error) {
	if err := checkAcquisitions(dwi, dtiParams); err != nil {
		return nil, err
	}

	design := designMatrix(dwi.Gtab.Bvals, dwi.Gtab.Bvecs, dtiParams)
	params, ok := fitVolume(dwi, dwi.Img.Data, design, dtiParams, cfg.workers())

	return &DTIFit{Ref: dwi.Img, params: params, ok: ok}, nil
}

// tensor returns the packed tensor of one voxel, or nil if the fit failed.
func (f *DTIFit) tensor(idx int) []float64 {
	if !f.ok[idx] {
		return nil
	}
	return f.params[idx*dtiParams : idx*dtiParams+6]
}

// mapOver evaluates metric for every voxel with a usable fit; other voxels
// are zero, matching the masked-out background of the source scan.
func mapOver(n int, tensorAt func(int) []float64, metric func(evals [3]float64, evec [3]float64) float64) []float64 {
	out := make([]float64, n)
	for idx := 0; idx < n; idx++ {
		d := tensorAt(idx)
		if d == nil {
			continue
		}
		evals, evec, ok := tensorEigen(d)
		if !ok {
			continue
		}
		out[idx] = metric(evals, evec)
	}
	return out
}

// FA returns the fractional anisotropy map.
func (f *DTIFit) FA() []float64 {
	return mapOver(len(f.ok), f.tensor, func(evals [3]float64, _ [3]float64) float64 {
		return fractionalAnisotropy(evals)
	})
}

// MD returns the mean diffusivity map.
func (f *DTIFit) MD() []float64 {
	return mapOver(len(f.ok), f.tensor, func(evals [3]float64, _ [3]float64) float64 {
		return (evals[0] + evals[1] + evals[2]) / 3
	})
}

// AD returns the axial diffusivity map (largest eigenvalue).
func (f *DTIFit) AD() []float64 {
	return mapOver(len(f.ok), f.tensor, func(evals [3]float64, _ [3]float64) float64 {
		return evals[0]
	})
}

// RD returns the radial diffusivity map (mean of the two smaller
// eigenvalues).
func (f *DTIFit) RD() []float64 {
	return mapOver(len(f.ok), f.tensor, func(evals [3]float64, _ [3]float64) float64 {
		return (evals[1] + evals[2]) / 2
	})
}

// PrincipalDirection returns the principal eigenvector at a voxel index,
// and whether the voxel has a usable fit.
func (f *DTIFit) PrincipalDirection(idx int) ([3]float64, bool) {
	d := f.tensor(idx)
	if d == nil {
		return [3]float64{}, false
	}
	_, evec, ok := tensorEigen(d)
	return evec, ok
}

// DTIMapPaths names the output files for tensor-derived maps. Empty paths
// are skipped.
type DTIMapPaths struct {
	FA, MD, AD, RD string
}

// SaveDTIMaps writes the requested scalar maps in the source geometry.
func SaveDTIMaps(fit *DTIFit, paths DTIMapPaths) error {
	maps := []struct {
		path string
		data func() []float64
	}{
		{paths.FA, fit.FA},
		{paths.MD, fit.MD},
		{paths.AD, fit.AD},
		{paths.RD, fit.RD},
	}

	for _, m := range maps {
		if m.path == "" {
			continue
		}
		if err := imageio.SaveMap(m.data(), fit.Ref, m.path); err != nil {
			return err
		}
	}
	return nil
}
