package dwifit

import (
	"math"

	"github.com/tkkuehn/3am-phantom-utilities/pkg/imageio"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/nifti"
)

// mkDirections is the size of the sphere design used to average directional
// kurtosis for MK.
const mkDirections = 45

// rkDirections is the number of in-plane directions averaged for RK.
const rkDirections = 36

// DKIFit holds the per-voxel results of a diffusion kurtosis fit.
type DKIFit struct {
	// Ref is the source image whose geometry derived maps inherit.
	Ref *nifti.Image

	params []float64 // dkiParams per voxel
	ok     []bool
}

// FitDKI fits the diffusion kurtosis model to every in-mask voxel of the
// DWI. When cfg.Blur is set the data is smoothed in-plane first.
func FitDKI(dwi *imageio.DWImage, cfg Config) (*DKIFit, error) {
	if err := checkAcquisitions(dwi, dkiParams); err != nil {
		return nil, err
	}

	data := dwi.Img.Data
	if cfg.Blur {
		data = blurInPlane(dwi.Img, cfg.blurSigma())
	}

	design := designMatrix(dwi.Gtab.Bvals, dwi.Gtab.Bvecs, dkiParams)
	params, ok := fitVolume(dwi, data, design, dkiParams, cfg.workers())

	return &DKIFit{Ref: dwi.Img, params: params, ok: ok}, nil
}

func (f *DKIFit) tensor(idx int) []float64 {
	if !f.ok[idx] {
		return nil
	}
	return f.params[idx*dkiParams : idx*dkiParams+6]
}

func (f *DKIFit) kurtosis(idx int) []float64 {
	if !f.ok[idx] {
		return nil
	}
	return f.params[idx*dkiParams+6 : idx*dkiParams+21]
}

// apparentKurtosis evaluates K(n) = V(n) / D(n)^2 for one voxel and
// direction, where V is the fitted fourth-order term.
func (f *DKIFit) apparentKurtosis(idx int, g [3]float64) (float64, bool) {
	d := f.tensor(idx)
	v := f.kurtosis(idx)
	if d == nil || v == nil {
		return 0, false
	}

	dApp := tensorApparent(d, g)
	if dApp <= 0 {
		return 0, false
	}
	return kurtosisApparent(v, g) / (dApp * dApp), true
}

// FA returns the fractional anisotropy map from the tensor part of the fit.
func (f *DKIFit) FA() []float64 {
	return mapOver(len(f.ok), f.tensor, func(evals [3]float64, _ [3]float64) float64 {
		return fractionalAnisotropy(evals)
	})
}

// MD returns the mean diffusivity map from the tensor part of the fit.
func (f *DKIFit) MD() []float64 {
	return mapOver(len(f.ok), f.tensor, func(evals [3]float64, _ [3]float64) float64 {
		return (evals[0] + evals[1] + evals[2]) / 3
	})
}

// AD returns the axial diffusivity map from the tensor part of the fit.
func (f *DKIFit) AD() []float64 {
	return mapOver(len(f.ok), f.tensor, func(evals [3]float64, _ [3]float64) float64 {
		return evals[0]
	})
}

// RD returns the radial diffusivity map from the tensor part of the fit.
func (f *DKIFit) RD() []float64 {
	return mapOver(len(f.ok), f.tensor, func(evals [3]float64, _ [3]float64) float64 {
		return (evals[1] + evals[2]) / 2
	})
}

// MK returns the mean kurtosis map: the directional apparent kurtosis
// averaged over a uniform sphere design, clamped below at minKurtosis.
func (f *DKIFit) MK(minKurtosis float64) []float64 {
	dirs := sphereDirections(mkDirections)
	out := make([]float64, len(f.ok))

	for idx := range f.ok {
		var sum float64
		var n int
		for _, g := range dirs {
			k, ok := f.apparentKurtosis(idx, g)
			if !ok {
				continue
			}
			sum += k
			n++
		}
		if n == 0 {
			continue
		}
		out[idx] = math.Max(sum/float64(n), minKurtosis)
	}
	return out
}

// AK returns the axial kurtosis map: apparent kurtosis along the principal
// diffusion direction, clamped below at minKurtosis.
func (f *DKIFit) AK(minKurtosis float64) []float64 {
	out := make([]float64, len(f.ok))

	for idx := range f.ok {
		d := f.tensor(idx)
		if d == nil {
			continue
		}
		_, evec, ok := tensorEigen(d)
		if !ok {
			continue
		}
		k, ok := f.apparentKurtosis(idx, evec)
		if !ok {
			continue
		}
		out[idx] = math.Max(k, minKurtosis)
	}
	return out
}

// RK returns the radial kurtosis map: apparent kurtosis averaged over a fan
// of directions perpendicular to the principal diffusion direction, clamped
// below at minKurtosis.
func (f *DKIFit) RK(minKurtosis float64) []float64 {
	out := make([]float64, len(f.ok))

	for idx := range f.ok {
		d := f.tensor(idx)
		if d == nil {
			continue
		}
		_, evec, ok := tensorEigen(d)
		if !ok {
			continue
		}

		var sum float64
		var n int
		for _, g := range perpendicularFan(evec, rkDirections) {
			k, ok := f.apparentKurtosis(idx, g)
			if !ok {
				continue
			}
			sum += k
			n++
		}
		if n == 0 {
			continue
		}
		out[idx] = math.Max(sum/float64(n), minKurtosis)
	}
	return out
}

// DKIMapPaths names the output files for kurtosis-model maps. Empty paths
// are skipped.
type DKIMapPaths struct {
	FA, MD, AD, RD string
	MK, AK, RK     string
}

// SaveDKIMaps writes the requested scalar maps in the source geometry. The
// kurtosis maps are clamped below at minKurtosis; the pipeline uses 0,
// since negative kurtosis is nonphysical in these phantoms.
func SaveDKIMaps(fit *DKIFit, paths DKIMapPaths, minKurtosis float64) error {
	maps := []struct {
		path string
		data func() []float64
	}{
		{paths.FA, fit.FA},
		{paths.MD, fit.MD},
		{paths.AD, fit.AD},
		{paths.RD, fit.RD},
		{paths.MK, func() []float64 { return fit.MK(minKurtosis) }},
		{paths.AK, func() []float64 { return fit.AK(minKurtosis) }},
		{paths.RK, func() []float64 { return fit.RK(minKurtosis) }},
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
