// Package imageio loads and saves the images involved in phantom DWI
// analysis. Images are classified as DWIs or derived images: a DWI is the
// raw 4D data from a diffusion scan together with its gradient information,
// while a derived image is a (usually 3D) map produced by analyzing a DWI.
// Either kind may carry a voxel mask restricting it to the region of
// interest.
package imageio

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/tkkuehn/3am-phantom-utilities/pkg/nifti"
)

// DefaultB0Threshold is the b-value below which an acquisition is treated
// as unweighted.
const DefaultB0Threshold = 250

// GradientTable describes the diffusion gradients of a DWI acquisition.
type GradientTable struct {
	// Bvals holds one diffusion weighting (s/mm^2) per volume.
	Bvals []float64

	// Bvecs holds one unit gradient direction per volume. Unweighted
	// volumes have zero vectors.
	Bvecs [][3]float64

	// B0Threshold is the b-value below which a volume counts as b0.
	B0Threshold float64
}

// B0Mask returns a logical index of the unweighted volumes.
func (g *GradientTable) B0Mask() []bool {
	mask := make([]bool, len(g.Bvals))
	for i, b := range g.Bvals {
		mask[i] = b < g.B0Threshold
	}
	return mask
}

// ReadBvalsBvecs parses FSL-style .bval and .bvec text files. Both row and
// column layouts are accepted; the two files must describe the same number
// of volumes.
func ReadBvalsBvecs(bvalPath, bvecPath string) ([]float64, [][3]float64, error) {
	bvals, err := readFloatTable(bvalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read bvals: %w", err)
	}
	if len(bvals) != 1 && (len(bvals) == 0 || len(bvals[0]) != 1) {
		return nil, nil, fmt.Errorf("bval file %s must be a single row or column", bvalPath)
	}
	flat := flatten(bvals)

	vecRows, err := readFloatTable(bvecPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read bvecs: %w", err)
	}

	bvecs, err := shapeBvecs(vecRows, len(flat))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", bvecPath, err)
	}

	return flat, bvecs, nil
}

// NewGradientTable assembles a gradient table, treating b-values below
// b0Threshold as unweighted. A non-positive threshold selects the default.
func NewGradientTable(bvals []float64, bvecs [][3]float64, b0Threshold float64) (*GradientTable, error) {
	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("gradient table mismatch: %d bvals but %d bvecs",
			len(bvals), len(bvecs))
	}
	if b0Threshold <= 0 {
		b0Threshold = DefaultB0Threshold
	}
	return &GradientTable{Bvals: bvals, Bvecs: bvecs, B0Threshold: b0Threshold}, nil
}

func readFloatTable(path string) ([][]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var table [][]float64
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("bad value %q in %s", f, path)
			}
			row[i] = v
		}
		table = append(table, row)
	}

	if len(table) == 0 {
		return nil, fmt.Errorf("no values in %s", path)
	}
	return table, nil
}

func flatten(table [][]float64) []float64 {
	var out []float64
	for _, row := range table {
		out = append(out, row...)
	}
	return out
}

// shapeBvecs normalizes a parsed table into n rows of 3 components,
// accepting either 3xN or Nx3 layouts.
func shapeBvecs(rows [][]float64, n int) ([][3]float64, error) {
	out := make([][3]float64, n)

	if len(rows) == 3 && len(rows[0]) == n {
		for i := 0; i < n; i++ {
			out[i] = [3]float64{rows[0][i], rows[1][i], rows[2][i]}
		}
		return out, nil
	}

	if len(rows) == n {
		for i, row := range rows {
			if len(row) != 3 {
				return nil, fmt.Errorf("bvec row %d has %d components, want 3", i, len(row))
			}
			out[i] = [3]float64{row[0], row[1], row[2]}
		}
		return out, nil
	}

	return nil, fmt.Errorf("bvec table shape does not match %d volumes", n)
}

// DWImage wraps a 4D diffusion-weighted image with its gradient table and an
// optional voxel mask. A nil mask means every voxel is included.
type DWImage struct {
	Img  *nifti.Image
	Gtab *GradientTable

	// Mask marks the in-phantom voxels of a single 3D volume. Length is
	// Img.VolumeSize() when set.
	Mask []bool
}

// Data returns the raw voxel data, ignoring any mask.
func (d *DWImage) Data() []float64 {
	return d.Img.Data
}

// FlatData returns the voxel data with masked-out voxels removed. With no
// mask this is simply the full flattened image.
func (d *DWImage) FlatData() []float64 {
	if d.Mask == nil {
		out := make([]float64, len(d.Img.Data))
		copy(out, d.Img.Data)
		return out
	}

	volSize := d.Img.VolumeSize()
	var out []float64
	for v := 0; v < d.Img.Nv; v++ {
		for i, in := range d.Mask {
			if in {
				out = append(out, d.Img.Data[v*volSize+i])
			}
		}
	}
	return out
}

// DerivedImage wraps a 3D map derived from a DWI, with an optional mask.
// 4D inputs are collapsed to their first volume.
type DerivedImage struct {
	Img  *nifti.Image
	Mask []bool
}

// NewDerived wraps an image as a derived map. The mask may be nil.
func NewDerived(img *nifti.Image, mask []bool) (*DerivedImage, error) {
	if mask != nil && len(mask) != img.VolumeSize() {
		return nil, fmt.Errorf("mask has %d voxels but image volume has %d",
			len(mask), img.VolumeSize())
	}
	return &DerivedImage{Img: img, Mask: mask}, nil
}

// Data returns the first volume of the underlying image, ignoring any mask.
func (d *DerivedImage) Data() []float64 {
	return d.Img.Data[:d.Img.VolumeSize()]
}

// FlatData returns the in-mask values of the map.
func (d *DerivedImage) FlatData() []float64 {
	data := d.Data()
	if d.Mask == nil {
		out := make([]float64, len(data))
		copy(out, data)
		return out
	}

	var out []float64
	for i, in := range d.Mask {
		if in {
			out = append(out, data[i])
		}
	}
	return out
}

// LoadDWI loads a DWI together with its gradient files and, when maskPath is
// non-empty, its mask.
func LoadDWI(niftiPath, bvalPath, bvecPath, maskPath string, b0Threshold float64) (*DWImage, error) {
	img, err := nifti.Load(niftiPath)
	if err != nil {
		return nil, err
	}
	if img.Nv < 2 {
		return nil, fmt.Errorf("%s is not a 4D diffusion image", niftiPath)
	}

	bvals, bvecs, err := ReadBvalsBvecs(bvalPath, bvecPath)
	if err != nil {
		return nil, err
	}
	if len(bvals) != img.Nv {
		return nil, fmt.Errorf("image has %d volumes but gradient table has %d entries",
			img.Nv, len(bvals))
	}

	gtab, err := NewGradientTable(bvals, bvecs, b0Threshold)
	if err != nil {
		return nil, err
	}

	dwi := &DWImage{Img: img, Gtab: gtab}
	if maskPath != "" {
		mask, err := LoadMask(maskPath, img.VolumeSize())
		if err != nil {
			return nil, err
		}
		dwi.Mask = mask
	}
	return dwi, nil
}

// LoadDerived loads a derived map and, when maskPath is non-empty, its mask.
func LoadDerived(imagePath, maskPath string) (*DerivedImage, error) {
	img, err := nifti.Load(imagePath)
	if err != nil {
		return nil, err
	}

	var mask []bool
	if maskPath != "" {
		mask, err = LoadMask(maskPath, img.VolumeSize())
		if err != nil {
			return nil, err
		}
	}
	return NewDerived(img, mask)
}

// LoadMask loads a binary mask image. Masks saved alongside raw data are
// often 4D; only the first volume is used. Any value above zero counts as
// in-mask.
func LoadMask(path string, wantSize int) ([]bool, error) {
	img, err := nifti.Load(path)
	if err != nil {
		return nil, err
	}
	if img.VolumeSize() != wantSize {
		return nil, fmt.Errorf("mask %s has %d voxels per volume, want %d",
			path, img.VolumeSize(), wantSize)
	}

	mask := make([]bool, wantSize)
	for i := range mask {
		mask[i] = img.Data[i] > 0
	}
	return mask, nil
}

// SaveMap writes a 3D parameter map in the geometry of the reference image.
func SaveMap(data []float64, ref *nifti.Image, path string) error {
	if len(data) != ref.VolumeSize() {
		return fmt.Errorf("map has %d voxels but reference volume has %d",
			len(data), ref.VolumeSize())
	}

	out := nifti.NewImage(ref.Nx, ref.Ny, ref.Nz, 1, ref)
	copy(out.Data, data)
	return out.Save(path)
}

// GenTable flattens a set of masked derived images into an observation
// table with one row per in-mask voxel and one column per image. All images
// must share the same mask.
func GenTable(images []*DerivedImage) (*mat.Dense, error) {
	if len(images) == 0 {
		return &mat.Dense{}, nil
	}

	ref := images[0].FlatData()
	table := mat.NewDense(len(ref), len(images), nil)
	table.SetCol(0, ref)

	for j, img := range images[1:] {
		if !sameMask(images[0].Mask, img.Mask) {
			return nil, fmt.Errorf("image %d mask disagrees with image 0", j+1)
		}
		col := img.FlatData()
		if len(col) != len(ref) {
			return nil, fmt.Errorf("image %d has %d in-mask voxels, want %d",
				j+1, len(col), len(ref))
		}
		table.SetCol(j+1, col)
	}

	return table, nil
}

func sameMask(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
