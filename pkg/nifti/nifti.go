// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). It supports the subset of the format produced by diffusion MRI
// scanners and analysis tools: 3D and 4D images with the common scalar
// datatypes, stored with the standard 348-byte header.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Datatype codes from the NIfTI-1 standard.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
)

const (
	headerSize = 348
	// voxOffset is where voxel data begins in files we write: the header
	// plus the mandatory 4-byte extension flag.
	voxOffset = 352
)

// Header is the fixed 348-byte NIfTI-1 header. Field names follow the
// standard's C struct so they can be matched against the format reference.
type Header struct {
	SizeofHdr     int32
	DataTypeName  [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Image is a loaded NIfTI volume. Voxel data is stored as float64 in the
// on-disk order: x varies fastest, then y, z, and finally the volume index
// for 4D images.
type Image struct {
	Header Header

	// Nx, Ny, Nz are the spatial dimensions; Nv is the number of volumes
	// (1 for 3D images).
	Nx, Ny, Nz, Nv int

	// Data holds Nx*Ny*Nz*Nv voxel values with any scl_slope/scl_inter
	// scaling already applied.
	Data []float64
}

// NewImage creates an empty image with the given dimensions that shares the
// spatial metadata (affine, voxel sizes) of ref. Derived parameter maps are
// written in the geometry of the scan they came from.
func NewImage(nx, ny, nz, nv int, ref *Image) *Image {
	img := &Image{
		Nx:   nx,
		Ny:   ny,
		Nz:   nz,
		Nv:   nv,
		Data: make([]float64, nx*ny*nz*nv),
	}
	if ref != nil {
		img.Header = ref.Header
	} else {
		img.Header.Pixdim = [8]float32{1, 1, 1, 1, 1, 0, 0, 0}
	}
	img.Header.Dim[1] = int16(nx)
	img.Header.Dim[2] = int16(ny)
	img.Header.Dim[3] = int16(nz)
	if nv > 1 {
		img.Header.Dim[0] = 4
		img.Header.Dim[4] = int16(nv)
	} else {
		img.Header.Dim[0] = 3
		img.Header.Dim[4] = 1
	}
	return img
}

func (img *Image) index(x, y, z, v int) int {
	return x + img.Nx*(y+img.Ny*(z+img.Nz*v))
}

// At returns the voxel value at the given indices. Use v=0 for 3D images.
func (img *Image) At(x, y, z, v int) float64 {
	return img.Data[img.index(x, y, z, v)]
}

// SetAt stores a voxel value at the given indices.
func (img *Image) SetAt(x, y, z, v int, val float64) {
	img.Data[img.index(x, y, z, v)] = val
}

// VolumeSize returns the number of voxels in a single 3D volume.
func (img *Image) VolumeSize() int {
	return img.Nx * img.Ny * img.Nz
}

// Affine returns the 4x4 voxel-index to world-coordinate transform. The
// sform is preferred when present, then the qform, and finally plain pixdim
// scaling, per the NIfTI-1 standard's method 3/2/1 precedence.
func (img *Image) Affine() [4][4]float64 {
	h := &img.Header
	var aff [4][4]float64
	aff[3][3] = 1

	if h.SformCode > 0 {
		for j := 0; j < 4; j++ {
			aff[0][j] = float64(h.SrowX[j])
			aff[1][j] = float64(h.SrowY[j])
			aff[2][j] = float64(h.SrowZ[j])
		}
		return aff
	}

	if h.QformCode > 0 {
		b := float64(h.QuaternB)
		c := float64(h.QuaternC)
		d := float64(h.QuaternD)
		a := 1 - b*b - c*c - d*d
		if a < 0 {
			a = 0
		}
		a = math.Sqrt(a)

		qfac := float64(h.Pixdim[0])
		if qfac != -1 {
			qfac = 1
		}
		dx := float64(h.Pixdim[1])
		dy := float64(h.Pixdim[2])
		dz := float64(h.Pixdim[3]) * qfac

		aff[0][0] = (a*a + b*b - c*c - d*d) * dx
		aff[0][1] = (2*b*c - 2*a*d) * dy
		aff[0][2] = (2*b*d + 2*a*c) * dz
		aff[1][0] = (2*b*c + 2*a*d) * dx
		aff[1][1] = (a*a + c*c - b*b - d*d) * dy
		aff[1][2] = (2*c*d - 2*a*b) * dz
		aff[2][0] = (2*b*d - 2*a*c) * dx
		aff[2][1] = (2*c*d + 2*a*b) * dy
		aff[2][2] = (a*a + d*d - b*b - c*c) * dz
		aff[0][3] = float64(h.QoffsetX)
		aff[1][3] = float64(h.QoffsetY)
		aff[2][3] = float64(h.QoffsetZ)
		return aff
	}

	aff[0][0] = float64(h.Pixdim[1])
	aff[1][1] = float64(h.Pixdim[2])
	aff[2][2] = float64(h.Pixdim[3])
	return aff
}

// Load reads a NIfTI-1 image from path, transparently decompressing gzip
// files. Byte order is detected from the header's sizeof_hdr field.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}

	var r io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress image %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	return decode(r, path)
}

func decode(r io.Reader, path string) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("truncated nifti header in %s: %w", path, err)
	}

	order := byteOrder(raw)
	if order == nil {
		return nil, fmt.Errorf("%s is not a nifti-1 file: bad header size", path)
	}

	var hdr Header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("failed to parse nifti header: %w", err)
	}

	if string(hdr.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%s is not a single-file nifti-1 image (magic %q)", path, hdr.Magic[:3])
	}
	if hdr.Dim[0] < 3 || hdr.Dim[0] > 4 {
		return nil, fmt.Errorf("unsupported image dimensionality %d, want 3 or 4", hdr.Dim[0])
	}

	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	nv := 1
	if hdr.Dim[0] == 4 {
		nv = int(hdr.Dim[4])
	}
	if nx <= 0 || ny <= 0 || nz <= 0 || nv <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%dx%dx%d", nx, ny, nz, nv)
	}

	// Skip from the end of the header to the start of voxel data.
	skip := int64(hdr.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("invalid vox_offset %f", hdr.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("truncated nifti file %s: %w", path, err)
	}

	n := nx * ny * nz * nv
	data, err := readVoxels(r, order, int(hdr.Datatype), n)
	if err != nil {
		return nil, fmt.Errorf("failed to read voxel data from %s: %w", path, err)
	}

	// Apply intensity scaling when the header requests it.
	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		slope := float64(hdr.SclSlope)
		inter := float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &Image{Header: hdr, Nx: nx, Ny: ny, Nz: nz, Nv: nv, Data: data}, nil
}

// byteOrder determines the byte order of a raw header by checking which
// interpretation of sizeof_hdr yields 348.
func byteOrder(raw []byte) binary.ByteOrder {
	if binary.LittleEndian.Uint32(raw[:4]) == headerSize {
		return binary.LittleEndian
	}
	if binary.BigEndian.Uint32(raw[:4]) == headerSize {
		return binary.BigEndian
	}
	return nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype, n int) ([]float64, error) {
	data := make([]float64, n)

	switch datatype {
	case DTUint8:
		buf := make([]uint8, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case DTInt16:
		buf := make([]int16, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case DTInt32:
		buf := make([]int32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case DTFloat32:
		buf := make([]float32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case DTFloat64:
		if err := binary.Read(r, order, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported nifti datatype %d", datatype)
	}

	return data, nil
}

// Save writes the image to path as a little-endian float32 NIfTI-1 file,
// gzip-compressed when the path ends in .gz.
func (img *Image) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := img.encode(w); err != nil {
		return fmt.Errorf("failed to write image %s: %w", path, err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish compressed image %s: %w", path, err)
		}
	}
	return nil
}

func (img *Image) encode(w io.Writer) error {
	hdr := img.Header
	hdr.SizeofHdr = headerSize
	hdr.Datatype = DTFloat32
	hdr.Bitpix = 32
	hdr.VoxOffset = voxOffset
	hdr.SclSlope = 1
	hdr.SclInter = 0
	hdr.Magic = [4]byte{'n', '+', '1', 0}

	hdr.Dim[1] = int16(img.Nx)
	hdr.Dim[2] = int16(img.Ny)
	hdr.Dim[3] = int16(img.Nz)
	if img.Nv > 1 {
		hdr.Dim[0] = 4
		hdr.Dim[4] = int16(img.Nv)
	} else {
		hdr.Dim[0] = 3
		hdr.Dim[4] = 1
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// Extension flag: no header extensions follow.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]float32, len(img.Data))
	for i, v := range img.Data {
		buf[i] = float32(v)
	}
	return binary.Write(w, binary.LittleEndian, buf)
}
