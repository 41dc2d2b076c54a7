// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). It understands just enough of the format for pipeline needs:
// 3-D grids, voxel spacing, and the numeric datatypes the upstream tools
// emit. Orientation matrices are passed through untouched on write and
// ignored on read; all voxel math in this codebase happens on index grids
// of volumes already resampled into a shared space.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

const (
	headerSize = 348
	voxOffset  = 352 // header + 4-byte extension flag

	typeUint8   = 2
	typeInt16   = 4
	typeInt32   = 8
	typeFloat32 = 16
	typeFloat64 = 64
)

// header is the NIfTI-1 header, field for field. Fixed-size fields only so
// that binary.Read maps it onto the raw 348 bytes.
type header struct {
	SizeofHdr      int32
	DataTypeUnused [10]byte
	DBName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XyztUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

// Volume is a 3-D voxel grid with isotropic-or-not spacing in millimetres.
// Data is stored x-fastest, matching the on-disk order.
type Volume struct {
	NX, NY, NZ int
	Spacing    [3]float64
	Data       []float32
}

// NewVolume allocates a zeroed volume of the given shape.
func NewVolume(nx, ny, nz int, spacing [3]float64) *Volume {
	return &Volume{
		NX:      nx,
		NY:      ny,
		NZ:      nz,
		Spacing: spacing,
		Data:    make([]float32, nx*ny*nz),
	}
}

// Len is the total voxel count.
func (v *Volume) Len() int { return v.NX * v.NY * v.NZ }

// At returns the voxel value at grid index (x, y, z).
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[x+v.NX*(y+v.NY*z)]
}

// Set stores val at grid index (x, y, z).
func (v *Volume) Set(x, y, z int, val float32) {
	v.Data[x+v.NX*(y+v.NY*z)] = val
}

// VoxelVolumeMM3 is the physical volume of one voxel in cubic millimetres.
func (v *Volume) VoxelVolumeMM3() float64 {
	return v.Spacing[0] * v.Spacing[1] * v.Spacing[2]
}

// SameShape reports whether o covers the identical grid.
func (v *Volume) SameShape(o *Volume) bool {
	return v.NX == o.NX && v.NY == o.NY && v.NZ == o.NZ
}

// Read loads path as a NIfTI-1 volume. Gzip is detected by magic bytes, not
// by extension. Scaled datatypes have scl_slope and scl_inter applied.
func Read(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nifti: open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, fmt.Errorf("nifti: read %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("nifti: read %s: %w", path, err)
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("nifti: gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("nifti: %s: %w", path, err)
	}
	return vol, nil
}

func decode(r io.Reader) (*Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	// sizeof_hdr doubles as the byte-order probe.
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[:4]) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[:4]) == headerSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr != %d)", headerSize)
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Magic[0] != 'n' || hdr.Magic[1] != '+' || hdr.Magic[2] != '1' {
		return nil, fmt.Errorf("unsupported magic %q (two-file .hdr/.img pairs are not handled)", hdr.Magic[:3])
	}

	nd := int(hdr.Dim[0])
	if nd < 3 || nd > 7 {
		return nil, fmt.Errorf("unsupported dimensionality %d", nd)
	}
	for i := 4; i <= nd; i++ {
		if hdr.Dim[i] > 1 {
			return nil, fmt.Errorf("volume has %d frames along dim %d, want a single 3-D volume", hdr.Dim[i], i)
		}
	}
	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("degenerate shape %dx%dx%d", nx, ny, nz)
	}

	bytesPer := int(hdr.Bitpix) / 8
	want := bytesPerVoxel(hdr.Datatype)
	if want == 0 {
		return nil, fmt.Errorf("unsupported datatype %d", hdr.Datatype)
	}
	if bytesPer != want {
		return nil, fmt.Errorf("bitpix %d does not match datatype %d", hdr.Bitpix, hdr.Datatype)
	}

	skip := int64(hdr.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("vox_offset %v before end of header", hdr.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("skip to voxel data: %w", err)
	}

	n := nx * ny * nz
	buf := make([]byte, n*bytesPer)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read %d voxels: %w", n, err)
	}

	vol := &Volume{
		NX:      nx,
		NY:      ny,
		NZ:      nz,
		Spacing: [3]float64{float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3])},
		Data:    make([]float32, n),
	}
	for i := 0; i < n; i++ {
		off := i * bytesPer
		switch hdr.Datatype {
		case typeUint8:
			vol.Data[i] = float32(buf[off])
		case typeInt16:
			vol.Data[i] = float32(int16(order.Uint16(buf[off:])))
		case typeInt32:
			vol.Data[i] = float32(int32(order.Uint32(buf[off:])))
		case typeFloat32:
			vol.Data[i] = math.Float32frombits(order.Uint32(buf[off:]))
		case typeFloat64:
			vol.Data[i] = float32(math.Float64frombits(order.Uint64(buf[off:])))
		}
	}

	if slope := hdr.SclSlope; slope != 0 && !(slope == 1 && hdr.SclInter == 0) {
		for i := range vol.Data {
			vol.Data[i] = vol.Data[i]*slope + hdr.SclInter
		}
	}
	return vol, nil
}

func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case typeUint8:
		return 1
	case typeInt16:
		return 2
	case typeInt32:
		return 4
	case typeFloat32:
		return 4
	case typeFloat64:
		return 8
	}
	return 0
}

// Write stores v at path as a little-endian uint8 NIfTI-1 file, gzipped
// when the path ends in .gz. Values are rounded to the nearest integer and
// clamped to [0, 255]; this entry point exists for label masks.
func Write(path string, v *Volume) error {
	return write(path, v, typeUint8)
}

// WriteFloat32 stores v at path with full float precision, for scan
// intensities where rounding would destroy the values.
func WriteFloat32(path string, v *Volume) error {
	return write(path, v, typeFloat32)
}

func write(path string, v *Volume, datatype int16) error {
	if len(v.Data) != v.Len() {
		return fmt.Errorf("nifti: write %s: data length %d does not match shape %dx%dx%d", path, len(v.Data), v.NX, v.NY, v.NZ)
	}

	hdr := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  datatype,
		Bitpix:    int16(8 * bytesPerVoxel(datatype)),
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: 2, // millimetres
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim = [8]int16{3, int16(v.NX), int16(v.NY), int16(v.NZ), 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, float32(v.Spacing[0]), float32(v.Spacing[1]), float32(v.Spacing[2]), 1, 1, 1, 1}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("nifti: write %s: encode header: %w", path, err)
	}
	buf.Write([]byte{0, 0, 0, 0}) // no extensions
	switch datatype {
	case typeUint8:
		for _, val := range v.Data {
			r := math.Round(float64(val))
			if r < 0 {
				r = 0
			} else if r > 255 {
				r = 255
			}
			buf.WriteByte(byte(r))
		}
	case typeFloat32:
		if err := binary.Write(&buf, binary.LittleEndian, v.Data); err != nil {
			return fmt.Errorf("nifti: write %s: encode voxels: %w", path, err)
		}
	default:
		return fmt.Errorf("nifti: write %s: unsupported datatype %d", path, datatype)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nifti: write %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("nifti: write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("nifti: write %s: close gzip: %w", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("nifti: write %s: %w", path, err)
	}
	return nil
}
