// Package overlap computes the per-hemisphere lesion-symptom report. It
// never resamples: both inputs must already be in the standard reference
// space, and the space tags are checked before any voxel is touched.
package overlap

import (
	"fmt"
	"time"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/nifti"
	"github.com/calveira/cpspflow/internal/space"
)

// Hemisphere labels in the reference symptom mask.
const (
	LabelLeft  = 1
	LabelRight = 2
)

// Analyze checks that both artifacts are tagged standard-reference, loads
// them, and computes the report. Identity fields come from the lesion
// artifact.
func Analyze(lesionArt, maskArt models.Artifact, threshold float64) (models.OverlapReport, error) {
	if err := space.Require(space.Reference, models.SpaceItems(lesionArt, maskArt)...); err != nil {
		return models.OverlapReport{}, fmt.Errorf("overlap: %w", err)
	}

	lesion, err := nifti.Read(lesionArt.Path)
	if err != nil {
		return models.OverlapReport{}, fmt.Errorf("overlap: lesion: %w", err)
	}
	mask, err := nifti.Read(maskArt.Path)
	if err != nil {
		return models.OverlapReport{}, fmt.Errorf("overlap: reference mask: %w", err)
	}

	rep, err := Compute(lesion, mask, threshold)
	if err != nil {
		return models.OverlapReport{}, err
	}
	rep.SubjectID = lesionArt.SubjectID
	rep.RunID = lesionArt.RunID
	return rep, nil
}

// Compute intersects lesion voxels (any value > 0) with each hemisphere
// partition of the reference mask and converts counts to physical volume
// via the lesion voxel spacing. An empty lesion produces a zero report
// with no overlap on either side.
func Compute(lesion, mask *nifti.Volume, threshold float64) (models.OverlapReport, error) {
	if !lesion.SameShape(mask) {
		return models.OverlapReport{}, fmt.Errorf(
			"overlap: %w: lesion grid %dx%dx%d vs mask grid %dx%dx%d",
			apperr.ErrSpaceMismatch,
			lesion.NX, lesion.NY, lesion.NZ, mask.NX, mask.NY, mask.NZ,
		)
	}

	voxelMM3 := lesion.VoxelVolumeMM3()

	var lesionVoxels, leftVoxels, rightVoxels int
	for i, v := range lesion.Data {
		if v <= 0 {
			continue
		}
		lesionVoxels++
		switch mask.Data[i] {
		case LabelLeft:
			leftVoxels++
		case LabelRight:
			rightVoxels++
		}
	}

	rep := models.OverlapReport{
		Threshold:   threshold,
		GeneratedAt: time.Now().UTC(),
	}
	if lesionVoxels == 0 {
		return rep, nil
	}

	total := float64(lesionVoxels)
	rep.LesionVoxels = lesionVoxels
	rep.TotalLesionVolumeMM3 = total * voxelMM3
	rep.Left = hemisphere(leftVoxels, total, voxelMM3, threshold)
	rep.Right = hemisphere(rightVoxels, total, voxelMM3, threshold)
	return rep, nil
}

func hemisphere(voxels int, totalLesion, voxelMM3, threshold float64) models.HemisphereStats {
	fraction := float64(voxels) / totalLesion
	return models.HemisphereStats{
		Voxels:    voxels,
		VolumeMM3: float64(voxels) * voxelMM3,
		Fraction:  fraction,
		Overlap:   fraction > threshold,
	}
}

// Mirror builds a bilateral hemisphere-labeled mask from a single-sided
// region mask: voxels above zero keep LabelLeft and their x-axis
// reflections get LabelRight. Reflected voxels win where the two overlap
// at the midline, matching the mask this pipeline's reference bundle ships.
func Mirror(src *nifti.Volume) *nifti.Volume {
	out := nifti.NewVolume(src.NX, src.NY, src.NZ, src.Spacing)
	for z := 0; z < src.NZ; z++ {
		for y := 0; y < src.NY; y++ {
			for x := 0; x < src.NX; x++ {
				if src.At(x, y, z) > 0 {
					out.Set(x, y, z, LabelLeft)
				}
			}
		}
	}
	for z := 0; z < src.NZ; z++ {
		for y := 0; y < src.NY; y++ {
			for x := 0; x < src.NX; x++ {
				if src.At(src.NX-1-x, y, z) > 0 {
					out.Set(x, y, z, LabelRight)
				}
			}
		}
	}
	return out
}
