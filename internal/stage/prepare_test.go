package stage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/calveira/cpspflow/internal/artifact"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/nifti"
	"github.com/calveira/cpspflow/internal/space"
)

// fakeTransformTool copies -i to -o, standing in for a resample that keeps
// the grid unchanged.
const fakeTransformTool = `
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift 2;;
    -o) out="$2"; shift 2;;
    *) shift;;
  esac
done
cp "$in" "$out"
`

// prepareInputs commits everything the mask applier declares: the fixed
// b1000, both native masks, and per-channel registered images + transforms.
func prepareInputs(t *testing.T, rc *RunContext) map[string]models.Artifact {
	t.Helper()
	srcDir := t.TempDir()
	inputs := make(map[string]models.Artifact)

	b1000 := filepath.Join(srcDir, "dwi_b1000.nii.gz")
	writeScan(t, b1000, 10)
	inputs[models.ChannelB1000] = commitNative(t, rc, NameConvert, models.ChannelB1000, b1000)

	for role, file := range map[string]string{
		RoleB0BrainMask:    "dwi_b0_mask.nii.gz",
		RoleFLAIRBrainMask: "flair_mask.nii.gz",
	} {
		p := filepath.Join(srcDir, file)
		writeLabelMask(t, p)
		inputs[role] = commitNative(t, rc, NameExtract, role, p)
	}

	fills := map[string]float32{models.ChannelB0: 20, models.ChannelADC: 30, models.ChannelFLAIR: 40}
	for _, ch := range movingChannels {
		reg := filepath.Join(srcDir, ch+"_registered.nii.gz")
		writeScan(t, reg, fills[ch])
		inputs[RoleRegistered(ch)] = commitAs(t, rc, NameRegister, RoleRegistered(ch), reg, space.WithinSubject)
	}
	for _, ch := range []string{models.ChannelB0, models.ChannelFLAIR} {
		xfm := filepath.Join(srcDir, ch+"_to_fixed_0GenericAffine.mat")
		writeScan(t, xfm, 0) // content never parsed by the fake tool
		inputs[RoleTransform(ch)] = commitAs(t, rc, NameRegister, RoleTransform(ch), xfm, space.WithinSubject)
	}
	return inputs
}

func TestMaskApplierProducesMaskedVolumes(t *testing.T) {
	rc := newRunContext(t)
	rc.Tools.TransformTool = writeTool(t, t.TempDir(), "antsApplyTransforms", fakeTransformTool)
	inputs := prepareInputs(t, rc)

	out, err := (&MaskApplier{}).Run(context.Background(), rc, inputs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[string]float32{
		RoleBrain(models.ChannelB1000): 10,
		RoleBrain(models.ChannelB0):    20,
		RoleBrain(models.ChannelADC):   30,
		RoleBrain(models.ChannelFLAIR): 40,
	}
	for role, fill := range want {
		a, ok := out[role]
		if !ok {
			t.Fatalf("missing output %s", role)
		}
		if a.Space != space.WithinSubject {
			t.Fatalf("%s space = %s, want %s", role, a.Space, space.WithinSubject)
		}
		wantDir := filepath.Join(rc.Store.Root(), artifact.DirSubjectSpace)
		if filepath.Dir(a.Path) != wantDir {
			t.Fatalf("%s not under %s: %s", role, artifact.DirSubjectSpace, a.Path)
		}

		v, err := nifti.Read(a.Path)
		if err != nil {
			t.Fatalf("read %s: %v", role, err)
		}
		// The mask keeps the x<2 half and zeroes the rest.
		if got := v.At(0, 1, 1); got != fill {
			t.Fatalf("%s inside mask = %v, want %v", role, got, fill)
		}
		if got := v.At(3, 1, 1); got != 0 {
			t.Fatalf("%s outside mask = %v, want 0", role, got)
		}
	}
}

func TestMaskApplierShapeMismatch(t *testing.T) {
	rc := newRunContext(t)
	rc.Tools.TransformTool = writeTool(t, t.TempDir(), "antsApplyTransforms", fakeTransformTool)
	inputs := prepareInputs(t, rc)

	// Replace the b0 mask with one on a different grid; the fake resample
	// keeps grids unchanged, so the multiply must refuse.
	small := nifti.NewVolume(3, 3, 3, [3]float64{1, 1, 1})
	smallPath := filepath.Join(t.TempDir(), "small_mask.nii.gz")
	if err := nifti.Write(smallPath, small); err != nil {
		t.Fatal(err)
	}
	override := commitAs(t, rc, NameExtract, RoleB0BrainMask+"-override", smallPath, space.Native)
	override.Role = RoleB0BrainMask
	inputs[RoleB0BrainMask] = override

	_, err := (&MaskApplier{}).Run(context.Background(), rc, inputs)
	wantKind(t, err, "space-mismatch")
}

func TestMaskApplierMissingTransform(t *testing.T) {
	rc := newRunContext(t)
	rc.Tools.TransformTool = writeTool(t, t.TempDir(), "antsApplyTransforms", fakeTransformTool)
	inputs := prepareInputs(t, rc)
	delete(inputs, RoleTransform(models.ChannelFLAIR))

	_, err := (&MaskApplier{}).Run(context.Background(), rc, inputs)
	wantKind(t, err, "input-missing")
}
