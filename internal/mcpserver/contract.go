package mcpserver

// ReportFormatContract describes the run outcome documents that LLM
// consumers read through the get_report tool.
const ReportFormatContract = `# cpspflow Report Format Contract

A finished pipeline run produces exactly one of two JSON documents.

## Overlap report (completed runs)

` + "```" + `json
{
  "subject_id": "sub-001",
  "run_id": "7f8c1a0e-...",
  "threshold": 0.51,
  "lesion_voxels": 1482,
  "total_lesion_volume_mm3": 1482.0,
  "left_hemisphere_stats": {
    "voxels": 1301,
    "volume_mm3": 1301.0,
    "fraction": 0.878,
    "overlap": true
  },
  "right_hemisphere_stats": { "...": "same shape" },
  "generated_at": "2026-08-23T10:00:00Z"
}
` + "```" + `

### Interpretation rules

1. **All measurements are in the standard reference space.** The lesion
   mask was resampled onto the reference template before comparison with
   the hemisphere-labeled symptom mask.
2. **` + "`" + `fraction` + "`" + ` is per hemisphere:** lesion voxels falling inside that
   hemisphere's symptom mask divided by all lesion voxels. The two
   fractions need not sum to 1; lesion tissue outside both labels counts
   toward neither.
3. **` + "`" + `overlap` + "`" + ` is true when the fraction strictly exceeds ` + "`" + `threshold` + "`" + `**
   (default 0.51). At most one hemisphere can carry the flag with the
   default threshold.
4. **` + "`" + `volume_mm3` + "`" + ` derives from the mask voxel spacing,** so voxel counts
   and volumes differ whenever the spacing is anisotropic.
5. An empty lesion mask yields a zero report: every count, volume, and
   fraction is 0 and both overlap flags are false. This is a valid result,
   not an error.

## Failure record (failed runs)

` + "```" + `json
{
  "subject_id": "sub-001",
  "run_id": "7f8c1a0e-...",
  "failed_stage": "extract",
  "error_kind": "external-tool",
  "log_excerpt": "CUDA out of memory ...",
  "failed_at": "2026-08-23T10:00:00Z"
}
` + "```" + `

` + "`" + `error_kind` + "`" + ` is one of: input-missing, duplicate-role, space-mismatch,
timeout, external-tool, resource-unavailable, invocation, cancelled,
conflict, not-found, internal.

## CSV summary

Completed runs also append one row to ` + "`" + `cpsp_results.csv` + "`" + ` at the output
root, with a header written once:

` + "```" + `
lesion_volume_mm3,left_overlap,overlap_fraction_left,right_overlap,overlap_fraction_right,subject_id
` + "```" + `

Booleans in the sheet are capitalized (` + "`" + `True` + "`" + `/` + "`" + `False` + "`" + `).

## Polling guidance

- ` + "`" + `get_run_status` + "`" + ` until the state is ` + "`" + `completed` + "`" + ` or ` + "`" + `failed` + "`" + `.
- Then ` + "`" + `get_report` + "`" + `: the response carries a ` + "`" + `report` + "`" + ` key for completed
  runs and a ` + "`" + `failure` + "`" + ` key for failed ones, never both.
`
