// Package report renders run outcomes: the per-run JSON report, the
// cumulative CSV result sheet, and batch-level summaries.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/calveira/cpspflow/internal/models"
)

// Well-known report file names inside a run's output directory. FileCSV
// and FileBatchSummary live at the output root instead, shared by all runs.
const (
	FileReport       = "overlap_report.json"
	FileFailure      = "failure_report.json"
	FileCSV          = "cpsp_results.csv"
	FileBatchSummary = "batch_summary.json"
)

// csvHeader matches the column order downstream analysis sheets expect.
var csvHeader = []string{
	"lesion_volume_mm3",
	"left_overlap",
	"overlap_fraction_left",
	"right_overlap",
	"overlap_fraction_right",
	"subject_id",
}

// WriteJSON writes v pretty-printed to path, creating parent directories.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report: mkdir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AppendCSV appends one report row to the shared result sheet, writing the
// header first when the file does not exist yet. Booleans are capitalized
// the way the existing sheets are.
func AppendCSV(path string, rep models.OverlapReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report: mkdir: %w", err)
	}

	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("report: open csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("report: write csv header: %w", err)
		}
	}
	row := []string{
		formatFloat(rep.TotalLesionVolumeMM3),
		formatBool(rep.Left.Overlap),
		formatFloat(rep.Left.Fraction),
		formatBool(rep.Right.Overlap),
		formatFloat(rep.Right.Fraction),
		rep.SubjectID,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("report: write csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// BatchSummary aggregates one batch's outcomes. Volume and fraction
// statistics cover completed runs only.
type BatchSummary struct {
	Subjects              int     `json:"subjects"`
	Completed             int     `json:"completed"`
	Failed                int     `json:"failed"`
	LeftOverlapCount      int     `json:"left_overlap_count"`
	RightOverlapCount     int     `json:"right_overlap_count"`
	MeanLesionVolumeMM3   float64 `json:"mean_lesion_volume_mm3"`
	MedianLesionVolumeMM3 float64 `json:"median_lesion_volume_mm3"`
	StdDevLesionVolumeMM3 float64 `json:"stddev_lesion_volume_mm3"`
	P90LesionVolumeMM3    float64 `json:"p90_lesion_volume_mm3"`
	MeanFractionLeft      float64 `json:"mean_fraction_left"`
	MeanFractionRight     float64 `json:"mean_fraction_right"`
}

// Summarize reduces completed reports and failures to batch statistics.
func Summarize(reports []models.OverlapReport, failures []models.FailureRecord) BatchSummary {
	s := BatchSummary{
		Subjects:  len(reports) + len(failures),
		Completed: len(reports),
		Failed:    len(failures),
	}
	if len(reports) == 0 {
		return s
	}

	volumes := make([]float64, 0, len(reports))
	lefts := make([]float64, 0, len(reports))
	rights := make([]float64, 0, len(reports))
	for _, rep := range reports {
		volumes = append(volumes, rep.TotalLesionVolumeMM3)
		lefts = append(lefts, rep.Left.Fraction)
		rights = append(rights, rep.Right.Fraction)
		if rep.Left.Overlap {
			s.LeftOverlapCount++
		}
		if rep.Right.Overlap {
			s.RightOverlapCount++
		}
	}
	sort.Float64s(volumes)

	s.MeanLesionVolumeMM3 = stat.Mean(volumes, nil)
	s.MedianLesionVolumeMM3 = stat.Quantile(0.5, stat.Empirical, volumes, nil)
	s.P90LesionVolumeMM3 = stat.Quantile(0.9, stat.Empirical, volumes, nil)
	if len(volumes) > 1 {
		s.StdDevLesionVolumeMM3 = stat.StdDev(volumes, nil)
	}
	s.MeanFractionLeft = stat.Mean(lefts, nil)
	s.MeanFractionRight = stat.Mean(rights, nil)
	return s
}
