package report

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calveira/cpspflow/internal/models"
)

func sampleReport(subject string, volume float64, left bool) models.OverlapReport {
	rep := models.OverlapReport{
		SubjectID:            subject,
		RunID:                "run-" + subject,
		Threshold:            0.51,
		LesionVoxels:         int(volume),
		TotalLesionVolumeMM3: volume,
		Left:                 models.HemisphereStats{Fraction: 0.6, Overlap: left},
		Right:                models.HemisphereStats{Fraction: 0.1},
		GeneratedAt:          time.Now().UTC(),
	}
	return rep
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", FileReport)
	rep := sampleReport("sub-01", 1200, true)
	if err := WriteJSON(path, rep); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got models.OverlapReport
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if got.SubjectID != "sub-01" || !got.Left.Overlap {
		t.Errorf("round-trip = %+v", got)
	}
}

func TestAppendCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileCSV)

	if err := AppendCSV(path, sampleReport("sub-01", 1200, true)); err != nil {
		t.Fatalf("AppendCSV: %v", err)
	}
	if err := AppendCSV(path, sampleReport("sub-02", 64, false)); err != nil {
		t.Fatalf("AppendCSV second: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}

	// Header once, then one row per run.
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0][0] != "lesion_volume_mm3" || rows[0][5] != "subject_id" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][5] != "sub-01" || rows[1][1] != "True" {
		t.Errorf("first row = %v", rows[1])
	}
	if rows[2][5] != "sub-02" || rows[2][1] != "False" {
		t.Errorf("second row = %v", rows[2])
	}
	if rows[1][0] != "1200" {
		t.Errorf("volume cell = %q, want 1200", rows[1][0])
	}
}

func TestSummarize(t *testing.T) {
	reports := []models.OverlapReport{
		sampleReport("a", 100, true),
		sampleReport("b", 200, true),
		sampleReport("c", 600, false),
	}
	failures := []models.FailureRecord{
		{SubjectID: "d", FailedStage: "segment", ErrorKind: "timeout"},
	}

	s := Summarize(reports, failures)
	if s.Subjects != 4 || s.Completed != 3 || s.Failed != 1 {
		t.Fatalf("counts = %+v", s)
	}
	if s.LeftOverlapCount != 2 || s.RightOverlapCount != 0 {
		t.Errorf("overlap counts = %d/%d", s.LeftOverlapCount, s.RightOverlapCount)
	}
	if math.Abs(s.MeanLesionVolumeMM3-300) > 1e-9 {
		t.Errorf("mean = %v, want 300", s.MeanLesionVolumeMM3)
	}
	if math.Abs(s.MedianLesionVolumeMM3-200) > 1e-9 {
		t.Errorf("median = %v, want 200", s.MedianLesionVolumeMM3)
	}
	if s.StdDevLesionVolumeMM3 <= 0 {
		t.Errorf("stddev = %v, want positive", s.StdDevLesionVolumeMM3)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil, nil)
	if s.Subjects != 0 || s.MeanLesionVolumeMM3 != 0 {
		t.Errorf("summary = %+v, want zero value", s)
	}
}
