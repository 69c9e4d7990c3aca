package model

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

// DefaultMinSamplesForTraining is the minimum row count Train requires
// before fitting a new model.
const DefaultMinSamplesForTraining = 100

// TrainingRow is one sample the trainer consumes: a canonical feature
// vector and an optional label ("normal" rows are kept, anything else is
// dropped when labels are present at all).
type TrainingRow struct {
	Vector []float64
	Label  string
}

// Train fits a new Model from rows, imputing missing values by column
// median, fitting the scaler and forest, and computing training
// metadata. It does not persist the result; callers call Save
// separately so training and snapshotting stay independently testable.
func Train(rows []TrainingRow, cfg ForestConfig, version string) (*Model, error) {
	filtered := filterNormal(rows)
	if len(filtered) < DefaultMinSamplesForTraining {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSamples, len(filtered), DefaultMinSamplesForTraining)
	}

	matrix := imputeMedian(vectorsOf(filtered))
	scaler := FitScaler(matrix)

	scaled := make([][]float64, len(matrix))
	for i, row := range matrix {
		scaled[i] = scaler.Transform(row)
	}
	forest := FitForest(scaled, cfg)

	scores := make([]float64, len(scaled))
	anomalies := 0
	for i, row := range scaled {
		scores[i] = forest.DecisionFunction(row)
		if forest.Predict(row) == -1 {
			anomalies++
		}
	}

	meta := Metadata{
		Version:      version,
		TrainedAt:    time.Now().UTC(),
		SampleCount:  len(matrix),
		AnomalyRatio: float64(anomalies) / float64(len(matrix)),
		FeatureMeans: scaler.Mean,
		FeatureStds:  scaler.Std,
		ScoreMean:    mean(scores),
		ScoreStd:     stddev(scores),
		ForestConfig: cfg,
	}

	return &Model{Forest: forest, Scaler: scaler, Metadata: meta}, nil
}

// filterNormal keeps only label=="normal" rows when any row carries a
// non-empty label; unlabeled input is used as-is (curated normals).
func filterNormal(rows []TrainingRow) []TrainingRow {
	hasLabels := false
	for _, r := range rows {
		if r.Label != "" {
			hasLabels = true
			break
		}
	}
	if !hasLabels {
		return rows
	}
	out := make([]TrainingRow, 0, len(rows))
	for _, r := range rows {
		if r.Label == "normal" {
			out = append(out, r)
		}
	}
	return out
}

func vectorsOf(rows []TrainingRow) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Vector
	}
	return out
}

// imputeMedian replaces non-finite or missing cells with the column
// median. A short row is padded with zeroes before imputation.
func imputeMedian(rows [][]float64) [][]float64 {
	if len(rows) == 0 {
		return rows
	}
	n := len(models.FeatureNames())
	out := make([][]float64, len(rows))
	for i, r := range rows {
		row := make([]float64, n)
		copy(row, r)
		out[i] = row
	}

	for col := 0; col < n; col++ {
		// v-v is NaN exactly when v is NaN or ±Inf.
		var present []float64
		for _, r := range out {
			if !isNaN(r[col] - r[col]) {
				present = append(present, r[col])
			}
		}
		med := median(present)
		for _, r := range out {
			if isNaN(r[col] - r[col]) {
				r[col] = med
			}
		}
	}
	return out
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	cp := append([]float64(nil), v...)
	sort.Float64s(cp)
	mid := len(cp) / 2
	if len(cp)%2 == 0 {
		return (cp[mid-1] + cp[mid]) / 2
	}
	return cp[mid]
}

func isNaN(v float64) bool { return v != v }

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func stddev(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	m := mean(v)
	var sum float64
	for _, x := range v {
		d := x - m
		sum += d * d
	}
	return sqrt(sum / float64(len(v)))
}

func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 40; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

// LoadTrainingCSV parses a CSV with a header row matching (a subset of)
// models.FeatureNames plus an optional "label" column, dropping any other
// column.
func LoadTrainingCSV(r io.Reader) ([]TrainingRow, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	colIdx := map[string]int{}
	for i, h := range header {
		colIdx[h] = i
	}
	names := models.FeatureNames()
	labelIdx, hasLabel := colIdx["label"]

	var rows []TrainingRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row: %w", err)
		}
		vec := make([]float64, len(names))
		for i, name := range names {
			idx, ok := colIdx[name]
			if !ok || idx >= len(record) {
				vec[i] = nanValue()
				continue
			}
			f, err := strconv.ParseFloat(record[idx], 64)
			if err != nil {
				vec[i] = nanValue()
				continue
			}
			vec[i] = f
		}
		label := ""
		if hasLabel && labelIdx < len(record) {
			label = record[labelIdx]
		}
		rows = append(rows, TrainingRow{Vector: vec, Label: label})
	}
	return rows, nil
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}
