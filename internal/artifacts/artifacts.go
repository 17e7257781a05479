package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

const (
	runIndexFile   = "run_index.json"
	configFile     = "config.json"
	labelsFile     = "labels.json"
	locationsFile  = "locations.json"
	timeseriesFile = "timeseries.csv"
)

// ReconstructionConfig identifies one batch reconstruction.
type ReconstructionConfig struct {
	RunID             string  `json:"run_id"`
	SubjectID         string  `json:"subject_id"`
	ModelID           string  `json:"model_id"`
	Width             float64 `json:"width"`
	KurtosisThreshold float64 `json:"kurtosis_threshold"`
	Start             int     `json:"start"`
	End               int     `json:"end"`
	NearestNeighbor   bool    `json:"nearest_neighbor,omitempty"`
	MatchThreshold    string  `json:"match_threshold,omitempty"`
	FillMissing       bool    `json:"fill_missing,omitempty"`
}

type Locations struct {
	Output    [][3]float64 `json:"output"`
	Reference [][3]float64 `json:"reference"`
}

// Reconstruction is everything the batch driver writes for one run.
// Timeseries is samples × channels in output order.
type Reconstruction struct {
	Config     ReconstructionConfig
	Kind       string
	Labels     []string
	Locations  Locations
	Timeseries mat.Matrix
}

type RunIndexEntry struct {
	RunID         string  `json:"run_id"`
	SubjectID     string  `json:"subject_id"`
	ModelID       string  `json:"model_id"`
	Kind          string  `json:"kind"`
	Reconstructed int     `json:"reconstructed"`
	Observed      int     `json:"observed"`
	Width         float64 `json:"width"`
	Kurtosis      float64 `json:"kurtosis_threshold"`
	CreatedAtUTC  string  `json:"created_at_utc"`
}

// RunID names a reconstruction by its inputs so reruns land in the same
// directory.
func RunID(subjectID, modelID string, width, kurtosis float64, start, end int) string {
	return fmt.Sprintf("%s_%s_r%s_k%s_%d-%d",
		sanitize(subjectID), sanitize(modelID),
		strconv.FormatFloat(width, 'g', -1, 64),
		strconv.FormatFloat(kurtosis, 'g', -1, 64),
		start, end)
}

// Exists reports whether a reconstruction for runID has been written.
func Exists(baseDir, runID string) (bool, error) {
	_, err := os.Stat(filepath.Join(baseDir, runID, timeseriesFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func WriteReconstruction(baseDir string, r Reconstruction) (string, error) {
	if strings.TrimSpace(r.Config.RunID) == "" {
		return "", fmt.Errorf("run id is required")
	}
	if r.Timeseries == nil {
		return "", fmt.Errorf("timeseries is required")
	}
	if _, c := r.Timeseries.Dims(); c != len(r.Labels) {
		return "", fmt.Errorf("label count mismatch: got=%d want=%d", len(r.Labels), c)
	}

	runDir := filepath.Join(baseDir, r.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, configFile), r.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, labelsFile), map[string]any{"kind": r.Kind, "labels": r.Labels}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, locationsFile), r.Locations); err != nil {
		return "", err
	}
	// timeseries goes last: Exists keys off it.
	if err := writeTimeseries(filepath.Join(runDir, timeseriesFile), r.Timeseries); err != nil {
		return "", err
	}
	return runDir, nil
}

func ReadReconstruction(baseDir, runID string) (Reconstruction, bool, error) {
	runDir := filepath.Join(baseDir, runID)
	var out Reconstruction
	ok, err := readJSON(filepath.Join(runDir, configFile), &out.Config)
	if err != nil || !ok {
		return Reconstruction{}, false, err
	}
	var labels struct {
		Kind   string   `json:"kind"`
		Labels []string `json:"labels"`
	}
	if _, err := readJSON(filepath.Join(runDir, labelsFile), &labels); err != nil {
		return Reconstruction{}, false, err
	}
	out.Kind = labels.Kind
	out.Labels = labels.Labels
	if _, err := readJSON(filepath.Join(runDir, locationsFile), &out.Locations); err != nil {
		return Reconstruction{}, false, err
	}
	ts, err := readTimeseries(filepath.Join(runDir, timeseriesFile))
	if err != nil {
		return Reconstruction{}, false, err
	}
	out.Timeseries = ts
	return out, true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	var entries []RunIndexEntry
	ok, err := readJSON(filepath.Join(baseDir, runIndexFile), &entries)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []RunIndexEntry{}, nil
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// WriteMatrixCSV writes m as headerless CSV rows. Used for estimate exports.
func WriteMatrixCSV(w io.Writer, m mat.Matrix) error {
	writer := csv.NewWriter(w)
	r, c := m.Dims()
	record := make([]string, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			record[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeTimeseries(path string, m mat.Matrix) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, c := m.Dims()
	header := make([]string, c)
	for j := range header {
		header[j] = "ch" + strconv.Itoa(j)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	if err := WriteMatrixCSV(file, m); err != nil {
		return err
	}
	return file.Sync()
}

func readTimeseries(path string) (*mat.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("timeseries header: %w", err)
	}
	cols := len(header)
	var data []float64
	rows := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != cols {
			return nil, fmt.Errorf("timeseries row %d: got %d columns want %d", rows+1, len(record), cols)
		}
		for _, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("timeseries row %d: %w", rows+1, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if rows == 0 {
		return nil, fmt.Errorf("timeseries has no rows")
	}
	return mat.NewDense(rows, cols, data), nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, into any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '-'
		}
		return r
	}, id)
}
