package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"brainfill/internal/brain"
	"brainfill/internal/locs"
)

// SubjectFiles names the CSV inputs for one recording. Sessions is optional.
type SubjectFiles struct {
	Timeseries  string
	Locations   string
	Sessions    string
	SampleRates []float64
	Meta        map[string]any
}

// LoadSubject reads the files and builds a recording.
func LoadSubject(files SubjectFiles) (*brain.Subject, error) {
	if strings.TrimSpace(files.Timeseries) == "" || strings.TrimSpace(files.Locations) == "" {
		return nil, fmt.Errorf("timeseries and locations paths are required")
	}

	var data *mat.Dense
	if err := withFile(files.Timeseries, func(r io.Reader) (err error) {
		data, err = ReadTimeseries(r)
		return err
	}); err != nil {
		return nil, err
	}
	var set locs.Set
	if err := withFile(files.Locations, func(r io.Reader) (err error) {
		set, err = ReadLocations(r)
		return err
	}); err != nil {
		return nil, err
	}

	opts := []brain.Option{brain.WithMeta(files.Meta)}
	if strings.TrimSpace(files.Sessions) != "" {
		var sessions []int
		if err := withFile(files.Sessions, func(r io.Reader) (err error) {
			sessions, err = ReadSessions(r)
			return err
		}); err != nil {
			return nil, err
		}
		opts = append(opts, brain.WithSessions(sessions))
	}
	if len(files.SampleRates) > 0 {
		opts = append(opts, brain.WithSampleRates(files.SampleRates...))
	}
	return brain.New(data, set, opts...)
}

// ReadTimeseries reads a samples × channels matrix. A non-numeric first row
// is treated as a header.
func ReadTimeseries(in io.Reader) (*mat.Dense, error) {
	rows, err := readNumeric(in, "timeseries", 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("timeseries has no rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for _, row := range rows {
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// ReadLocations reads one x,y,z row per electrode.
func ReadLocations(in io.Reader) (locs.Set, error) {
	rows, err := readNumeric(in, "locations", 3)
	if err != nil {
		return nil, err
	}
	out := make(locs.Set, len(rows))
	for i, row := range rows {
		out[i] = locs.Location{X: row[0], Y: row[1], Z: row[2]}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadSessions reads one integer session id per sample.
func ReadSessions(in io.Reader) ([]int, error) {
	rows, err := readNumeric(in, "sessions", 1)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(rows))
	for i, row := range rows {
		id := int(row[0])
		if float64(id) != row[0] {
			return nil, fmt.Errorf("parse sessions row %d: %v is not an integer", i+1, row[0])
		}
		out[i] = id
	}
	return out, nil
}

func readNumeric(in io.Reader, what string, width int) ([][]float64, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]float64
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s csv: %w", what, err)
		}
		line++
		if blankRecord(record) {
			continue
		}
		row, err := parseRow(record)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("parse %s row %d: %w", what, line, err)
		}
		if width == 0 && len(rows) > 0 {
			width = len(rows[0])
		}
		if width > 0 && len(row) != width {
			return nil, fmt.Errorf("parse %s row %d: got %d columns want %d", what, line, len(row), width)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(record []string) ([]float64, error) {
	row := make([]float64, len(record))
	for i, raw := range record {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		row[i] = v
	}
	return row, nil
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func withFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fn(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
