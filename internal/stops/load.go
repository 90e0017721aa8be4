package stops

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var requiredColumns = []string{"id", "lat", "lon", "demand", "priority"}

// Load reads stops from a .csv, .json, .yaml or .yml file.
func Load(path string) ([]Stop, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stops: open %s: %w", path, err)
	}
	defer f.Close()

	var out []Stop
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		out, err = ReadCSV(f)
	case ".json":
		err = json.NewDecoder(f).Decode(&out)
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(&out)
	default:
		return nil, fmt.Errorf("stops: unsupported file type %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("stops: read %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("stops: %s has no stops", path)
	}
	return out, nil
}

// ReadCSV parses a header row followed by one stop per row. Columns id, lat,
// lon, demand and priority are required; earliest, latest and service are
// optional and may be left blank.
func ReadCSV(r io.Reader) ([]Stop, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty csv")
		}
		return nil, err
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := col[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}

	var out []Stop
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		s, err := parseRecord(rec, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseRecord(rec []string, col map[string]int) (Stop, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	var (
		s   Stop
		err error
	)
	s.ID = get("id")
	if s.Lat, err = strconv.ParseFloat(get("lat"), 64); err != nil {
		return Stop{}, fmt.Errorf("lat: %w", err)
	}
	if s.Lon, err = strconv.ParseFloat(get("lon"), 64); err != nil {
		return Stop{}, fmt.Errorf("lon: %w", err)
	}
	if s.Demand, err = strconv.Atoi(get("demand")); err != nil {
		return Stop{}, fmt.Errorf("demand: %w", err)
	}
	if s.Priority, err = strconv.Atoi(get("priority")); err != nil {
		return Stop{}, fmt.Errorf("priority: %w", err)
	}
	if s.Earliest, err = optionalFloat(get("earliest")); err != nil {
		return Stop{}, fmt.Errorf("earliest: %w", err)
	}
	if s.Latest, err = optionalFloat(get("latest")); err != nil {
		return Stop{}, fmt.Errorf("latest: %w", err)
	}
	if v := get("service"); v != "" {
		if s.Service, err = strconv.ParseFloat(v, 64); err != nil {
			return Stop{}, fmt.Errorf("service: %w", err)
		}
	}
	return s, nil
}

func optionalFloat(v string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
