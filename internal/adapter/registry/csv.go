// Package registry loads the list of target municipalities for a run.
package registry

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/jszwec/csvutil"
)

// row is one CSV line. The projected columns are optional as a group.
type row struct {
	Name       string   `csv:"name"`
	UID        string   `csv:"uid"`
	Easting    *float64 `csv:"easting,omitempty"`
	Northing   *float64 `csv:"northing,omitempty"`
	Zone       *int     `csv:"zone,omitempty"`
	Hemisphere string   `csv:"hemisphere,omitempty"`
}

// LoadCSV reads a registry file. See Decode.
func LoadCSV(path string, logger *slog.Logger) ([]domain.RegistryEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()

	entries, err := Decode(f, logger)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return entries, nil
}

// Decode parses a registry with header name,uid and the optional
// easting,northing,zone,hemisphere columns. An empty name or a non-integer
// uid is an error. Later rows repeating a uid are logged and skipped.
func Decode(r io.Reader, logger *slog.Logger) ([]domain.RegistryEntry, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(cr)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty registry")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := requireColumns(dec.Header(), "name", "uid"); err != nil {
		return nil, err
	}

	var entries []domain.RegistryEntry
	seen := make(map[int64]int)

	for line := 2; ; line++ {
		var rw row
		if err := dec.Decode(&rw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		entry, err := rw.entry()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		if first, dup := seen[entry.UID]; dup {
			logger.Warn("duplicate registry uid, keeping first row",
				"uid", entry.UID, "name", entry.Name, "line", line, "first_line", first)
			continue
		}
		seen[entry.UID] = line
		entries = append(entries, entry)
	}

	return entries, nil
}

func (rw row) entry() (domain.RegistryEntry, error) {
	name := strings.TrimSpace(rw.Name)
	if name == "" {
		return domain.RegistryEntry{}, errors.New("empty name")
	}
	uid, err := strconv.ParseInt(strings.TrimSpace(rw.UID), 10, 64)
	if err != nil {
		return domain.RegistryEntry{}, fmt.Errorf("uid %q is not an integer", rw.UID)
	}

	entry := domain.RegistryEntry{Name: name, UID: uid}

	switch n := countSet(rw.Easting != nil, rw.Northing != nil, rw.Zone != nil); n {
	case 0:
	case 3:
		north, err := parseHemisphere(rw.Hemisphere)
		if err != nil {
			return domain.RegistryEntry{}, err
		}
		entry.Projected = &domain.ProjectedPoint{
			Easting:  *rw.Easting,
			Northing: *rw.Northing,
			Zone:     *rw.Zone,
			North:    north,
		}
	default:
		return domain.RegistryEntry{}, errors.New("easting, northing and zone must be given together")
	}

	return entry, nil
}

func parseHemisphere(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "N":
		return true, nil
	case "S":
		return false, nil
	default:
		return false, fmt.Errorf("hemisphere %q must be N or S", s)
	}
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func requireColumns(header []string, cols ...string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.TrimSpace(h)] = true
	}
	for _, c := range cols {
		if !have[c] {
			return fmt.Errorf("missing %q column", c)
		}
	}
	return nil
}

// CSVSource loads the registry from a file on every call.
type CSVSource struct {
	path   string
	logger *slog.Logger
}

// NewCSVSource creates a file-backed registry source.
func NewCSVSource(path string, logger *slog.Logger) *CSVSource {
	return &CSVSource{path: path, logger: logger}
}

// Load reads the registry file.
func (s *CSVSource) Load(_ context.Context) ([]domain.RegistryEntry, error) {
	return LoadCSV(s.path, s.logger)
}
