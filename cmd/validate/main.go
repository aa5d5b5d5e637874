// Command validate checks the inputs and output of a run for integrity before
// they are trusted: the registry CSV, a statistics payload fixture, and a
// dataset exported from the facade. It verifies required fields, key
// uniqueness, coercibility of every statistic, projected anchors, and
// cross-source consistency.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -registry data/mock/target_cities.csv \
//	  -stats-json data/mock/comuni.json \
//	  -cities-json cities.json
package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/idrogeo"
	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
)

// Bounding box of Italy, with margin, for projected anchors.
const (
	minLat, maxLat = 35.0, 48.0
	minLon, maxLon = 6.0, 19.0
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	registryPath := flag.String("registry", "", "path to the registry CSV")
	statsJSON := flag.String("stats-json", "", "optional path to a /comuni array payload")
	citiesJSON := flag.String("cities-json", "", "optional path to a GET /cities response")
	flag.Parse()

	if *registryPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*registryPath, *statsJSON, *citiesJSON); code != 0 {
		os.Exit(code)
	}
}

func run(registryPath, statsPath, citiesPath string) int {
	fmt.Println("=== Comuni Data Integrity Validation ===")
	fmt.Println()

	rows, err := loadCSV(registryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load registry: %v\n", err)
		return 1
	}

	phases := []*phase{validateRegistry(rows)}
	var stats []*domain.StatisticsRecord
	if statsPath != "" {
		stats, err = loadStats(statsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load statistics: %v\n", err)
			return 1
		}
		phases = append(phases, validateStatistics(stats, rows))
	}

	var cities []domain.IntegratedRecord
	if citiesPath != "" {
		cities, err = loadJSON[domain.IntegratedRecord](citiesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load cities: %v\n", err)
			return 1
		}
		phases = append(phases, validateDataset(cities, rows))
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d registry rows, %d statistics payloads, %d dataset rows\n",
		len(rows), len(stats), len(cities))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

// csvRow is a parsed CSV row with field values keyed by header name.
type csvRow struct {
	lineNum int
	fields  map[string]string
}

func (r csvRow) uid() (int64, error) {
	return strconv.ParseInt(r.fields["uid"], 10, 64)
}

func loadCSV(path string) ([]csvRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(all) < 2 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}

	header := all[0]
	rows := make([]csvRow, 0, len(all)-1)
	for i, row := range all[1:] {
		fields := make(map[string]string, len(header))
		for j, h := range header {
			if j < len(row) {
				fields[strings.TrimSpace(h)] = strings.TrimSpace(row[j])
			}
		}
		rows = append(rows, csvRow{lineNum: i + 2, fields: fields})
	}
	return rows, nil
}

func loadStats(path string) ([]*domain.StatisticsRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return idrogeo.ParseList(data, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func loadJSON[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ── Phase 1: registry ──

func validateRegistry(rows []csvRow) *phase {
	p := &phase{name: "Registry integrity"}

	uids := make(map[int64]int)
	names := make(map[string]int)
	for _, r := range rows {
		name := r.fields["name"]
		if name == "" {
			p.errorf("line %d: empty name", r.lineNum)
		} else if prev, dup := names[name]; dup {
			// Coordinates join on name, so two uids sharing a name get the
			// same position.
			p.errorf("line %d: name %q already used on line %d", r.lineNum, name, prev)
		} else {
			names[name] = r.lineNum
		}

		uid, err := r.uid()
		if err != nil {
			p.errorf("line %d: uid %q is not an integer", r.lineNum, r.fields["uid"])
		} else if prev, dup := uids[uid]; dup {
			p.errorf("line %d: uid %d already used on line %d", r.lineNum, uid, prev)
		} else {
			uids[uid] = r.lineNum
		}

		checkProjected(p, r)
	}
	return p
}

func checkProjected(p *phase, r csvRow) {
	e, n, z := r.fields["easting"], r.fields["northing"], r.fields["zone"]
	set := 0
	for _, v := range []string{e, n, z} {
		if v != "" {
			set++
		}
	}
	if set == 0 {
		return
	}
	if set != 3 {
		p.errorf("line %d: easting, northing and zone must be given together", r.lineNum)
		return
	}

	easting, errE := strconv.ParseFloat(e, 64)
	northing, errN := strconv.ParseFloat(n, 64)
	zone, errZ := strconv.Atoi(z)
	if err := errors.Join(errE, errN, errZ); err != nil {
		p.errorf("line %d: projected anchor: %v", r.lineNum, err)
		return
	}
	north := !strings.EqualFold(r.fields["hemisphere"], "S")

	lat, lon, err := domain.ProjectedToGeographic(easting, northing, zone, north, domain.WGS84)
	if err != nil {
		p.errorf("line %d: %v", r.lineNum, err)
		return
	}
	if lat < minLat || lat > maxLat || lon < minLon || lon > maxLon {
		p.errorf("line %d: projected anchor resolves to (%.4f, %.4f), outside Italy", r.lineNum, lat, lon)
	}
}

// ── Phase 2: statistics payloads ──

func validateStatistics(stats []*domain.StatisticsRecord, rows []csvRow) *phase {
	p := &phase{name: "Statistics payload coercion"}

	seen := make(map[int64]bool, len(stats))
	for i, rec := range stats {
		if !rec.HasUID {
			p.errorf("payload %d: missing uid", i)
			continue
		}
		if seen[rec.UID] {
			p.errorf("payload %d: duplicate uid %d", i, rec.UID)
		}
		seen[rec.UID] = true

		// Integrate one record at a time to report every coercion failure
		// rather than the first.
		entry := domain.RegistryEntry{Name: fmt.Sprint(rec.UID), UID: rec.UID}
		_, err := domain.Integrate([]domain.RegistryEntry{entry}, nil, []*domain.StatisticsRecord{rec},
			slog.New(slog.NewTextHandler(io.Discard, nil)))
		var ce *domain.CoercionError
		if errors.As(err, &ce) {
			p.errorf("payload %d: %v", i, ce)
		}
	}

	for _, r := range rows {
		uid, err := r.uid()
		if err == nil && !seen[uid] {
			p.errorf("registry uid %d (%s) has no statistics payload", uid, r.fields["name"])
		}
	}
	return p
}

// ── Phase 3: dataset ──

func validateDataset(cities []domain.IntegratedRecord, rows []csvRow) *phase {
	p := &phase{name: "Dataset schema alignment"}

	registered := make(map[int64]string, len(rows))
	for _, r := range rows {
		if uid, err := r.uid(); err == nil {
			registered[uid] = r.fields["name"]
		}
	}

	seen := make(map[int64]bool, len(cities))
	for i := range cities {
		c := &cities[i]
		if seen[c.UID] {
			p.errorf("row %d: duplicate uid %d", i, c.UID)
		}
		seen[c.UID] = true

		name, ok := registered[c.UID]
		if !ok {
			p.errorf("row %d: uid %d is not in the registry", i, c.UID)
		} else if name != c.Name {
			p.errorf("row %d: uid %d named %q, registry says %q", i, c.UID, c.Name, name)
		}

		if (c.Lat == nil) != (c.Geometry == nil) || (c.Lon == nil) != (c.Geometry == nil) {
			p.errorf("row %d: geometry must be null exactly when lat/lon are null", i)
			continue
		}
		if c.Geometry != nil && (c.Geometry.X() != *c.Lon || c.Geometry.Y() != *c.Lat) {
			p.errorf("row %d: geometry (%v, %v) does not match lon/lat (%v, %v)",
				i, c.Geometry.X(), c.Geometry.Y(), *c.Lon, *c.Lat)
		}
		for col, v := range statValues(c) {
			if v < 0 {
				p.errorf("row %d: %s is negative (%v)", i, col, v)
			}
		}
	}
	return p
}

func statValues(c *domain.IntegratedRecord) map[string]float64 {
	cols := domain.StatisticColumns()
	vals := domain.StatisticValues(c)
	out := make(map[string]float64, len(cols))
	for i, col := range cols {
		out[col] = vals[i]
	}
	return out
}
