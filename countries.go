package revgeo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/biter777/countries"
)

// CountryCatalog maps ISO 3166-1 alpha-2 country codes to country names.
// Immutable after load.
type CountryCatalog struct {
	names map[string]string
}

// loadCountryCatalog reads a headerless two-column CSV of
// country_code,country_name rows.
func loadCountryCatalog(path string) (*CountryCatalog, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening countries %s: %w", path, err)
	}
	defer fi.Close()

	names := make(map[string]string)
	r := csv.NewReader(fi)
	r.FieldsPerRecord = 2
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Input: path, Err: err}
		}
		names[row[0]] = row[1]
	}
	return &CountryCatalog{names: names}, nil
}

// Name returns the country name for a code, or the empty string when the
// code is unknown. An unknown code is not an error.
func (c *CountryCatalog) Name(code string) string {
	return c.names[code]
}

// Len returns the number of catalog entries.
func (c *CountryCatalog) Len() int {
	return len(c.names)
}

// writeCountryCatalog materializes the country reference file from the
// embedded ISO 3166 table, sorted by code for deterministic output.
func writeCountryCatalog(path string) error {
	rows := make([][]string, 0, len(countries.All()))
	for _, cc := range countries.All() {
		code := cc.Alpha2()
		if len(code) != 2 {
			continue
		}
		rows = append(rows, []string{code, cc.Info().Name})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating countries %s: %w", path, err)
	}

	w := csv.NewWriter(out)
	if err := w.WriteAll(rows); err != nil {
		out.Close()
		return fmt.Errorf("writing countries %s: %w", path, err)
	}
	return out.Close()
}
