package revgeo

import (
	"archive/zip"
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	geohash "github.com/TomiHiltunen/geohash-golang"
)

// Geonames "cities with population > 1000" dump. The zip contains a single
// tab-delimited text file with the same base name.
const (
	geonamesURL      = "http://download.geonames.org/export/dump/cities1000.zip"
	geonamesArchive  = "cities1000.zip"
	geonamesFilename = "cities1000.txt"

	// Geonames rows carry a fixed set of tab-separated fields.
	geonamesFieldCount = 19
)

// Field positions within a geonames dump row.
const (
	colCity    = 1
	colLat     = 4
	colLng     = 5
	colFeature = 7
	colCountry = 8
	colAdmin1  = 10
)

// Feature codes for places that duplicate their parent city: sections of
// populated places, third-order administrative seats and historical places.
var excludedFeatureCodes = map[string]bool{
	"PPLX":  true,
	"PPLA3": true,
	"PPLH":  true,
}

const (
	featureCapital = "PPLC"
	moscowAdmin1   = "48"
)

// isMoscowSuburb reports whether a row is a non-capital subdivision of the
// Moscow region. Geonames lists these as separate populated places even
// though they are parts of Moscow proper.
func isMoscowSuburb(admin1, countryCode, featureCode string) bool {
	return admin1 == moscowAdmin1 && countryCode == "RU" && featureCode != featureCapital
}

// downloadMu protects dump downloads and cache generation from racing when
// several instances are constructed concurrently with a missing cache.
var downloadMu sync.Mutex

// httpClient is a shared HTTP client with a request timeout.
var httpClient = &http.Client{
	Timeout: 30 * time.Second,
}

// loadDataset returns the coordinate and record sequences, index-aligned.
// It reads the compact cache when present; otherwise it builds the cache from
// the raw geonames dump, downloading and extracting the dump first if needed.
func loadDataset(cfg *Config) ([]Coordinate, []GeoRecord, error) {
	cachePath := filepath.Join(cfg.CacheDir, cacheFilename)
	if _, err := os.Stat(cachePath); err == nil {
		return readCompactCache(cachePath)
	}
	return buildFromRaw(cfg, cachePath)
}

// readCompactCache parses the compact cache CSV. Rows are
// latitude,longitude,country_code,city with no header, kept in file order.
func readCompactCache(path string) ([]Coordinate, []GeoRecord, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache %s: %w", path, err)
	}
	defer fi.Close()

	var (
		coords  []Coordinate
		records []GeoRecord
	)
	r := csv.NewReader(fi)
	r.FieldsPerRecord = 4
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, &ParseError{Input: path, Err: err}
		}
		coord, err := parseCoordinate(row[0], row[1])
		if err != nil {
			return nil, nil, &ParseError{Input: strings.Join(row, ","), Err: err}
		}
		coords = append(coords, coord)
		records = append(records, GeoRecord{CountryCode: row[2], City: row[3]})
	}
	return coords, records, nil
}

// buildFromRaw parses the raw geonames dump, applies the exclusion filters
// and persists the surviving rows as the compact cache. The downloaded
// archive and the extracted dump are removed afterwards; only the compact
// cache is kept for subsequent runs.
func buildFromRaw(cfg *Config, cachePath string) ([]Coordinate, []GeoRecord, error) {
	downloadMu.Lock()
	defer downloadMu.Unlock()

	rawPath := filepath.Join(cfg.DataDir, geonamesFilename)
	archivePath := filepath.Join(cfg.DataDir, geonamesArchive)
	if _, err := os.Stat(rawPath); err != nil {
		if err := fetchDump(archivePath, rawPath); err != nil {
			return nil, nil, err
		}
	}

	fi, err := os.Open(rawPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening dump %s: %w", rawPath, err)
	}
	defer fi.Close()

	if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return nil, nil, fmt.Errorf("creating cache directory: %w", err)
	}
	out, err := os.Create(cachePath)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cache %s: %w", cachePath, err)
	}

	coords, records, err := filterDump(fi, out)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing cache %s: %w", cachePath, cerr)
	}
	if err != nil {
		os.Remove(cachePath) // don't leave a partial cache behind
		return nil, nil, err
	}

	// Cleanup: the compact cache replaces the raw files. Removing the dump
	// also means a later rebuild fetches fresh data.
	removeIfExists(archivePath)
	removeIfExists(rawPath)

	return coords, records, nil
}

// filterDump reads tab-delimited geonames rows from r, drops the rows the
// dataset should not contain and writes every retained row to the compact
// cache writer in original order.
func filterDump(r io.Reader, cacheOut io.Writer) ([]Coordinate, []GeoRecord, error) {
	var (
		coords  []Coordinate
		records []GeoRecord
	)
	w := csv.NewWriter(cacheOut)
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != geonamesFieldCount {
			return nil, nil, &ParseError{
				Input: fmt.Sprintf("dump line %d", line),
				Err:   fmt.Errorf("got %d fields, want %d", len(fields), geonamesFieldCount),
			}
		}

		lat := fields[colLat]
		lng := fields[colLng]
		countryCode := fields[colCountry]
		if lat == "" || lng == "" || countryCode == "" {
			continue
		}
		featureCode := fields[colFeature]
		if excludedFeatureCodes[featureCode] {
			continue
		}
		if isMoscowSuburb(fields[colAdmin1], countryCode, featureCode) {
			continue
		}

		coord, err := parseCoordinate(lat, lng)
		if err != nil {
			return nil, nil, &ParseError{Input: fmt.Sprintf("dump line %d", line), Err: err}
		}

		// Drop rows that repeat an already retained coordinate pair.
		hash := geohash.Encode(coord.Lat, coord.Lng)
		if seen[hash] {
			continue
		}
		seen[hash] = true

		city := fields[colCity]
		if err := w.Write([]string{lat, lng, countryCode, city}); err != nil {
			return nil, nil, fmt.Errorf("writing cache row: %w", err)
		}
		coords = append(coords, coord)
		records = append(records, GeoRecord{CountryCode: countryCode, City: city})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading dump: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, nil, fmt.Errorf("flushing cache: %w", err)
	}
	return coords, records, nil
}

// fetchDump downloads the geonames archive (unless already present) and
// extracts the dump file out of it. Both failures are fatal; there is no
// retry policy at this layer.
func fetchDump(archivePath, rawPath string) error {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if _, err := os.Stat(archivePath); err != nil {
		if err := downloadFile(geonamesURL, archivePath); err != nil {
			return err
		}
	}
	return extractZipEntry(archivePath, geonamesFilename, rawPath)
}

func downloadFile(url, path string) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}

	success := false
	defer func() {
		out.Close()
		if !success {
			os.Remove(path) // best-effort cleanup of partial file
		}
	}()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing file %s: %w", path, err)
	}
	success = true
	return nil
}

// extractZipEntry copies the named entry from a zip archive to dest.
// An archive without the entry is an error.
func extractZipEntry(archivePath, name, dest string) error {
	rz, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer rz.Close()

	for _, f := range rz.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening %s in archive: %w", name, err)
		}
		defer rc.Close()

		out, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", dest, err)
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			os.Remove(dest)
			return fmt.Errorf("extracting %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("closing file %s: %w", dest, err)
		}
		return nil
	}
	return fmt.Errorf("archive %s: missing entry %s", archivePath, name)
}

func parseCoordinate(lat, lng string) (Coordinate, error) {
	latitude, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("latitude %q: %w", lat, err)
	}
	longitude, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("longitude %q: %w", lng, err)
	}
	return Coordinate{Lat: latitude, Lng: longitude}, nil
}

// RegenerateCache discards the compact cache and rebuilds it from the raw
// geonames dump, downloading fresh data when the dump is absent. The country
// reference file is written from the embedded ISO table if missing.
func RegenerateCache(opts ...Option) error {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	removeIfExists(filepath.Join(cfg.CacheDir, cacheFilename))

	if _, err := os.Stat(countryPath(cfg)); err != nil {
		if err := writeCountryCatalog(countryPath(cfg)); err != nil {
			return fmt.Errorf("writing countries: %w", err)
		}
	}

	_, _, err := loadDataset(cfg)
	return err
}

func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logf("unable to remove %s: %v", path, err)
	}
}
