package revgeo

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Fixture dataset used across the test suite. Coordinates are real city
// centers so distance expectations stay intuitive.
var fixtureCacheRows = []string{
	"55.75222,37.61556,RU,Moscow",
	"31.769,35.21633,IL,Jerusalem",
	"48.85341,2.3488,FR,Paris",
	"40.71427,-74.00597,US,New York City",
	"51.50853,-0.12574,GB,London",
	"-33.86785,151.20732,AU,Sydney",
	"0.0,0.0,XX,Null Island",
}

var fixtureCountryRows = []string{
	"AU,Australia",
	"FR,France",
	"GB,United Kingdom",
	"IL,Israel",
	"RU,Russia",
	"US,United States",
}

// writeFixtureFiles populates dir with a compact cache and a country
// reference file so a Geocoder can be built without touching the network.
func writeFixtureFiles(dir string) error {
	cache := strings.Join(fixtureCacheRows, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, cacheFilename), []byte(cache), 0644); err != nil {
		return err
	}
	countries := strings.Join(fixtureCountryRows, "\n") + "\n"
	return os.WriteFile(filepath.Join(dir, countryFilename), []byte(countries), 0644)
}

// newFixtureGeocoder builds a Geocoder backed by the fixture dataset in a
// temporary directory.
func newFixtureGeocoder(tb testing.TB) *Geocoder {
	tb.Helper()
	dir := tb.TempDir()
	if err := writeFixtureFiles(dir); err != nil {
		tb.Fatalf("writing fixtures: %v", err)
	}
	g, err := New(WithDataDir(dir), WithCacheDir(dir))
	if err != nil {
		tb.Fatalf("New() error: %v", err)
	}
	return g
}

// dumpRow builds one geonames-format row: 19 tab-separated fields with the
// columns the pipeline reads filled in.
func dumpRow(name, lat, lng, featureCode, countryCode, admin1 string) string {
	fields := make([]string, geonamesFieldCount)
	fields[0] = "1000000"
	fields[colCity] = name
	fields[2] = name
	fields[colLat] = lat
	fields[colLng] = lng
	fields[6] = "P"
	fields[colFeature] = featureCode
	fields[colCountry] = countryCode
	fields[colAdmin1] = admin1
	fields[14] = "100000"
	fields[17] = "Etc/UTC"
	fields[18] = "2024-01-01"
	return strings.Join(fields, "\t")
}

// writeFixtureDump writes a synthetic cities1000.txt into the data dir and a
// countries.csv into the cache dir, the state New sees on a first run with a
// pre-fetched dump.
func writeFixtureDump(tb testing.TB, dataDir, cacheDir string, rows []string) {
	tb.Helper()
	dump := strings.Join(rows, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dataDir, geonamesFilename), []byte(dump), 0644); err != nil {
		tb.Fatalf("writing dump: %v", err)
	}
	countries := strings.Join(fixtureCountryRows, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(cacheDir, countryFilename), []byte(countries), 0644); err != nil {
		tb.Fatalf("writing countries: %v", err)
	}
}

// writeZip creates a zip archive at path containing the given entries.
func writeZip(tb testing.TB, path string, entries map[string]string) {
	tb.Helper()
	out, err := os.Create(path)
	if err != nil {
		tb.Fatalf("creating archive: %v", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			tb.Fatalf("adding %s to archive: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			tb.Fatalf("writing %s to archive: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("closing archive: %v", err)
	}
}

// coordAt is a shorthand for building query coordinates in tests.
func coordAt(lat, lng float64) Coordinate {
	return Coordinate{Lat: lat, Lng: lng}
}
