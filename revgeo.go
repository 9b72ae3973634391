// Package revgeo provides offline reverse geocoding: it maps raw
// (latitude, longitude) coordinates to the nearest known populated place and
// its country.
//
// The place data comes from the geonames cities1000 dump. On first use the
// dump is downloaded, filtered and condensed into a compact CSV cache;
// subsequent runs load the cache directly. Lookups go through a k-d tree
// using planar Euclidean distance over the (latitude, longitude) plane,
// which keeps results identical to the datasets produced by earlier
// deployments of the same pipeline.
//
//	r, err := revgeo.Get(revgeo.Coordinate{Lat: 55.687, Lng: 37.539})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(r.City, r.Country) // Moscow Russia
package revgeo

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/golang/geo/s2"
)

// Cache and reference file names, resolved relative to the configured
// cache directory.
const (
	cacheFilename   = "geocode.csv"
	countryFilename = "countries.csv"
)

// Coordinate is a geographic point in degrees.
type Coordinate struct {
	Lat float64
	Lng float64
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%v, %v)", c.Lat, c.Lng)
}

// GeoRecord is one retained populated place.
type GeoRecord struct {
	CountryCode string // ISO 3166-1 alpha-2
	City        string
}

// QueryResult is a GeoRecord with the country name resolved through the
// country catalog. Country is empty when the code is not in the catalog.
type QueryResult struct {
	City        string `json:"city"`
	CountryCode string `json:"country_code"`
	Country     string `json:"country"`
}

// ParseError reports input that could not be interpreted as geocoding data:
// a malformed cache or dump row, or a query coordinate that is not a real
// number.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse %s: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errInvalidCoordinate = errors.New("coordinate components must be finite numbers")

// Config contains directory locations for a Geocoder.
type Config struct {
	DataDir  string // Raw dump files (default: "./geocode-data")
	CacheDir string // Compact cache and countries.csv (default: "./geocode-cache")
}

// Option is a functional option for configuring a Geocoder.
type Option func(*Config)

// WithDataDir sets the directory for raw data files.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.DataDir = dir
	}
}

// WithCacheDir sets the directory for the compact cache and the country
// reference file.
func WithCacheDir(dir string) Option {
	return func(c *Config) {
		c.CacheDir = dir
	}
}

func defaultConfig() *Config {
	return &Config{
		DataDir:  "./geocode-data",
		CacheDir: "./geocode-cache",
	}
}

// Geocoder resolves coordinates to nearby places. All state is built during
// New and read-only afterwards, so a Geocoder is safe for concurrent use.
type Geocoder struct {
	coords    []Coordinate
	records   []GeoRecord
	index     *SpatialIndex
	countries *CountryCatalog
	config    *Config
}

// New creates a Geocoder with the place dataset loaded into memory.
//
// Options can point an instance at non-default directories, which is how
// tests run against fixture files:
//
//	g, err := revgeo.New(revgeo.WithCacheDir("/fixtures"))
//
// Construction fails outright when the dataset cannot be obtained or parsed;
// there is no partially initialized state.
func New(opts ...Option) (*Geocoder, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	coords, records, err := loadDataset(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading dataset: %w", err)
	}
	index, err := NewSpatialIndex(coords)
	if err != nil {
		return nil, err
	}
	countries, err := loadCountryCatalog(countryPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("loading countries: %w", err)
	}

	return &Geocoder{
		coords:    coords,
		records:   records,
		index:     index,
		countries: countries,
		config:    cfg,
	}, nil
}

// Shared default instance, built at most once.
var (
	defaultGeocoder *Geocoder
	defaultOnce     sync.Once
	defaultErr      error
)

// Default returns a process-wide Geocoder with default directories,
// initializing it on first call. Concurrent first calls block until the one
// construction finishes; every caller then shares the same instance (or the
// same construction error).
func Default() (*Geocoder, error) {
	defaultOnce.Do(func() {
		defaultGeocoder, defaultErr = New()
	})
	return defaultGeocoder, defaultErr
}

// Get returns the closest known place to a coordinate.
func (g *Geocoder) Get(coord Coordinate) (QueryResult, error) {
	results, err := g.Search([]Coordinate{coord})
	if err != nil {
		return QueryResult{}, err
	}
	return results[0], nil
}

// Search returns the closest known place for each coordinate, in input
// order, through a single batched index query. An empty input yields an
// empty result and no error.
func (g *Geocoder) Search(coords []Coordinate) ([]QueryResult, error) {
	if len(coords) == 0 {
		return []QueryResult{}, nil
	}
	positions, err := g.index.Nearest(coords)
	if err != nil {
		logf("unable to parse coordinates %v: %v", coords, err)
		return nil, err
	}
	results := make([]QueryResult, len(positions))
	for i, pos := range positions {
		results[i] = g.resolve(pos)
	}
	return results, nil
}

// earthRadiusKm converts great-circle angles to kilometers.
const earthRadiusKm = 6371.0

// SearchNear behaves like Search but discards matches farther than
// maxDistanceKm from their query point, measured along the great circle.
// Discarded matches become zero QueryResults so output stays index-aligned
// with the input. Nearest-neighbor selection itself remains planar; the
// distance cutoff is the only geodesic step.
func (g *Geocoder) SearchNear(coords []Coordinate, maxDistanceKm float64) ([]QueryResult, error) {
	if len(coords) == 0 {
		return []QueryResult{}, nil
	}
	positions, err := g.index.Nearest(coords)
	if err != nil {
		logf("unable to parse coordinates %v: %v", coords, err)
		return nil, err
	}
	results := make([]QueryResult, len(positions))
	for i, pos := range positions {
		query := s2.LatLngFromDegrees(coords[i].Lat, coords[i].Lng)
		match := s2.LatLngFromDegrees(g.coords[pos].Lat, g.coords[pos].Lng)
		if query.Distance(match).Radians()*earthRadiusKm > maxDistanceKm {
			continue
		}
		results[i] = g.resolve(pos)
	}
	return results, nil
}

// resolve builds the QueryResult for a record position.
func (g *Geocoder) resolve(pos int) QueryResult {
	rec := g.records[pos]
	return QueryResult{
		City:        rec.City,
		CountryCode: rec.CountryCode,
		Country:     g.countries.Name(rec.CountryCode),
	}
}

// Records returns the number of places in the dataset.
func (g *Geocoder) Records() int {
	return len(g.records)
}

// Get resolves a single coordinate against the shared default instance.
func Get(coord Coordinate) (QueryResult, error) {
	g, err := Default()
	if err != nil {
		return QueryResult{}, err
	}
	return g.Get(coord)
}

// Search resolves coordinates against the shared default instance.
func Search(coords []Coordinate) ([]QueryResult, error) {
	g, err := Default()
	if err != nil {
		return nil, err
	}
	return g.Search(coords)
}

func logf(format string, args ...any) {
	log.Printf("revgeo: "+format, args...)
}

func countryPath(cfg *Config) string {
	return cfg.CacheDir + "/" + countryFilename
}
