// Command update-cache regenerates the compact geocode cache from the raw
// geonames dump.
//
// Usage:
//
//	go run ./cmd/update-cache
//
// The existing cache in ./geocode-cache/ is discarded and rebuilt, fetching
// a fresh cities1000 dump into ./geocode-data/ if none is present. A missing
// countries.csv is generated from the built-in ISO table.
package main

import (
	"fmt"
	"os"

	revgeo "github.com/protyom/reverse-geocode"
)

func main() {
	fmt.Println("Regenerating geocode cache from the geonames dump...")

	if err := revgeo.RegenerateCache(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	g, err := revgeo.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: rebuilt cache failed to load: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Cache regenerated successfully: %d places.\n", g.Records())
}
