package revgeo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// SpatialIndex answers nearest-neighbor queries over a fixed coordinate
// sequence. Distances are squared Euclidean on the raw (latitude, longitude)
// plane, not great-circle; the dataset this serves was matched with the same
// planar metric and results must stay byte-compatible with it.
//
// The index is built once and is safe for concurrent queries afterwards.
type SpatialIndex struct {
	tree *kdtree.Tree
	size int
}

// indexPoint is a stored coordinate plus its position in the record sequence.
type indexPoint struct {
	latLng [2]float64
	pos    int
}

// Compare returns the signed distance of p from the plane through c
// perpendicular to dimension d.
func (p indexPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexPoint)
	return p.latLng[d] - q.latLng[d]
}

// Dims returns the number of dimensions (latitude and longitude).
func (p indexPoint) Dims() int { return 2 }

// Distance returns the squared planar Euclidean distance between p and c.
func (p indexPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexPoint)
	dLat := p.latLng[0] - q.latLng[0]
	dLng := p.latLng[1] - q.latLng[1]
	return dLat*dLat + dLng*dLng
}

// indexPoints implements kdtree.Interface for tree construction.
type indexPoints []indexPoint

func (p indexPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexPoints) Len() int                      { return len(p) }
func (p indexPoints) Pivot(d kdtree.Dim) int        { return plane{Dim: d, indexPoints: p}.Pivot() }
func (p indexPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// plane is a helper for partitioning indexPoints along one dimension.
type plane struct {
	kdtree.Dim
	indexPoints
}

func (p plane) Less(i, j int) bool {
	return p.indexPoints[i].latLng[p.Dim] < p.indexPoints[j].latLng[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.indexPoints = p.indexPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.indexPoints[i], p.indexPoints[j] = p.indexPoints[j], p.indexPoints[i]
}

// NewSpatialIndex builds a balanced k-d tree over the coordinate sequence.
// Positions reported by Nearest refer back to indices in coords.
func NewSpatialIndex(coords []Coordinate) (*SpatialIndex, error) {
	if len(coords) == 0 {
		return nil, fmt.Errorf("building spatial index: no coordinates")
	}
	points := make(indexPoints, len(coords))
	for i, c := range coords {
		points[i] = indexPoint{latLng: [2]float64{c.Lat, c.Lng}, pos: i}
	}
	return &SpatialIndex{tree: kdtree.New(points, false), size: len(coords)}, nil
}

// Len returns the number of indexed coordinates.
func (s *SpatialIndex) Len() int { return s.size }

// Nearest returns, for each query coordinate, the position of the closest
// stored coordinate. Results are index-aligned with the queries. A query
// containing NaN or Inf components cannot be matched and yields a ParseError.
func (s *SpatialIndex) Nearest(coords []Coordinate) ([]int, error) {
	positions := make([]int, len(coords))
	for i, c := range coords {
		if !c.finite() {
			return nil, &ParseError{Input: c.String(), Err: errInvalidCoordinate}
		}
		got, _ := s.tree.Nearest(indexPoint{latLng: [2]float64{c.Lat, c.Lng}})
		positions[i] = got.(indexPoint).pos
	}
	return positions, nil
}

// finite reports whether both components are real numbers.
func (c Coordinate) finite() bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) &&
		!math.IsNaN(c.Lng) && !math.IsInf(c.Lng, 0)
}
