// Package geofence decides whether tracked vehicles sit inside restricted
// (no-parking) polygons. Everything here is pure and safe for concurrent use.
package geofence

import (
	"math"

	"github.com/Spatial-NVR/ParkWatch/internal/detection"
)

// Point is a pixel coordinate in frame space
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Area is a restricted polygon for one camera. Vertices are ordered and
// describe a simple polygon, convex or concave.
type Area struct {
	ID     string  `json:"id"`
	Points []Point `json:"points"`
}

// Candidate is a vehicle found inside an area during a single frame
type Candidate struct {
	TrackID     int64  `json:"track_id"`
	ClassID     int    `json:"class_id"`
	VehicleType string `json:"vehicle_type"`
	Location    Point  `json:"location"`
	AreaID      string `json:"area_id"`
}

// COCO class ids treated as vehicles. Everything else (person, bicycle, ...) is ignored.
var vehicleClasses = map[int]string{
	2: "car",
	5: "bus",
	7: "truck",
}

// VehicleType returns the vehicle name for a class id
func VehicleType(classID int) (string, bool) {
	name, ok := vehicleClasses[classID]
	return name, ok
}

// edgeEpsilon absorbs float noise when testing whether a point lies on an edge
const edgeEpsilon = 1e-9

// IsInside reports whether p lies strictly inside the polygon. Points on an
// edge or a vertex are outside. Polygons with fewer than three vertices
// contain nothing.
func IsInside(p Point, polygon []Point) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}

	for i := 0; i < n; i++ {
		if onSegment(p, polygon[i], polygon[(i+1)%n]) {
			return false
		}
	}

	// Ray casting
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := polygon[i].X, polygon[i].Y
		xj, yj := polygon[j].X, polygon[j].Y

		if (yi > p.Y) != (yj > p.Y) && p.X < (xj-xi)*(p.Y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}

	return inside
}

func onSegment(p, a, b Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > edgeEpsilon {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-edgeEpsilon && p.X <= math.Max(a.X, b.X)+edgeEpsilon &&
		p.Y >= math.Min(a.Y, b.Y)-edgeEpsilon && p.Y <= math.Max(a.Y, b.Y)+edgeEpsilon
}

// Evaluate tests every vehicle's center against the areas in order. An
// object yields at most one candidate: the first area that contains it.
func Evaluate(objects []detection.TrackedObject, areas []Area) []Candidate {
	if len(areas) == 0 {
		return nil
	}

	var candidates []Candidate
	for _, obj := range objects {
		vehicleType, ok := VehicleType(obj.ClassID)
		if !ok {
			continue
		}

		center := Point{X: obj.CenterX, Y: obj.CenterY}
		for _, area := range areas {
			if IsInside(center, area.Points) {
				candidates = append(candidates, Candidate{
					TrackID:     obj.TrackID,
					ClassID:     obj.ClassID,
					VehicleType: vehicleType,
					Location:    center,
					AreaID:      area.ID,
				})
				break
			}
		}
	}

	return candidates
}
