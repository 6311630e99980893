package geo

import "fmt"

// ResolutionClass is a discrete source fidelity tier. Classes are
// compared by their nominal ground sample distance in meters.
type ResolutionClass string

const (
	// Res30 is roughly 1 arc-second data (SRTM1, Copernicus GLO-30).
	Res30 ResolutionClass = "30m"

	// Res90 is roughly 3 arc-second data (SRTM3, Copernicus GLO-90).
	Res90 ResolutionClass = "90m"

	// Res250 is coarse global relief data (GMTED-class products).
	Res250 ResolutionClass = "250m"
)

// Classes lists all resolution classes from finest to coarsest.
var Classes = []ResolutionClass{Res30, Res90, Res250}

// Meters returns the nominal ground sample distance of the class.
func (r ResolutionClass) Meters() float64 {
	switch r {
	case Res30:
		return 30
	case Res90:
		return 90
	case Res250:
		return 250
	}
	return 0
}

// SamplesPerDegree returns the per-axis sample count of one 1-degree
// cell at this resolution. Follows the SRTM convention of sharing edge
// rows, so a cell holds (n+1) x (n+1) samples.
func (r ResolutionClass) SamplesPerDegree() int {
	switch r {
	case Res30:
		return 3600
	case Res90:
		return 1200
	case Res250:
		return 400
	}
	return 0
}

// Valid reports whether r names a known class.
func (r ResolutionClass) Valid() bool {
	return r.Meters() > 0
}

// ParseResolution converts a string such as "90m" into a class.
func ParseResolution(s string) (ResolutionClass, error) {
	r := ResolutionClass(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown resolution class: %q", s)
	}
	return r, nil
}
