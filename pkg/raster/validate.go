package raster

import "fmt"

// Plausible elevation limits in meters. Dead Sea shore to Everest with
// margin; anything outside indicates a corrupt or misdecoded payload.
const (
	MinPlausibleElevation = -500
	MaxPlausibleElevation = 9000
)

// ValidationError reports a raster that violates a pipeline invariant.
// Validation errors are fatal for the current stage and are never
// auto-corrected.
type ValidationError struct {
	Check  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("raster validation failed (%s): %s", e.Check, e.Detail)
}

// ValidateElevationRange rejects rasters whose data cells fall outside
// the plausible elevation envelope.
func ValidateElevationRange(r *Raster) error {
	st := r.Stats()
	if st.NoData == len(r.Samples) {
		return nil // all-void rasters are legal (open ocean)
	}
	if st.Min < MinPlausibleElevation || st.Max > MaxPlausibleElevation {
		return &ValidationError{
			Check:  "elevation-range",
			Detail: fmt.Sprintf("min %.0f, max %.0f outside [%d, %d]", st.Min, st.Max, MinPlausibleElevation, MaxPlausibleElevation),
		}
	}
	return nil
}

// ValidateCRS rejects rasters not tagged with the expected CRS.
func ValidateCRS(r *Raster, want string) error {
	if r.CRS != want {
		return &ValidationError{
			Check:  "crs",
			Detail: fmt.Sprintf("raster CRS is %s, want %s", r.CRS, want),
		}
	}
	return nil
}

// ValidateProjected rejects rasters still in a geographic CRS. Called
// before downsampling: resampling unprojected data distorts silently.
func ValidateProjected(r *Raster) error {
	if r.CRS == CRSGeographic || r.CRS == "" {
		return &ValidationError{
			Check:  "projected-crs",
			Detail: fmt.Sprintf("raster CRS %q is not a projected coordinate system", r.CRS),
		}
	}
	return nil
}
