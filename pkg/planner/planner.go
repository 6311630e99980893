// Package planner picks the source resolution class a region needs for
// a target output size.
package planner

import (
	"fmt"

	"github.com/relieflab/demflow/pkg/geo"
	"github.com/relieflab/demflow/pkg/source"
)

// MinOversampling is the sampling-sufficiency bound: the source must
// resolve at least twice as fine as one output pixel to avoid aliasing
// when downsampling.
const MinOversampling = 2.0

// ResolutionUnavailableError reports that no registered source offers a
// sufficient resolution class for the region.
type ResolutionUnavailableError struct {
	Bounds       geo.Bounds
	TargetPixels int
	MetersPerPix float64
}

func (e *ResolutionUnavailableError) Error() string {
	return fmt.Sprintf("no source resolution satisfies %.0f m/pixel over %v (need <= %.0f m and coverage at this latitude)",
		e.MetersPerPix, e.Bounds, e.MetersPerPix/MinOversampling)
}

// Planner selects resolution classes against a source registry.
type Planner struct {
	registry *source.Registry
}

// New builds a planner over the registry.
func New(reg *source.Registry) *Planner {
	return &Planner{registry: reg}
}

// Plan returns the coarsest resolution class that still oversamples the
// target output by MinOversampling and is served by at least one source
// covering the region's latitude band. Among sufficient classes the
// coarsest (cheapest) wins; a finer class is never picked for quality.
func (p *Planner) Plan(bounds geo.Bounds, targetPixels int) (geo.ResolutionClass, error) {
	if !bounds.Valid() {
		return "", fmt.Errorf("plan: invalid bounds %v", bounds)
	}
	if targetPixels <= 0 {
		return "", fmt.Errorf("plan: target pixels must be positive, got %d", targetPixels)
	}

	metersPerPixel := bounds.SpanMeters() / float64(targetPixels)

	// Classes are ordered finest to coarsest; walk from the coarse end.
	for i := len(geo.Classes) - 1; i >= 0; i-- {
		class := geo.Classes[i]
		if class.Meters()*MinOversampling > metersPerPixel {
			continue
		}
		if !p.registry.HasResolution(class, bounds) {
			continue
		}
		return class, nil
	}
	return "", &ResolutionUnavailableError{Bounds: bounds, TargetPixels: targetPixels, MetersPerPix: metersPerPixel}
}
