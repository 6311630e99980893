package source

import (
	"context"

	"github.com/relieflab/demflow/pkg/geo"
)

// Fetcher downloads raw fragment payloads from one source.
//
// Implementations classify transport failures into the sentinel
// taxonomy of this package and are safe for concurrent use. Payload
// validation is the caller's job; a fetcher only moves bytes.
type Fetcher interface {
	// Fetch downloads the fragment covering the block. For sources
	// without block support the block must be a single cell.
	Fetch(ctx context.Context, block geo.Block) ([]byte, error)

	// Source returns the descriptor this fetcher serves.
	Source() Descriptor
}

// Factory builds fetchers for descriptors. The default factory wires
// HTTP and S3 transports; tests substitute fakes.
type Factory func(ctx context.Context, d Descriptor) (Fetcher, error)
