package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflab/demflow/pkg/geo"
)

const tableYAML = `
regions:
  utah:
    name: Utah
    class: admin-unit
    bounds: {west: -114.05, south: 36.99, east: -109.04, north: 42.00}
  iceland:
    name: Iceland
    class: country
    bounds: {west: -24.55, south: 63.29, east: -13.49, north: 66.57}
    clip: false
    source_priority: [glo90]
  wasatch:
    name: Wasatch Front
    class: free-area
    bounds: {west: -111.622, south: 40.147, east: -111.090, north: 40.702}
    boundary: wasatch-front
`

func TestParseTable(t *testing.T) {
	tbl, err := Parse([]byte(tableYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"iceland", "utah", "wasatch"}, tbl.IDs())

	utah, err := tbl.Get("utah")
	require.NoError(t, err)
	assert.Equal(t, ClassAdminUnit, utah.Class)
	assert.True(t, utah.ClipRequired, "admin units always clip")
	assert.Equal(t, "utah", utah.BoundaryName)

	iceland, err := tbl.Get("iceland")
	require.NoError(t, err)
	assert.False(t, iceland.ClipRequired)
	assert.Equal(t, []string{"glo90"}, iceland.SourcePriority)

	wasatch, err := tbl.Get("wasatch")
	require.NoError(t, err)
	assert.Equal(t, ClassFreeArea, wasatch.Class)
	assert.False(t, wasatch.ClipRequired, "free areas default to unclipped")
	assert.Equal(t, "wasatch-front", wasatch.BoundaryName)
	assert.Equal(t, geo.Bounds{West: -111.622, South: 40.147, East: -111.090, North: 40.702}, wasatch.Bounds)
}

func TestUnknownRegionClassIsFatal(t *testing.T) {
	_, err := Parse([]byte(`
regions:
  mars:
    name: Mars
    class: planet
    bounds: {west: 0, south: 0, east: 1, north: 1}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown region class")
}

func TestAdminUnitCannotOptOutOfClipping(t *testing.T) {
	_, err := Parse([]byte(`
regions:
  utah:
    name: Utah
    class: admin-unit
    clip: false
    bounds: {west: -114, south: 37, east: -109, north: 42}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require clipping")
}

func TestUnknownRegionLookup(t *testing.T) {
	tbl, err := Parse([]byte(tableYAML))
	require.NoError(t, err)

	_, err = tbl.Get("atlantis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown region "atlantis"`)
}

func TestInvalidBoundsRejected(t *testing.T) {
	_, err := Parse([]byte(`
regions:
  backwards:
    name: Backwards
    class: free-area
    bounds: {west: 10, south: 0, east: 5, north: 1}
`))
	assert.Error(t, err)
}
