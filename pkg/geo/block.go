package geo

// Block is a rectangular group of adjacent grid cells fetched as one
// provider request. Fetch granularity may be a block; storage
// granularity is always a single cell.
type Block struct {
	West   int
	South  int
	Width  int // cells east-west
	Height int // cells north-south
	Res    ResolutionClass
}

// BlockOf returns the 1x1 block holding a single cell.
func BlockOf(c CellID) Block {
	return Block{West: c.Lon, South: c.Lat, Width: 1, Height: 1, Res: c.Res}
}

// Bounds returns the geographic bounds of the block.
func (b Block) Bounds() Bounds {
	return Bounds{
		West:  float64(b.West),
		South: float64(b.South),
		East:  float64(b.West + b.Width),
		North: float64(b.South + b.Height),
	}
}

// Cells enumerates the block's cells, south-to-north then west-to-east.
func (b Block) Cells() []CellID {
	cells := make([]CellID, 0, b.Width*b.Height)
	for lat := b.South; lat < b.South+b.Height; lat++ {
		for lon := b.West; lon < b.West+b.Width; lon++ {
			cells = append(cells, CellID{Lat: lat, Lon: lon, Res: b.Res})
		}
	}
	return cells
}

// CellCount returns the number of cells in the block.
func (b Block) CellCount() int { return b.Width * b.Height }

// PartitionBlocks groups cells into rectangular blocks no larger than
// maxSide cells per axis. Cells are grouped row-major; non-adjacent
// cells end up in their own blocks. With maxSide <= 1 every cell is its
// own block.
func PartitionBlocks(cells []CellID, maxSide int) []Block {
	if maxSide <= 1 {
		blocks := make([]Block, len(cells))
		for i, c := range cells {
			blocks[i] = BlockOf(c)
		}
		return blocks
	}

	remaining := make(map[CellID]bool, len(cells))
	for _, c := range cells {
		remaining[c] = true
	}

	var blocks []Block
	for _, seed := range cells {
		if !remaining[seed] {
			continue
		}
		// Grow east then north while all covered cells are pending.
		w, h := 1, 1
		for w < maxSide && allPending(remaining, seed, w+1, h) {
			w++
		}
		for h < maxSide && allPending(remaining, seed, w, h+1) {
			h++
		}
		b := Block{West: seed.Lon, South: seed.Lat, Width: w, Height: h, Res: seed.Res}
		for _, c := range b.Cells() {
			delete(remaining, c)
		}
		blocks = append(blocks, b)
	}
	return blocks
}

func allPending(remaining map[CellID]bool, seed CellID, w, h int) bool {
	for lat := seed.Lat; lat < seed.Lat+h; lat++ {
		for lon := seed.Lon; lon < seed.Lon+w; lon++ {
			if !remaining[CellID{Lat: lat, Lon: lon, Res: seed.Res}] {
				return false
			}
		}
	}
	return true
}
