package raster

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/relieflab/demflow/pkg/geo"
)

// File framing for intermediate rasters:
//   - 4-byte magic "DEMR"
//   - JSON header line terminated by '\n'
//   - Width*Height little-endian float32 samples
//
// The header line keeps intermediate artifacts inspectable with head(1)
// while the payload stays compact.

var fileMagic = []byte("DEMR")

type fileHeader struct {
	Width      int                 `json:"width"`
	Height     int                 `json:"height"`
	Bounds     geo.Bounds          `json:"bounds"`
	CRS        string              `json:"crs"`
	Resolution geo.ResolutionClass `json:"resolution,omitempty"`
}

// Write serializes the raster to w.
func Write(w io.Writer, r *Raster) error {
	if len(r.Samples) != r.Width*r.Height {
		return fmt.Errorf("raster write: %d samples, want %d", len(r.Samples), r.Width*r.Height)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(fileMagic); err != nil {
		return err
	}

	hdr, err := json.Marshal(fileHeader{
		Width: r.Width, Height: r.Height, Bounds: r.Bounds, CRS: r.CRS, Resolution: r.Resolution,
	})
	if err != nil {
		return fmt.Errorf("raster write: marshal header: %w", err)
	}
	hdr = append(hdr, '\n')
	if _, err := bw.Write(hdr); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, v := range r.Samples {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Read deserializes a raster written by Write.
func Read(rd io.Reader) (*Raster, error) {
	br := bufio.NewReader(rd)

	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("raster read: magic: %w", err)
	}
	if !bytes.Equal(magic, fileMagic) {
		return nil, fmt.Errorf("raster read: bad magic %q", magic)
	}

	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("raster read: header: %w", err)
	}
	var hdr fileHeader
	if err := json.Unmarshal(line, &hdr); err != nil {
		return nil, fmt.Errorf("raster read: parse header: %w", err)
	}
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return nil, fmt.Errorf("raster read: degenerate dimensions %dx%d", hdr.Width, hdr.Height)
	}

	r := &Raster{
		Width:      hdr.Width,
		Height:     hdr.Height,
		Bounds:     hdr.Bounds,
		CRS:        hdr.CRS,
		Resolution: hdr.Resolution,
		Samples:    make([]float32, hdr.Width*hdr.Height),
	}
	buf := make([]byte, 4)
	for i := range r.Samples {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("raster read: truncated payload at sample %d: %w", i, err)
		}
		r.Samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
	}
	return r, nil
}

// WriteFile writes the raster to path via a temp file and atomic rename
// so concurrent readers never observe a partial raster.
func WriteFile(path string, r *Raster) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".raster.tmp.*")
	if err != nil {
		return fmt.Errorf("raster write: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := Write(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("raster write: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("raster write: rename: %w", err)
	}
	return nil
}

// ReadFile reads a raster file written by WriteFile.
func ReadFile(path string) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}
