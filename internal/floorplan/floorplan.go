// Package floorplan reads and writes floorplan PNGs that carry the grid
// parameters and beacon placements in tEXt chunks.
package floorplan

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/beacon.report/internal/grid"
	"github.com/banshee-data/beacon.report/internal/monitoring"
)

// Metadata keys written to the image.
const (
	KeyWidth    = "width"
	KeyHeight   = "height"
	KeyGridSize = "grid_size"
	KeyBeacons  = "beacons"
)

// MaxImageBytes bounds an imported floorplan.
const MaxImageBytes = 32 << 20

var (
	ErrInvalidMetadata = errors.New("invalid floorplan metadata")
	ErrNotPNG          = errors.New("not a PNG image")
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Metadata is the layout state stored alongside the image. Width, Height and
// GridSize are kept exactly as the user typed them.
type Metadata struct {
	Width    string                `json:"width"`
	Height   string                `json:"height"`
	GridSize string                `json:"grid_size"`
	Beacons  map[string]grid.Coord `json:"beacons"`
}

type chunk struct {
	typ  string
	data []byte
}

func readChunks(b []byte) ([]chunk, error) {
	if !bytes.HasPrefix(b, pngSignature) {
		return nil, ErrNotPNG
	}
	b = b[len(pngSignature):]
	var chunks []chunk
	for len(b) > 0 {
		if len(b) < 12 {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrNotPNG)
		}
		n := binary.BigEndian.Uint32(b[:4])
		if uint64(n)+12 > uint64(len(b)) {
			return nil, fmt.Errorf("%w: truncated chunk", ErrNotPNG)
		}
		typ := string(b[4:8])
		data := b[8 : 8+n]
		sum := binary.BigEndian.Uint32(b[8+n : 12+n])
		if crc32.ChecksumIEEE(b[4:8+n]) != sum {
			return nil, fmt.Errorf("%w: bad checksum on %s chunk", ErrNotPNG, typ)
		}
		chunks = append(chunks, chunk{typ: typ, data: data})
		b = b[12+n:]
		if typ == "IEND" {
			break
		}
	}
	if len(chunks) == 0 || chunks[0].typ != "IHDR" {
		return nil, fmt.Errorf("%w: missing IHDR", ErrNotPNG)
	}
	return chunks, nil
}

func writeChunk(w io.Writer, typ string, data []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], typ)
	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	for _, p := range [][]byte{hdr[:], data, sum[:]} {
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func textChunk(key, value string) []byte {
	return append(append([]byte(key), 0), value...)
}

func isMetadataKey(k string) bool {
	switch k {
	case KeyWidth, KeyHeight, KeyGridSize, KeyBeacons:
		return true
	}
	return false
}

// Write copies the PNG in img to w with md stored in tEXt chunks directly
// after IHDR. Metadata chunks already present in img are replaced.
func Write(w io.Writer, img []byte, md Metadata) error {
	chunks, err := readChunks(img)
	if err != nil {
		return err
	}
	beacons, err := MarshalBeacons(md.Beacons)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(pngSignature)
	for i, c := range chunks {
		if c.typ == "tEXt" {
			if k, _, ok := bytes.Cut(c.data, []byte{0}); ok && isMetadataKey(string(k)) {
				continue
			}
		}
		if err := writeChunk(&buf, c.typ, c.data); err != nil {
			return err
		}
		if i == 0 {
			for _, kv := range [][2]string{
				{KeyWidth, md.Width},
				{KeyHeight, md.Height},
				{KeyGridSize, md.GridSize},
				{KeyBeacons, beacons},
			} {
				if err := writeChunk(&buf, "tEXt", textChunk(kv[0], kv[1])); err != nil {
					return err
				}
			}
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// Read parses a floorplan PNG. It returns the metadata and the image bytes
// as read. Width and height are required; a missing grid size is left empty
// for grid.ParseParams to default.
func Read(r io.Reader) (Metadata, []byte, error) {
	img, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return Metadata{}, nil, err
	}
	if len(img) > MaxImageBytes {
		return Metadata{}, nil, fmt.Errorf("floorplan larger than %d bytes", MaxImageBytes)
	}
	chunks, err := readChunks(img)
	if err != nil {
		return Metadata{}, nil, err
	}

	text := make(map[string]string)
	for _, c := range chunks {
		if c.typ != "tEXt" {
			continue
		}
		k, v, ok := bytes.Cut(c.data, []byte{0})
		if !ok {
			continue
		}
		if !isMetadataKey(string(k)) {
			monitoring.Logf("floorplan: ignoring unknown text key %q", k)
			continue
		}
		text[string(k)] = string(v)
	}

	md := Metadata{
		Width:    text[KeyWidth],
		Height:   text[KeyHeight],
		GridSize: text[KeyGridSize],
	}
	if strings.TrimSpace(md.Width) == "" || strings.TrimSpace(md.Height) == "" {
		return Metadata{}, nil, fmt.Errorf("%w: width and height are required", ErrInvalidMetadata)
	}
	if md.Beacons, err = UnmarshalBeacons(text[KeyBeacons]); err != nil {
		return Metadata{}, nil, err
	}
	return md, img, nil
}

// MarshalBeacons encodes beacons as {"id": [row, col], ...} with sorted keys.
func MarshalBeacons(beacons map[string]grid.Coord) (string, error) {
	out := make(map[string][2]int, len(beacons))
	for id, c := range beacons {
		out[id] = [2]int{c.Row, c.Col}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalBeacons parses the beacons field. Each id must be non-empty and
// map to exactly two non-negative integers, and no two ids may share a
// cell. An empty string is an empty registry.
func UnmarshalBeacons(s string) (map[string]grid.Coord, error) {
	beacons := make(map[string]grid.Coord)
	if strings.TrimSpace(s) == "" {
		return beacons, nil
	}
	var raw map[string][]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: beacons: %v", ErrInvalidMetadata, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: beacons: trailing data", ErrInvalidMetadata)
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := make(map[grid.Coord]string, len(raw))
	for _, id := range ids {
		pos := raw[id]
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: empty beacon id", ErrInvalidMetadata)
		}
		if len(pos) != 2 {
			return nil, fmt.Errorf("%w: beacon %q: want [row, col], got %d values", ErrInvalidMetadata, id, len(pos))
		}
		var rc [2]int
		for i, n := range pos {
			// ParseInt rejects quoted, fractional and null values.
			v, err := strconv.ParseInt(string(bytes.TrimSpace(n)), 10, 64)
			if err != nil || v < 0 || v > int64(grid.MaxCells) {
				return nil, fmt.Errorf("%w: beacon %q: invalid index %s", ErrInvalidMetadata, id, n)
			}
			rc[i] = int(v)
		}
		c := grid.Coord{Row: rc[0], Col: rc[1]}
		if other, ok := seen[c]; ok {
			return nil, fmt.Errorf("%w: beacons %q and %q share cell %s", ErrInvalidMetadata, other, id, c)
		}
		seen[c] = id
		beacons[id] = c
	}
	return beacons, nil
}

// Size returns the pixel dimensions of a PNG.
func Size(img []byte) (width, height int, err error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotPNG, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("%w: empty image", ErrNotPNG)
	}
	return cfg.Width, cfg.Height, nil
}

// Blank renders a white canvas, used as the export image when no floorplan
// has been loaded.
func Blank(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
