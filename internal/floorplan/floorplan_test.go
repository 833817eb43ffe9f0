package floorplan

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/grid"
	"github.com/banshee-data/beacon.report/internal/monitoring"
)

func blank(t *testing.T) []byte {
	t.Helper()
	img, err := Blank(40, 32)
	require.NoError(t, err)
	return img
}

func TestWriteRead_RoundTrip(t *testing.T) {
	md := Metadata{
		Width:    "10",
		Height:   "8",
		GridSize: "0.5",
		Beacons:  map[string]grid.Coord{"A": {Row: 2, Col: 3}, "B": {Row: 5, Col: 1}},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, blank(t), md))

	got, img, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	if diff := cmp.Diff(md, got); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}

	w, h, err := Size(img)
	require.NoError(t, err)
	assert.Equal(t, 40, w)
	assert.Equal(t, 32, h)

	// rewriting replaces rather than duplicates the text chunks
	md.GridSize = "1"
	var again bytes.Buffer
	require.NoError(t, Write(&again, img, md))
	encoded := again.Bytes()
	got, _, err = Read(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, "1", got.GridSize)
	assert.Equal(t, 1, bytes.Count(encoded, []byte("grid_size\x00")))
}

func TestWriteRead_LiteralTextPreserved(t *testing.T) {
	md := Metadata{Width: " 10.50", Height: "8e0", GridSize: "abc"}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, blank(t), md))
	got, _, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, " 10.50", got.Width)
	assert.Equal(t, "8e0", got.Height)
	assert.Equal(t, "abc", got.GridSize)
	assert.Empty(t, got.Beacons)
}

func TestRead_RequiresWidthAndHeight(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, blank(t), Metadata{Width: "10"}))
	_, _, err := Read(&buf)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestRead_NotPNG(t *testing.T) {
	_, _, err := Read(strings.NewReader("GIF89a"))
	assert.ErrorIs(t, err, ErrNotPNG)

	img := blank(t)
	img[len(img)-5] ^= 0xff // corrupt IEND checksum
	_, _, err = Read(bytes.NewReader(img))
	assert.ErrorIs(t, err, ErrNotPNG)
}

func TestRead_UnknownKeysIgnored(t *testing.T) {
	var logs []string
	t.Cleanup(monitoring.SetLogger(func(format string, v ...interface{}) {
		logs = append(logs, format)
	}))

	img := blank(t)
	var withExtra bytes.Buffer
	withExtra.Write(img[:33]) // signature + IHDR
	require.NoError(t, writeChunk(&withExtra, "tEXt", textChunk("Software", "paint")))
	withExtra.Write(img[33:])

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, withExtra.Bytes(), Metadata{Width: "1", Height: "1"}))
	_, _, err := Read(&buf)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestUnmarshalBeacons(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[string]grid.Coord
		wantErr bool
	}{
		{"empty", "", map[string]grid.Coord{}, false},
		{"ok", `{"A":[2,3],"B":[0,0]}`, map[string]grid.Coord{"A": {Row: 2, Col: 3}, "B": {Row: 0, Col: 0}}, false},
		{"python literal", `{'A': (2, 3)}`, nil, true},
		{"code", `__import__('os').system('rm -rf /')`, nil, true},
		{"three values", `{"A":[1,2,3]}`, nil, true},
		{"negative", `{"A":[-1,2]}`, nil, true},
		{"fraction", `{"A":[1.5,2]}`, nil, true},
		{"string index", `{"A":["1",2]}`, nil, true},
		{"string col", `{"A":[1,"2"]}`, nil, true},
		{"null index", `{"A":[null,2]}`, nil, true},
		{"null position", `{"A":null}`, nil, true},
		{"empty id", `{" ":[1,2]}`, nil, true},
		{"shared cell", `{"A":[1,2],"B":[1,2]}`, nil, true},
		{"not an object", `[[1,2]]`, nil, true},
		{"trailing", `{"A":[1,2]} {}`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalBeacons(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidMetadata), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMarshalBeacons_Sorted(t *testing.T) {
	s, err := MarshalBeacons(map[string]grid.Coord{"b": {Row: 5, Col: 1}, "a": {Row: 2, Col: 3}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[2,3],"b":[5,1]}`, s)
}
