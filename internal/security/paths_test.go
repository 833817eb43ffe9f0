package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	require.NoError(t, os.MkdirAll(safeDir, 0755))
	require.NoError(t, os.MkdirAll(unsafeDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(unsafeDir, "secret.txt"), []byte("secret"), 0644))
	require.NoError(t, os.Symlink(unsafeDir, filepath.Join(safeDir, "evil-symlink")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(safeDir, "replay.txt"), false},
		{"nested new file", filepath.Join(safeDir, "a", "b", "replay.txt"), false},
		{"dot dot", filepath.Join(safeDir, "..", "unsafe", "secret.txt"), true},
		{"relative escape", "../../../etc/passwd", true},
		{"symlinked file", filepath.Join(safeDir, "evil-symlink", "secret.txt"), true},
		{"new file under symlink", filepath.Join(safeDir, "evil-symlink", "new.txt"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safeDir)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOutsideAllowedDirs)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	assert.NoError(t, ValidatePathWithinAllowedDirs(filepath.Join(b, "x"), []string{a, b}))
	assert.ErrorIs(t, ValidatePathWithinAllowedDirs("/etc/hosts", []string{a, b}), ErrOutsideAllowedDirs)
	assert.ErrorIs(t, ValidatePathWithinAllowedDirs(filepath.Join(a, "x"), nil), ErrOutsideAllowedDirs)
}

func TestReadFileWithin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay.txt")
	require.NoError(t, os.WriteFile(path, []byte("A:1\nB:2\n"), 0644))

	b, err := ReadFileWithin(path, []string{dir}, 64)
	require.NoError(t, err)
	assert.Equal(t, "A:1\nB:2\n", string(b))

	_, err = ReadFileWithin(path, []string{dir}, 4)
	assert.ErrorContains(t, err, "larger than")

	_, err = ReadFileWithin(path, []string{t.TempDir()}, 64)
	assert.ErrorIs(t, err, ErrOutsideAllowedDirs)

	_, err = ReadFileWithin(filepath.Join(dir, "missing.txt"), []string{dir}, 64)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                "unknown",
		"Lobby Floor/1":   "Lobby_Floor_1",
		"../..":           "unknown",
		"level-2.png":     "level-2.png",
		"a  //  b":        "a_b",
		"__hidden__":      "hidden",
		"émoji 🛰 beacon": "moji_beacon",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}
