package files

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	}
}

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	m := NewMaterializer(filepath.Join(t.TempDir(), "artifacts"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return time.Unix(1700000000, 42) }
	return m
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Retail POS", "Retail_POS"},
		{"kiosk-v1.2_final", "kiosk-v1.2_final"},
		{"a/b\\c:d", "a_b_c_d"},
		{"café", "caf_"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeName(tt.in))
		})
	}
}

func TestMaterialize(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"config.json":     `{"mode":"retail"}`,
		"assets/logo.txt": "logo",
		"assets/deep/x":   "x",
	})
	m := newTestMaterializer(t)

	art, err := m.Materialize(context.Background(), "Retail POS", src)
	require.NoError(t, err)

	assert.Equal(t, "package_Retail_POS_1700000000000000042.zip", art.FileName)
	assert.Equal(t, filepath.Join(m.Dir(), art.FileName), art.Path)

	info, err := os.Stat(art.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), art.Size)

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	sum := blake3.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), art.Checksum)

	zr, err := zip.OpenReader(art.Path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"assets/", "assets/deep/", "assets/deep/x", "assets/logo.txt", "config.json"}, names)

	for _, f := range zr.File {
		if f.Name != "config.json" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, `{"mode":"retail"}`, string(body))
	}

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestMaterializeErrors(t *testing.T) {
	m := newTestMaterializer(t)

	_, err := m.Materialize(context.Background(), "x", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = m.Materialize(context.Background(), "x", file)
	assert.Error(t, err)

	src := t.TempDir()
	writeTree(t, src, map[string]string{"a": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Materialize(ctx, "x", src)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAndRelease(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "hello"})
	m := newTestMaterializer(t)

	art, err := m.Materialize(context.Background(), "pkg", src)
	require.NoError(t, err)

	f, err := m.Open(art.Path)
	require.NoError(t, err)
	f.Close()

	require.NoError(t, m.Release(art.Path))
	require.NoError(t, m.Release(art.Path), "releasing twice is fine")

	_, err = m.Open(art.Path)
	assert.ErrorIs(t, err, ErrArtifactMissing)

	outside := filepath.Join(t.TempDir(), "victim.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0644))
	assert.ErrorIs(t, m.Release(outside), ErrOutsideArtifacts)
	_, err = m.Open(filepath.Join(m.Dir(), "..", "victim.txt"))
	assert.ErrorIs(t, err, ErrOutsideArtifacts)
	assert.FileExists(t, outside)
}

func TestDirSize(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"a":     "12345",
		"sub/b": "123",
	})

	size, err := DirSize(src)
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)

	_, err = DirSize(filepath.Join(src, "missing"))
	assert.Error(t, err)
}
