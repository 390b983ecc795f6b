package files

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// ErrArtifactMissing is returned by Open when the artifact file is gone.
var ErrArtifactMissing = errors.New("artifact missing")

// ErrOutsideArtifacts is returned for paths not under the artifacts dir.
var ErrOutsideArtifacts = errors.New("path is outside the artifacts directory")

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)

// SafeName replaces every character outside [A-Za-z0-9_.-] with '_'.
func SafeName(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// Artifact is a materialized package archive.
type Artifact struct {
	Path     string
	FileName string
	Size     int64
	Checksum string
}

// Materializer writes package archives into one directory.
type Materializer struct {
	dir    string
	level  int
	logger *slog.Logger
	now    func() time.Time
}

// NewMaterializer creates a materializer writing into artifactsDir.
func NewMaterializer(artifactsDir string, logger *slog.Logger) *Materializer {
	return &Materializer{
		dir:    filepath.Clean(artifactsDir),
		level:  flate.DefaultCompression,
		logger: logger.With(slog.String("component", "files.materializer")),
		now:    time.Now,
	}
}

// Dir returns the artifacts directory.
func (m *Materializer) Dir() string { return m.dir }

// Materialize zips sourceDir into a new artifact named after name.
func (m *Materializer) Materialize(ctx context.Context, name, sourceDir string) (Artifact, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat package folder: %w", err)
	}
	if !info.IsDir() {
		return Artifact{}, fmt.Errorf("package folder %s is not a directory", sourceDir)
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return Artifact{}, fmt.Errorf("create artifacts dir: %w", err)
	}

	fileName := fmt.Sprintf("package_%s_%d.zip", SafeName(name), m.now().UnixNano())
	finalPath := filepath.Join(m.dir, fileName)

	tmp, err := os.CreateTemp(m.dir, fileName+".*.tmp")
	if err != nil {
		return Artifact{}, fmt.Errorf("create artifact: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (Artifact, error) {
		tmp.Close()
		os.Remove(tmpName)
		return Artifact{}, err
	}

	hasher := blake3.New()
	counter := &countingWriter{}
	zw := zip.NewWriter(io.MultiWriter(tmp, hasher, counter))
	level := m.level
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	files := 0
	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(rel + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		files++
		return addFile(zw, path, rel, d)
	})
	if walkErr != nil {
		return fail(fmt.Errorf("archive package folder: %w", walkErr))
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("finish archive: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync artifact: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("publish artifact: %w", err)
	}

	art := Artifact{
		Path:     finalPath,
		FileName: fileName,
		Size:     counter.n,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}
	m.logger.InfoContext(ctx, "package materialized",
		slog.String("file", fileName),
		slog.Int("files", files),
		slog.Int64("size", art.Size))
	return art, nil
}

func addFile(zw *zip.Writer, path, rel string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Open opens an artifact for reading.
func (m *Materializer) Open(path string) (*os.File, error) {
	if err := m.contains(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrArtifactMissing
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Release deletes an artifact. A file that is already gone is not an error.
func (m *Materializer) Release(path string) error {
	if path == "" {
		return nil
	}
	if err := m.contains(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

func (m *Materializer) contains(path string) error {
	rel, err := filepath.Rel(m.dir, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return ErrOutsideArtifacts
	}
	return nil
}

// DirSize returns the total size of the regular files under dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
