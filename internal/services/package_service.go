package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "devicehub/internal/errors"
	"devicehub/internal/files"
	"devicehub/internal/storage"
	api "devicehub/pkg/contracts/api/v1"
)

// PackageService manages the catalog of registered package folders.
// Deletion is not here: it goes through delivery.Coordinator.RemovePackage
// so the assignment cascade always runs.
type PackageService struct {
	store  storage.PackageStore
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewPackageService creates a catalog service backed by store.
func NewPackageService(store storage.PackageStore, logger *slog.Logger) *PackageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageService{
		store:  store,
		logger: logger.With(slog.String("service", "packages")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// List returns every registered package.
func (s *PackageService) List(ctx context.Context) ([]storage.Package, error) {
	pkgs, err := s.store.ListPackages(ctx)
	if err != nil {
		return nil, apierrors.NewStorage("failed to list packages", err)
	}
	return pkgs, nil
}

// Get returns one package.
func (s *PackageService) Get(ctx context.Context, id string) (storage.Package, error) {
	pkg, err := s.store.GetPackage(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Package{}, apierrors.NewNotFound("package", id)
	}
	if err != nil {
		return storage.Package{}, apierrors.NewStorage("failed to read package", err)
	}
	return pkg, nil
}

// Create registers a package folder. The folder must exist.
func (s *PackageService) Create(ctx context.Context, req api.CreatePackageRequest) (storage.Package, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return storage.Package{}, apierrors.NewValidation("name is required")
	}

	dir, size, err := inspectFolder(req.SourceDir)
	if err != nil {
		return storage.Package{}, err
	}

	pkg := storage.Package{
		ID:        s.newID(),
		Name:      name,
		Kind:      strings.TrimSpace(req.Kind),
		Variant:   strings.TrimSpace(req.Variant),
		Version:   strings.TrimSpace(req.Version),
		SourceDir: dir,
		SizeHint:  size,
		CreatedAt: s.now().UTC(),
	}

	if err := s.store.CreatePackage(ctx, pkg); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return storage.Package{}, apierrors.NewConflict(fmt.Sprintf("a package named %q already exists", name))
		}
		return storage.Package{}, apierrors.NewStorage("failed to create package", err)
	}

	s.logger.InfoContext(ctx, "package registered",
		slog.String("id", pkg.ID),
		slog.String("name", pkg.Name),
		slog.Int64("size_hint", size))
	return pkg, nil
}

// Update applies a partial update. A new folder is re-validated and its size
// recomputed.
func (s *PackageService) Update(ctx context.Context, id string, req api.UpdatePackageRequest) (storage.Package, error) {
	var (
		dir     string
		size    int64
		moveDir = req.SourceDir != nil
	)
	if moveDir {
		var err error
		if dir, size, err = inspectFolder(*req.SourceDir); err != nil {
			return storage.Package{}, err
		}
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return storage.Package{}, apierrors.NewValidation("name cannot be empty")
	}

	pkg, err := s.store.UpdatePackage(ctx, id, func(p *storage.Package) error {
		if req.Name != nil {
			p.Name = strings.TrimSpace(*req.Name)
		}
		if req.Kind != nil {
			p.Kind = strings.TrimSpace(*req.Kind)
		}
		if req.Variant != nil {
			p.Variant = strings.TrimSpace(*req.Variant)
		}
		if req.Version != nil {
			p.Version = strings.TrimSpace(*req.Version)
		}
		if moveDir {
			p.SourceDir = dir
			p.SizeHint = size
		}
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return storage.Package{}, apierrors.NewNotFound("package", id)
	case errors.Is(err, storage.ErrDuplicate):
		return storage.Package{}, apierrors.NewConflict("a package with that name already exists")
	case err != nil:
		return storage.Package{}, apierrors.NewStorage("failed to update package", err)
	}

	s.logger.InfoContext(ctx, "package updated", slog.String("id", id))
	return pkg, nil
}

// Resolve returns the folder behind a package.
func (s *PackageService) Resolve(ctx context.Context, id string) (string, error) {
	pkg, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return pkg.SourceDir, nil
}

// inspectFolder checks that dir is an existing directory and returns its
// absolute path and total size.
func inspectFolder(dir string) (string, int64, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", 0, apierrors.NewValidation("sourceDir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", 0, apierrors.NewValidation(fmt.Sprintf("invalid sourceDir: %v", err))
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", 0, apierrors.NewValidation(fmt.Sprintf("sourceDir %s is not an existing directory", dir))
	}
	size, err := files.DirSize(abs)
	if err != nil {
		return "", 0, apierrors.NewValidation(fmt.Sprintf("cannot read sourceDir: %v", err))
	}
	return abs, size, nil
}

// PackageView converts a package for API responses.
func PackageView(p storage.Package) api.PackageView {
	return api.PackageView{
		ID:        p.ID,
		Name:      p.Name,
		Kind:      p.Kind,
		Variant:   p.Variant,
		Version:   p.Version,
		SourceDir: p.SourceDir,
		SizeHint:  p.SizeHint,
		CreatedAt: p.CreatedAt,
	}
}
