package jsonstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehub/internal/config"
	"devicehub/internal/storage"
)

func testPaths(t *testing.T) *config.Paths {
	t.Helper()
	dir := t.TempDir()
	return &config.Paths{
		DataDir:         dir,
		ArtifactsDir:    filepath.Join(dir, "artifacts"),
		LicensesFile:    filepath.Join(dir, config.LicensesFileName),
		PackagesFile:    filepath.Join(dir, config.PackagesFileName),
		GrantsFile:      filepath.Join(dir, config.GrantsFileName),
		ActivationsFile: filepath.Join(dir, config.ActivationsFileName),
	}
}

func openStore(t *testing.T, paths *config.Paths) *Store {
	t.Helper()
	s, err := Open(paths, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEmptyDir(t *testing.T) {
	s := openStore(t, testPaths(t))
	ctx := context.Background()

	licenses, err := s.ListLicenses(ctx)
	require.NoError(t, err)
	assert.Empty(t, licenses)

	pkgs, err := s.ListPackages(ctx)
	require.NoError(t, err)
	assert.Empty(t, pkgs)

	_, err = s.GetLicense(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOpenLegacyLicenseEntries(t *testing.T) {
	paths := testPaths(t)
	legacy := `[
  "ABC123",
  {"key": "XYZ789", "activated": true, "boundDeviceId": "D1"},
  " PADDED "
]`
	require.NoError(t, os.WriteFile(paths.LicensesFile, []byte(legacy), 0644))

	s := openStore(t, paths)
	ctx := context.Background()

	licenses, err := s.ListLicenses(ctx)
	require.NoError(t, err)
	require.Len(t, licenses, 3)
	assert.Equal(t, "ABC123", licenses[0].Key)
	assert.False(t, licenses[0].Activated)
	assert.Equal(t, "XYZ789", licenses[1].Key)
	assert.True(t, licenses[1].IsBound())
	assert.Equal(t, "PADDED", licenses[2].Key)
}

func TestUpdateLicense(t *testing.T) {
	paths := testPaths(t)
	s := openStore(t, paths)
	ctx := context.Background()

	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "ABC123"}))

	t.Run("persists mutation", func(t *testing.T) {
		rec, err := s.UpdateLicense(ctx, "ABC123", func(r *storage.LicenseRecord) error {
			r.Activated = true
			r.BoundDeviceID = "D1"
			return nil
		})
		require.NoError(t, err)
		assert.True(t, rec.IsBound())

		reopened := openStore(t, paths)
		got, err := reopened.GetLicense(ctx, "ABC123")
		require.NoError(t, err)
		assert.Equal(t, "D1", got.BoundDeviceID)
	})

	t.Run("callback error writes nothing", func(t *testing.T) {
		sentinel := assert.AnError
		_, err := s.UpdateLicense(ctx, "ABC123", func(r *storage.LicenseRecord) error {
			r.BoundDeviceID = "D2"
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)

		got, err := s.GetLicense(ctx, "ABC123")
		require.NoError(t, err)
		assert.Equal(t, "D1", got.BoundDeviceID)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := s.UpdateLicense(ctx, "NOPE", func(*storage.LicenseRecord) error { return nil })
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestFailedWriteLeavesMemoryUntouched(t *testing.T) {
	paths := testPaths(t)
	s := openStore(t, paths)
	ctx := context.Background()
	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "K1"}))

	s.paths.LicensesFile = filepath.Join(paths.DataDir, "missing-dir", "licenses.json")

	_, err := s.UpdateLicense(ctx, "K1", func(r *storage.LicenseRecord) error {
		r.Activated = true
		return nil
	})
	require.Error(t, err)

	got, err := s.GetLicense(ctx, "K1")
	require.NoError(t, err)
	assert.False(t, got.Activated)
}

func TestPackages(t *testing.T) {
	s := openStore(t, testPaths(t))
	ctx := context.Background()

	pkg := storage.Package{ID: "p1", Name: "Retail", Kind: "pos", Variant: "full", Version: "1.0", SourceDir: "/srv/retail"}
	require.NoError(t, s.CreatePackage(ctx, pkg))

	t.Run("duplicate name is case-insensitive", func(t *testing.T) {
		err := s.CreatePackage(ctx, storage.Package{ID: "p2", Name: "RETAIL"})
		assert.ErrorIs(t, err, storage.ErrDuplicate)
	})

	t.Run("update patches fields", func(t *testing.T) {
		got, err := s.UpdatePackage(ctx, "p1", func(p *storage.Package) error {
			p.Version = "1.1"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "1.1", got.Version)
		assert.Equal(t, "Retail", got.Name)
	})

	t.Run("rename onto existing name", func(t *testing.T) {
		require.NoError(t, s.CreatePackage(ctx, storage.Package{ID: "p3", Name: "Kiosk"}))
		_, err := s.UpdatePackage(ctx, "p3", func(p *storage.Package) error {
			p.Name = "retail"
			return nil
		})
		assert.ErrorIs(t, err, storage.ErrDuplicate)
	})

	t.Run("update unknown", func(t *testing.T) {
		_, err := s.UpdatePackage(ctx, "nope", func(*storage.Package) error { return nil })
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestRemovePackageClearsAssignments(t *testing.T) {
	paths := testPaths(t)
	s := openStore(t, paths)
	ctx := context.Background()

	require.NoError(t, s.CreatePackage(ctx, storage.Package{ID: "p1", Name: "Retail"}))
	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "A", AssignedPackageRef: "p1"}))
	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "B", AssignedPackageRef: "p1"}))
	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "C", AssignedPackageRef: "other"}))

	cleared, err := s.RemovePackage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	_, err = s.GetPackage(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	reopened := openStore(t, paths)
	for key, want := range map[string]string{"A": "", "B": "", "C": "other"} {
		rec, err := reopened.GetLicense(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, rec.AssignedPackageRef, key)
	}

	_, err = s.RemovePackage(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemovePackageRollsBackLicensesOnFailure(t *testing.T) {
	paths := testPaths(t)
	s := openStore(t, paths)
	ctx := context.Background()

	require.NoError(t, s.CreatePackage(ctx, storage.Package{ID: "p1", Name: "Retail"}))
	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "A", AssignedPackageRef: "p1"}))

	s.paths.PackagesFile = filepath.Join(paths.DataDir, "missing-dir", "packages.json")

	_, err := s.RemovePackage(ctx, "p1")
	require.Error(t, err)

	rec, err := s.GetLicense(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "p1", rec.AssignedPackageRef)

	data, err := os.ReadFile(paths.LicensesFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"assignedPackageRef": "p1"`)
}

func TestGrants(t *testing.T) {
	s := openStore(t, testPaths(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	live := storage.DownloadGrant{Token: "live", PackageRef: "p1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	stale := storage.DownloadGrant{Token: "stale", PackageRef: "p1", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	edge := storage.DownloadGrant{Token: "edge", PackageRef: "p1", IssuedAt: now.Add(-time.Hour), ExpiresAt: now}
	for _, g := range []storage.DownloadGrant{live, stale, edge} {
		require.NoError(t, s.PutGrant(ctx, g))
	}

	all, err := s.ListGrants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "stale", all[0].Token)

	removed, err := s.DeleteExpiredGrants(ctx, now)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "stale", removed[0].Token)

	_, err = s.GetGrant(ctx, "stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetGrant(ctx, "edge")
	assert.NoError(t, err)

	removed, err = s.DeleteExpiredGrants(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestDeletePackageGrants(t *testing.T) {
	paths := testPaths(t)
	s := openStore(t, paths)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, g := range []storage.DownloadGrant{
		{Token: "a", PackageRef: "p1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{Token: "b", PackageRef: "p2", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
	} {
		require.NoError(t, s.PutGrant(ctx, g))
	}

	removed, err := s.DeletePackageGrants(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "a", removed[0].Token)

	reopened := openStore(t, paths)
	_, err = reopened.GetGrant(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = reopened.GetGrant(ctx, "b")
	assert.NoError(t, err)
}

func TestAppendActivation(t *testing.T) {
	paths := testPaths(t)
	s := openStore(t, paths)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendActivation(ctx, storage.ActivationEntry{Key: "ABC123", DeviceID: "D1", At: at}))
	require.NoError(t, s.AppendActivation(ctx, storage.ActivationEntry{Key: "XYZ789", DeviceID: "D2", At: at}))

	data, err := os.ReadFile(paths.ActivationsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry storage.ActivationEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "XYZ789", entry.Key)
	assert.Equal(t, "D2", entry.DeviceID)
}
