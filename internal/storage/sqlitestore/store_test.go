package sqlitestore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehub/internal/storage"
)

func openTempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devicehub.db")
	s, err := Open(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	s, path := openTempStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "ABC123"}))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.GetLicense(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", rec.Key)
}

func TestLicenses(t *testing.T) {
	s, _ := openTempStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "B"}))
	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "A"}))

	t.Run("list keeps insertion order", func(t *testing.T) {
		list, err := s.ListLicenses(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "B", list[0].Key)
		assert.Equal(t, "A", list[1].Key)
	})

	t.Run("update persists all fields", func(t *testing.T) {
		rec, err := s.UpdateLicense(ctx, "A", func(r *storage.LicenseRecord) error {
			r.Activated = true
			r.BoundDeviceID = "D1"
			r.ActivatedAt = &at
			r.ActivatedByName = "Front desk"
			r.ActivatedByModel = "TAB-9"
			return nil
		})
		require.NoError(t, err)
		assert.True(t, rec.IsBound())

		got, err := s.GetLicense(ctx, "A")
		require.NoError(t, err)
		require.NotNil(t, got.ActivatedAt)
		assert.True(t, at.Equal(*got.ActivatedAt))
		assert.Equal(t, "Front desk", got.ActivatedByName)
		assert.Equal(t, "TAB-9", got.ActivatedByModel)
	})

	t.Run("callback error rolls back", func(t *testing.T) {
		_, err := s.UpdateLicense(ctx, "A", func(r *storage.LicenseRecord) error {
			r.BoundDeviceID = "D2"
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		got, err := s.GetLicense(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, "D1", got.BoundDeviceID)
	})

	t.Run("put replaces without reordering", func(t *testing.T) {
		require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "B", AssignedPackageRef: "p1"}))
		list, err := s.ListLicenses(ctx)
		require.NoError(t, err)
		assert.Equal(t, "B", list[0].Key)
		assert.Equal(t, "p1", list[0].AssignedPackageRef)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.GetLicense(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.UpdateLicense(ctx, "nope", func(*storage.LicenseRecord) error { return nil })
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestPackagesAndCascade(t *testing.T) {
	s, _ := openTempStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreatePackage(ctx, storage.Package{ID: "p1", Name: "Retail", SourceDir: "/srv/a", CreatedAt: created}))
	require.NoError(t, s.CreatePackage(ctx, storage.Package{ID: "p2", Name: "Kiosk", SourceDir: "/srv/b", CreatedAt: created.Add(time.Minute)}))

	err := s.CreatePackage(ctx, storage.Package{ID: "p3", Name: "retail", CreatedAt: created})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = s.UpdatePackage(ctx, "p2", func(p *storage.Package) error {
		p.Name = "RETAIL"
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	updated, err := s.UpdatePackage(ctx, "p2", func(p *storage.Package) error {
		p.Version = "2.0"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2.0", updated.Version)

	pkgs, err := s.ListPackages(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "p1", pkgs[0].ID)

	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "A", AssignedPackageRef: "p1"}))
	require.NoError(t, s.PutLicense(ctx, storage.LicenseRecord{Key: "B", AssignedPackageRef: "p2"}))

	cleared, err := s.RemovePackage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	a, err := s.GetLicense(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, a.AssignedPackageRef)
	b, err := s.GetLicense(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "p2", b.AssignedPackageRef)

	_, err = s.RemovePackage(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetPackage(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGrantsPrune(t *testing.T) {
	s, _ := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	grants := []storage.DownloadGrant{
		{Token: "stale", PackageRef: "p1", FileName: "a.zip", ArtifactPath: "/x/a.zip", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Second)},
		{Token: "edge", PackageRef: "p1", FileName: "b.zip", ArtifactPath: "/x/b.zip", IssuedAt: now.Add(-time.Hour), ExpiresAt: now},
		{Token: "live", PackageRef: "p1", FileName: "c.zip", ArtifactPath: "/x/c.zip", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	for _, g := range grants {
		require.NoError(t, s.PutGrant(ctx, g))
	}

	got, err := s.GetGrant(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "c.zip", got.FileName)
	assert.True(t, now.Add(time.Hour).Equal(got.ExpiresAt))

	removed, err := s.DeleteExpiredGrants(ctx, now)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "stale", removed[0].Token)

	left, err := s.ListGrants(ctx)
	require.NoError(t, err)
	assert.Len(t, left, 2)

	_, err = s.GetGrant(ctx, "stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGrantExpiryKeepsSubMillisecondPrecision(t *testing.T) {
	s, _ := openTempStore(t)
	ctx := context.Background()
	expires := time.Date(2026, 3, 1, 12, 0, 0, 999_999, time.UTC)

	require.NoError(t, s.PutGrant(ctx, storage.DownloadGrant{
		Token: "fine", PackageRef: "p1", FileName: "a.zip", ArtifactPath: "/x/a.zip",
		IssuedAt: expires.Add(-time.Minute), ExpiresAt: expires,
	}))

	got, err := s.GetGrant(ctx, "fine")
	require.NoError(t, err)
	assert.True(t, expires.Equal(got.ExpiresAt), "got %s", got.ExpiresAt)

	// Half a millisecond before expiry, inside the truncated millisecond.
	removed, err := s.DeleteExpiredGrants(ctx, expires.Add(-500*time.Microsecond))
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = s.DeleteExpiredGrants(ctx, expires.Add(time.Nanosecond))
	require.NoError(t, err)
	require.Len(t, removed, 1)
}

func TestDeletePackageGrants(t *testing.T) {
	s, _ := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, g := range []storage.DownloadGrant{
		{Token: "a", PackageRef: "p1", FileName: "a.zip", ArtifactPath: "/x/a.zip", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{Token: "b", PackageRef: "p1", FileName: "b.zip", ArtifactPath: "/x/b.zip", IssuedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Hour)},
		{Token: "c", PackageRef: "p2", FileName: "c.zip", ArtifactPath: "/x/c.zip", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
	} {
		require.NoError(t, s.PutGrant(ctx, g))
	}

	removed, err := s.DeletePackageGrants(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "a", removed[0].Token)

	left, err := s.ListGrants(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c", left[0].Token)

	removed, err = s.DeletePackageGrants(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestActivations(t *testing.T) {
	s, _ := openTempStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendActivation(ctx, storage.ActivationEntry{Key: "A", DeviceID: "D1", Model: "TAB-9", At: at}))
	require.NoError(t, s.AppendActivation(ctx, storage.ActivationEntry{Key: "B", DeviceID: "D2", At: at.Add(time.Minute)}))

	list, err := s.ListActivations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Key)
	assert.Equal(t, "TAB-9", list[0].Model)
	assert.True(t, at.Add(time.Minute).Equal(list[1].At))
}
