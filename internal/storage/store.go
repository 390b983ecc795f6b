package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique field is already taken.
	ErrDuplicate = errors.New("duplicate record")
)

// LicenseStore persists license records.
type LicenseStore interface {
	GetLicense(ctx context.Context, key string) (LicenseRecord, error)
	ListLicenses(ctx context.Context) ([]LicenseRecord, error)
	// PutLicense inserts or replaces a record.
	PutLicense(ctx context.Context, rec LicenseRecord) error
	// UpdateLicense runs fn on the current record and persists the result
	// atomically. If fn returns an error nothing is written and that error is
	// returned unchanged.
	UpdateLicense(ctx context.Context, key string, fn func(*LicenseRecord) error) (LicenseRecord, error)
}

// PackageStore persists the package catalog.
type PackageStore interface {
	GetPackage(ctx context.Context, id string) (Package, error)
	ListPackages(ctx context.Context) ([]Package, error)
	// CreatePackage fails with ErrDuplicate when the name is taken
	// (case-insensitive).
	CreatePackage(ctx context.Context, pkg Package) error
	UpdatePackage(ctx context.Context, id string, fn func(*Package) error) (Package, error)
	// RemovePackage deletes the package and clears every license assignment
	// that referenced it in one atomic step, returning the number cleared.
	RemovePackage(ctx context.Context, id string) (int, error)
}

// GrantStore persists download grants.
type GrantStore interface {
	PutGrant(ctx context.Context, grant DownloadGrant) error
	GetGrant(ctx context.Context, token string) (DownloadGrant, error)
	ListGrants(ctx context.Context) ([]DownloadGrant, error)
	// DeleteExpiredGrants removes grants with ExpiresAt before now and
	// returns them so their artifacts can be released.
	DeleteExpiredGrants(ctx context.Context, now time.Time) ([]DownloadGrant, error)
	// DeletePackageGrants removes every grant issued for packageRef and
	// returns them.
	DeletePackageGrants(ctx context.Context, packageRef string) ([]DownloadGrant, error)
}

// ActivationLog records successful license activations. It is write-only.
type ActivationLog interface {
	AppendActivation(ctx context.Context, entry ActivationEntry) error
}

// Store is a complete persistence backend.
type Store interface {
	LicenseStore
	PackageStore
	GrantStore
	ActivationLog
	Close() error
}
