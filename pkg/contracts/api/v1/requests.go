// Package api contains the request and response bodies of the devicehub
// HTTP API, version 1.
package api

import "time"

// AssignRequest binds a package to a license.
type AssignRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,max=128"`
	PackageRef string `json:"packageRef" validate:"required,identifier"`
}

// AssignResponse reports the assignment and whether it was pushed.
type AssignResponse struct {
	Assigned  bool        `json:"assigned"`
	Delivered bool        `json:"delivered"`
	DeviceID  string      `json:"deviceId,omitempty"`
	Package   PackageView `json:"package"`
}

// SendRequest pushes a package without recording an assignment.
type SendRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,max=128"`
	PackageRef string `json:"packageRef" validate:"required,identifier"`
}

// SendResponse reports where the package was pushed.
type SendResponse struct {
	Sent        bool   `json:"sent"`
	DeviceID    string `json:"deviceId"`
	TransportID string `json:"transportId"`
}

// LinkRequest issues a download grant, optionally notifying a target.
type LinkRequest struct {
	PackageRef  string `json:"packageRef" validate:"required,identifier"`
	TTLMinutes  int    `json:"ttlMinutes,omitempty" validate:"gte=0,max=10080"`
	DeviceID    string `json:"deviceId,omitempty" validate:"omitempty,identifier"`
	TransportID string `json:"transportId,omitempty" validate:"omitempty,max=128"`
}

// LinkResponse carries the issued grant.
type LinkResponse struct {
	URL        string    `json:"url"`
	Token      string    `json:"token"`
	PackageRef string    `json:"packageRef"`
	FileName   string    `json:"fileName"`
	FileSize   int64     `json:"fileSize"`
	Checksum   string    `json:"checksum,omitempty"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Notified   bool      `json:"notified"`
}

// PruneResponse reports a maintenance sweep.
type PruneResponse struct {
	Removed int `json:"removed"`
}

// CreatePackageRequest registers a package folder.
type CreatePackageRequest struct {
	Name      string `json:"name" validate:"required,max=128"`
	Kind      string `json:"kind" validate:"required,max=64"`
	Variant   string `json:"variant" validate:"required,max=64"`
	Version   string `json:"version" validate:"required,max=64"`
	SourceDir string `json:"sourceDir" validate:"required,max=1024"`
}

// UpdatePackageRequest patches a package; nil fields are left unchanged.
type UpdatePackageRequest struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,min=1,max=128"`
	Kind      *string `json:"kind,omitempty" validate:"omitempty,min=1,max=64"`
	Variant   *string `json:"variant,omitempty" validate:"omitempty,min=1,max=64"`
	Version   *string `json:"version,omitempty" validate:"omitempty,min=1,max=64"`
	SourceDir *string `json:"sourceDir,omitempty" validate:"omitempty,min=1,max=1024"`
}

// PackageView is the public representation of a package.
type PackageView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Variant   string    `json:"variant"`
	Version   string    `json:"version"`
	SourceDir string    `json:"sourceDir,omitempty"`
	SizeHint  int64     `json:"sizeHint"`
	CreatedAt time.Time `json:"createdAt"`
}

// RemovePackageResponse reports the assignment cascade.
type RemovePackageResponse struct {
	Removed            bool `json:"removed"`
	AssignmentsCleared int  `json:"assignmentsCleared"`
	GrantsRevoked      int  `json:"grantsRevoked"`
	ArtifactsReleased  int  `json:"artifactsReleased"`
}

// ResolveResponse returns the folder behind a package.
type ResolveResponse struct {
	ID        string `json:"id"`
	SourceDir string `json:"sourceDir"`
}

// LicenseView is the public representation of a license record.
type LicenseView struct {
	Key                string     `json:"key"`
	Activated          bool       `json:"activated"`
	BoundDeviceID      string     `json:"boundDeviceId,omitempty"`
	ActivatedAt        *time.Time `json:"activatedAt,omitempty"`
	ActivatedByName    string     `json:"activatedByName,omitempty"`
	ActivatedByModel   string     `json:"activatedByModel,omitempty"`
	AssignedPackageRef string     `json:"assignedPackageRef,omitempty"`
}
