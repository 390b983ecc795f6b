// Package storage defines the persisted records of devicehub and the store
// interfaces the core components depend on.
package storage

import "time"

// LicenseRecord is one issued license key and its activation state.
type LicenseRecord struct {
	Key                string     `json:"key"`
	Activated          bool       `json:"activated"`
	BoundDeviceID      string     `json:"boundDeviceId,omitempty"`
	ActivatedAt        *time.Time `json:"activatedAt,omitempty"`
	ActivatedByName    string     `json:"activatedByName,omitempty"`
	ActivatedByModel   string     `json:"activatedByModel,omitempty"`
	AssignedPackageRef string     `json:"assignedPackageRef,omitempty"`
}

// IsBound reports whether the license is activated and tied to a device.
func (r LicenseRecord) IsBound() bool {
	return r.Activated && r.BoundDeviceID != ""
}

// Package is a registered content folder that can be assigned and delivered.
type Package struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Variant   string    `json:"variant"`
	Version   string    `json:"version"`
	SourceDir string    `json:"sourceDir"`
	SizeHint  int64     `json:"sizeHint"`
	CreatedAt time.Time `json:"createdAt"`
}

// DownloadGrant is a time-boxed token for fetching a materialized package.
type DownloadGrant struct {
	Token             string    `json:"token"`
	PackageRef        string    `json:"packageRef"`
	FileName          string    `json:"fileName"`
	FileSize          int64     `json:"fileSize"`
	Checksum          string    `json:"checksum,omitempty"`
	ArtifactPath      string    `json:"artifactPath"`
	TargetDeviceID    string    `json:"targetDeviceId,omitempty"`
	TargetTransportID string    `json:"targetTransportId,omitempty"`
	IssuedAt          time.Time `json:"issuedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// Expired reports whether the grant is past its expiry at now.
func (g DownloadGrant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// ActivationEntry is one append-only audit line for a successful validation.
type ActivationEntry struct {
	Key         string    `json:"key"`
	DeviceID    string    `json:"deviceId"`
	DisplayName string    `json:"displayName,omitempty"`
	Model       string    `json:"model,omitempty"`
	At          time.Time `json:"at"`
}
