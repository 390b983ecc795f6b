package license

import (
	"strings"
	"time"

	"devicehub/internal/presence"
	"devicehub/internal/storage"
)

// RejectReason explains why a validation was not accepted.
type RejectReason string

const (
	ReasonNone     RejectReason = ""
	ReasonNotFound RejectReason = "not_found"
	ReasonConflict RejectReason = "conflict"
	ReasonInvalid  RejectReason = "invalid"
)

// Request is a license validation call. Missing fields are not a
// validation error: Validate answers them with ReasonInvalid.
type Request struct {
	Key         string `json:"key" validate:"max=128"`
	DeviceID    string `json:"deviceId" validate:"omitempty,identifier"`
	DisplayName string `json:"displayName,omitempty" validate:"max=256"`
	Model       string `json:"model,omitempty" validate:"max=256"`
}

// Normalize trims surrounding whitespace from every field.
func (r Request) Normalize() Request {
	return Request{
		Key:         strings.TrimSpace(r.Key),
		DeviceID:    strings.TrimSpace(r.DeviceID),
		DisplayName: strings.TrimSpace(r.DisplayName),
		Model:       strings.TrimSpace(r.Model),
	}
}

// Activate applies an activation request to rec. It returns the updated
// record, or the unchanged record and a reason when the request is refused.
func Activate(rec storage.LicenseRecord, req Request, now time.Time) (storage.LicenseRecord, RejectReason) {
	if req.DeviceID == "" || presence.IsPlaceholder(req.DeviceID) {
		return rec, ReasonInvalid
	}
	if rec.Activated && rec.BoundDeviceID != "" && rec.BoundDeviceID != req.DeviceID {
		return rec, ReasonConflict
	}

	at := now.UTC()
	rec.Activated = true
	rec.BoundDeviceID = req.DeviceID
	rec.ActivatedAt = &at
	rec.ActivatedByName = req.DisplayName
	rec.ActivatedByModel = req.Model
	return rec, ReasonNone
}

// Clear unbinds rec so it can be activated by any device again. The package
// assignment is kept.
func Clear(rec storage.LicenseRecord) storage.LicenseRecord {
	rec.Activated = false
	rec.BoundDeviceID = ""
	rec.ActivatedAt = nil
	rec.ActivatedByName = ""
	rec.ActivatedByModel = ""
	return rec
}
