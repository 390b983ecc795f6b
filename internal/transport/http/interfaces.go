package http

import (
	"context"
	"net/http"

	"devicehub/internal/delivery"
	"devicehub/internal/license"
	"devicehub/internal/presence"
	"devicehub/internal/storage"
	"devicehub/pkg/contracts/events"
	api "devicehub/pkg/contracts/api/v1"
)

// Validator decodes and validates JSON request bodies.
type Validator interface {
	DecodeAndValidate(r *http.Request, dst interface{}) error
}

// ErrorRenderer writes an error response.
type ErrorRenderer interface {
	HandleError(w http.ResponseWriter, r *http.Request, err error)
}

// LicenseLedger is the license surface used by LicenseHandler.
type LicenseLedger interface {
	Validate(ctx context.Context, req license.Request) (license.ValidationResult, error)
	Release(ctx context.Context, key string) (storage.LicenseRecord, error)
	List(ctx context.Context) ([]storage.LicenseRecord, error)
}

// DeviceDirectory exposes the presence view.
type DeviceDirectory interface {
	Snapshot() []presence.Session
	OnlineCount() int
}

// PanelDirectory exposes registered operator panels.
type PanelDirectory interface {
	Ping(report presence.PingReport) (presence.Panel, bool)
	List() []presence.Panel
	IDs() []string
}

// Broadcaster notifies every connected transport.
type Broadcaster interface {
	Broadcast(msgType events.MessageType, payload interface{})
}

// DeliveryCoordinator is the delivery surface used by DeliveryHandler and
// PackageHandler.
type DeliveryCoordinator interface {
	Assign(ctx context.Context, licenseKey, packageRef string) (delivery.AssignResult, error)
	SendNow(ctx context.Context, licenseKey, packageRef string) (delivery.SendResult, error)
	IssueLink(ctx context.Context, req delivery.LinkRequest) (delivery.LinkResult, error)
	Redeem(ctx context.Context, token string) (delivery.Redemption, error)
	Prune(ctx context.Context) (int, error)
	RemovePackage(ctx context.Context, packageRef string) (delivery.RemoveResult, error)
}

// PackageCatalog is the package service surface used by PackageHandler.
type PackageCatalog interface {
	List(ctx context.Context) ([]storage.Package, error)
	Get(ctx context.Context, id string) (storage.Package, error)
	Create(ctx context.Context, req api.CreatePackageRequest) (storage.Package, error)
	Update(ctx context.Context, id string, req api.UpdatePackageRequest) (storage.Package, error)
	Resolve(ctx context.Context, id string) (string, error)
}
