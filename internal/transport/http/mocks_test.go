package http

import (
	"context"
	"io"
	"log/slog"

	"github.com/stretchr/testify/mock"

	"devicehub/internal/delivery"
	apierrors "devicehub/internal/errors"
	"devicehub/internal/license"
	"devicehub/internal/middleware"
	"devicehub/internal/presence"
	"devicehub/internal/storage"
	api "devicehub/pkg/contracts/api/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps() (*middleware.Validator, *apierrors.ErrorHandler) {
	return middleware.NewValidator(), apierrors.NewErrorHandler(testLogger(), false)
}

// MockLedger implements LicenseLedger for testing
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Validate(ctx context.Context, req license.Request) (license.ValidationResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(license.ValidationResult), args.Error(1)
}

func (m *MockLedger) Release(ctx context.Context, key string) (storage.LicenseRecord, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(storage.LicenseRecord), args.Error(1)
}

func (m *MockLedger) List(ctx context.Context) ([]storage.LicenseRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.LicenseRecord), args.Error(1)
}

// MockCoordinator implements DeliveryCoordinator for testing
type MockCoordinator struct {
	mock.Mock
}

func (m *MockCoordinator) Assign(ctx context.Context, licenseKey, packageRef string) (delivery.AssignResult, error) {
	args := m.Called(ctx, licenseKey, packageRef)
	return args.Get(0).(delivery.AssignResult), args.Error(1)
}

func (m *MockCoordinator) SendNow(ctx context.Context, licenseKey, packageRef string) (delivery.SendResult, error) {
	args := m.Called(ctx, licenseKey, packageRef)
	return args.Get(0).(delivery.SendResult), args.Error(1)
}

func (m *MockCoordinator) IssueLink(ctx context.Context, req delivery.LinkRequest) (delivery.LinkResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(delivery.LinkResult), args.Error(1)
}

func (m *MockCoordinator) Redeem(ctx context.Context, token string) (delivery.Redemption, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(delivery.Redemption), args.Error(1)
}

func (m *MockCoordinator) Prune(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockCoordinator) RemovePackage(ctx context.Context, packageRef string) (delivery.RemoveResult, error) {
	args := m.Called(ctx, packageRef)
	return args.Get(0).(delivery.RemoveResult), args.Error(1)
}

// MockCatalog implements PackageCatalog for testing
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) List(ctx context.Context) ([]storage.Package, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.Package), args.Error(1)
}

func (m *MockCatalog) Get(ctx context.Context, id string) (storage.Package, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(storage.Package), args.Error(1)
}

func (m *MockCatalog) Create(ctx context.Context, req api.CreatePackageRequest) (storage.Package, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(storage.Package), args.Error(1)
}

func (m *MockCatalog) Update(ctx context.Context, id string, req api.UpdatePackageRequest) (storage.Package, error) {
	args := m.Called(ctx, id, req)
	return args.Get(0).(storage.Package), args.Error(1)
}

func (m *MockCatalog) Resolve(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

type staticDevices []presence.Session

func (d staticDevices) Snapshot() []presence.Session { return d }

func (d staticDevices) OnlineCount() int {
	n := 0
	for _, s := range d {
		if s.State == presence.StateOnline {
			n++
		}
	}
	return n
}
