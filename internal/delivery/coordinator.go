package delivery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "devicehub/internal/errors"
	"devicehub/internal/files"
	"devicehub/internal/infrastructure"
	"devicehub/internal/storage"
	"devicehub/pkg/contracts/events"
)

const (
	// DefaultGrantTTL applies when a grant is requested with ttl <= 0.
	DefaultGrantTTL = 6 * time.Hour
	// DefaultTombstoneRetention is how long pruned tokens keep answering
	// Expired.
	DefaultTombstoneRetention = 24 * time.Hour
	// DownloadPathPrefix is the locator prefix of redeemable tokens.
	DownloadPathPrefix = "/download/"

	tokenBytes = 16
)

// Store is the persistence the coordinator needs.
type Store interface {
	storage.LicenseStore
	storage.PackageStore
	storage.GrantStore
}

// PresenceResolver finds the live transport of a device.
type PresenceResolver interface {
	ResolveTransport(deviceID string) (string, bool)
}

// Bus sends an event to one transport.
type Bus interface {
	SendTo(transportID string, event events.MessageType, payload interface{}) error
}

// Artifacts materializes and serves package archives.
type Artifacts interface {
	Materialize(ctx context.Context, name, sourceDir string) (files.Artifact, error)
	Open(path string) (*os.File, error)
	Release(path string) error
}

// Options tunes a Coordinator. Zero values select defaults.
type Options struct {
	DefaultTTL         time.Duration
	TombstoneRetention time.Duration
	PublicBaseURL      string
}

// Coordinator orchestrates assignment, push delivery and download grants.
type Coordinator struct {
	store     Store
	presence  PresenceResolver
	bus       Bus
	artifacts Artifacts
	opts      Options

	// catalogMu lets assignments run concurrently but excludes them while a
	// package is being removed, so no assignment can resurrect a reference
	// the cascade just cleared.
	catalogMu sync.RWMutex

	// pruneMu serializes sweeps of the grant table.
	pruneMu sync.Mutex

	tombMu     sync.Mutex
	tombstones map[string]time.Time // token -> expiresAt

	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewCoordinator wires a coordinator. metrics may be nil.
func NewCoordinator(store Store, presence PresenceResolver, bus Bus, artifacts Artifacts,
	opts Options, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *Coordinator {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultGrantTTL
	}
	if opts.TombstoneRetention <= 0 {
		opts.TombstoneRetention = DefaultTombstoneRetention
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if metrics == nil {
		metrics = infrastructure.NoopMetrics()
	}
	return &Coordinator{
		store:      store,
		presence:   presence,
		bus:        bus,
		artifacts:  artifacts,
		opts:       opts,
		tombstones: make(map[string]time.Time),
		logger:     logger.With(slog.String("component", "delivery")),
		metrics:    metrics,
		tracer:     otel.Tracer(infrastructure.InstrumentationName),
		now:        time.Now,
	}
}

// AssignResult is the outcome of Assign.
type AssignResult struct {
	Package     storage.Package
	DeviceID    string
	TransportID string
	Delivered   bool
}

// Assign records packageRef on the license and pushes it when the bound
// device is online. The assignment persists either way.
func (c *Coordinator) Assign(ctx context.Context, licenseKey, packageRef string) (AssignResult, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.Assign", trace.WithAttributes(
		attribute.String("package.ref", packageRef)))
	defer span.End()

	c.catalogMu.RLock()
	defer c.catalogMu.RUnlock()

	pkg, err := c.getPackage(ctx, packageRef)
	if err != nil {
		return AssignResult{}, err
	}

	rec, err := c.store.UpdateLicense(ctx, licenseKey, func(r *storage.LicenseRecord) error {
		r.AssignedPackageRef = packageRef
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return AssignResult{}, apierrors.NewNotFound("license", licenseKey)
	}
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return AssignResult{}, apierrors.NewStorage("failed to record assignment", err)
	}

	res := AssignResult{Package: pkg, DeviceID: rec.BoundDeviceID}
	if rec.IsBound() {
		if tid, ok := c.presence.ResolveTransport(rec.BoundDeviceID); ok {
			if err := c.push(ctx, tid, pkg, licenseKey); err == nil {
				res.Delivered = true
				res.TransportID = tid
			}
		}
	}

	outcome := "stored"
	if res.Delivered {
		outcome = "delivered"
	}
	infrastructure.Outcome(ctx, c.metrics.Deliveries, outcome, attribute.String("mode", "assign"))
	span.SetAttributes(attribute.Bool("delivery.delivered", res.Delivered))

	c.logger.InfoContext(ctx, "package assigned",
		slog.String("package_ref", packageRef),
		slog.String("device_id", rec.BoundDeviceID),
		slog.Bool("delivered", res.Delivered))
	return res, nil
}

// SendResult is the outcome of SendNow.
type SendResult struct {
	Package     storage.Package
	DeviceID    string
	TransportID string
}

// SendNow pushes packageRef to the license's device without recording an
// assignment. It fails with NoOnlineTarget when there is no live transport.
func (c *Coordinator) SendNow(ctx context.Context, licenseKey, packageRef string) (SendResult, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.SendNow", trace.WithAttributes(
		attribute.String("package.ref", packageRef)))
	defer span.End()

	rec, err := c.store.GetLicense(ctx, licenseKey)
	if errors.Is(err, storage.ErrNotFound) {
		return SendResult{}, apierrors.NewNotFound("license", licenseKey)
	}
	if err != nil {
		return SendResult{}, apierrors.NewStorage("failed to read license", err)
	}
	pkg, err := c.getPackage(ctx, packageRef)
	if err != nil {
		return SendResult{}, err
	}

	if !rec.IsBound() {
		infrastructure.Outcome(ctx, c.metrics.Deliveries, "no_target", attribute.String("mode", "send"))
		return SendResult{}, apierrors.NewNoOnlineTarget("")
	}
	tid, ok := c.presence.ResolveTransport(rec.BoundDeviceID)
	if !ok {
		infrastructure.Outcome(ctx, c.metrics.Deliveries, "no_target", attribute.String("mode", "send"))
		return SendResult{}, apierrors.NewNoOnlineTarget(rec.BoundDeviceID)
	}
	if err := c.push(ctx, tid, pkg, licenseKey); err != nil {
		infrastructure.Outcome(ctx, c.metrics.Deliveries, "no_target", attribute.String("mode", "send"))
		e := apierrors.NewNoOnlineTarget(rec.BoundDeviceID)
		e.Cause = err
		return SendResult{}, e
	}

	infrastructure.Outcome(ctx, c.metrics.Deliveries, "delivered", attribute.String("mode", "send"))
	return SendResult{Package: pkg, DeviceID: rec.BoundDeviceID, TransportID: tid}, nil
}

func (c *Coordinator) push(ctx context.Context, transportID string, pkg storage.Package, licenseKey string) error {
	err := c.bus.SendTo(transportID, events.MessageTypePackageDelivery, events.PackageDelivery{
		PackageRef:  pkg.ID,
		DisplayName: pkg.Name,
		SizeHint:    pkg.SizeHint,
		Kind:        pkg.Kind,
		Variant:     pkg.Variant,
		Version:     pkg.Version,
		LicenseKey:  licenseKey,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "package push failed",
			slog.String("transport_id", transportID),
			slog.String("package_ref", pkg.ID),
			slog.String("error", err.Error()))
	}
	return err
}

func (c *Coordinator) getPackage(ctx context.Context, ref string) (storage.Package, error) {
	pkg, err := c.store.GetPackage(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Package{}, apierrors.NewNotFound("package", ref)
	}
	if err != nil {
		return storage.Package{}, apierrors.NewStorage("failed to read package", err)
	}
	return pkg, nil
}

// GrantRequest describes a download grant to issue.
type GrantRequest struct {
	PackageRef        string
	TTL               time.Duration
	TargetDeviceID    string
	TargetTransportID string
	// BaseURL is the scheme and host the request arrived on. It is used
	// for the locator when no public base URL is configured.
	BaseURL           string
}

// IssuedGrant is a stored grant with its retrieval locator.
type IssuedGrant struct {
	Grant storage.DownloadGrant
	URL   string
}

// IssueDownloadGrant prunes expired grants, materializes the package and
// stores a new grant for it.
func (c *Coordinator) IssueDownloadGrant(ctx context.Context, req GrantRequest) (IssuedGrant, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.IssueDownloadGrant", trace.WithAttributes(
		attribute.String("package.ref", req.PackageRef)))
	defer span.End()

	if _, err := c.Prune(ctx); err != nil {
		return IssuedGrant{}, err
	}

	pkg, err := c.getPackage(ctx, req.PackageRef)
	if err != nil {
		return IssuedGrant{}, err
	}

	art, err := c.artifacts.Materialize(ctx, pkg.Name, pkg.SourceDir)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return IssuedGrant{}, apierrors.NewStorage("failed to materialize package", err)
	}

	token, err := newToken()
	if err != nil {
		c.release(ctx, art.Path)
		return IssuedGrant{}, apierrors.NewAppError(apierrors.ErrTypeInternal, "failed to generate token", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := c.now().UTC()
	grant := storage.DownloadGrant{
		Token:             token,
		PackageRef:        pkg.ID,
		FileName:          art.FileName,
		FileSize:          art.Size,
		Checksum:          art.Checksum,
		ArtifactPath:      art.Path,
		TargetDeviceID:    req.TargetDeviceID,
		TargetTransportID: req.TargetTransportID,
		IssuedAt:          now,
		ExpiresAt:         now.Add(ttl),
	}
	if err := c.store.PutGrant(ctx, grant); err != nil {
		c.release(ctx, art.Path)
		infrastructure.RecordError(ctx, err)
		return IssuedGrant{}, apierrors.NewStorage("failed to store download grant", err)
	}

	c.metrics.GrantsIssued.Add(ctx, 1)
	c.logger.InfoContext(ctx, "download grant issued",
		slog.String("package_ref", pkg.ID),
		slog.Int64("size", art.Size),
		slog.Time("expires_at", grant.ExpiresAt))

	return IssuedGrant{Grant: grant, URL: c.locator(req.BaseURL, token)}, nil
}

// Locator returns the retrieval URL for token under the configured public
// base URL. Without one the locator is host-relative.
func (c *Coordinator) Locator(token string) string {
	return c.locator("", token)
}

func (c *Coordinator) locator(requestBase, token string) string {
	base := c.opts.PublicBaseURL
	if base == "" {
		base = strings.TrimRight(requestBase, "/")
	}
	return base + DownloadPathPrefix + token
}

// LinkRequest issues a grant and optionally notifies a target.
type LinkRequest struct {
	GrantRequest
}

// LinkResult is an issued grant plus whether the target was notified.
type LinkResult struct {
	IssuedGrant
	Notified bool
}

// IssueLink issues a download grant and pushes a package:link event to the
// target transport (given directly, or resolved from the target device) when
// one is live. Issuance never depends on the target being online.
func (c *Coordinator) IssueLink(ctx context.Context, req LinkRequest) (LinkResult, error) {
	issued, err := c.IssueDownloadGrant(ctx, req.GrantRequest)
	if err != nil {
		return LinkResult{}, err
	}
	res := LinkResult{IssuedGrant: issued}

	tid := req.TargetTransportID
	if tid == "" && req.TargetDeviceID != "" {
		tid, _ = c.presence.ResolveTransport(req.TargetDeviceID)
	}
	if tid == "" {
		infrastructure.Outcome(ctx, c.metrics.Deliveries, "stored", attribute.String("mode", "link"))
		return res, nil
	}

	pkg, err := c.store.GetPackage(ctx, issued.Grant.PackageRef)
	name := issued.Grant.PackageRef
	if err == nil {
		name = pkg.Name
	}
	err = c.bus.SendTo(tid, events.MessageTypePackageLink, events.PackageLink{
		URL:         issued.URL,
		Token:       issued.Grant.Token,
		PackageRef:  issued.Grant.PackageRef,
		DisplayName: name,
		FileSize:    issued.Grant.FileSize,
		Checksum:    issued.Grant.Checksum,
		ExpiresAt:   issued.Grant.ExpiresAt,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "link notification failed",
			slog.String("transport_id", tid),
			slog.String("error", err.Error()))
		infrastructure.Outcome(ctx, c.metrics.Deliveries, "stored", attribute.String("mode", "link"))
		return res, nil
	}

	res.Notified = true
	infrastructure.Outcome(ctx, c.metrics.Deliveries, "delivered", attribute.String("mode", "link"))
	return res, nil
}

// Redemption is an open artifact for a valid grant. The caller closes File.
type Redemption struct {
	Grant storage.DownloadGrant
	File  *os.File
}

// Redeem prunes expired grants, then opens the artifact behind token.
// Redemption does not consume the grant.
func (c *Coordinator) Redeem(ctx context.Context, token string) (Redemption, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.Redeem")
	defer span.End()

	if _, err := c.Prune(ctx); err != nil {
		return Redemption{}, err
	}

	grant, err := c.store.GetGrant(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		if c.isTombstoned(token) {
			infrastructure.Outcome(ctx, c.metrics.GrantRedemptions, "expired")
			return Redemption{}, apierrors.NewExpired("download link has expired")
		}
		infrastructure.Outcome(ctx, c.metrics.GrantRedemptions, "not_found")
		return Redemption{}, apierrors.NewNotFound("download", token)
	}
	if err != nil {
		return Redemption{}, apierrors.NewStorage("failed to read download grant", err)
	}

	if grant.Expired(c.now()) {
		infrastructure.Outcome(ctx, c.metrics.GrantRedemptions, "expired")
		return Redemption{}, apierrors.NewExpired("download link has expired")
	}

	f, err := c.artifacts.Open(grant.ArtifactPath)
	if err != nil {
		infrastructure.Outcome(ctx, c.metrics.GrantRedemptions, "not_found")
		if errors.Is(err, files.ErrArtifactMissing) {
			return Redemption{}, apierrors.NewNotFound("download", token)
		}
		return Redemption{}, apierrors.NewStorage("failed to open artifact", err)
	}

	infrastructure.Outcome(ctx, c.metrics.GrantRedemptions, "served")
	return Redemption{Grant: grant, File: f}, nil
}

// Prune removes every grant with expiresAt before now, releases its
// artifact and tombstones its token. It returns the number of grants
// removed.
func (c *Coordinator) Prune(ctx context.Context) (int, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	now := c.now()
	removed, err := c.store.DeleteExpiredGrants(ctx, now)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return 0, apierrors.NewStorage("failed to prune download grants", err)
	}

	c.tombMu.Lock()
	for _, g := range removed {
		c.tombstones[g.Token] = g.ExpiresAt
	}
	for token, exp := range c.tombstones {
		if now.Sub(exp) > c.opts.TombstoneRetention {
			delete(c.tombstones, token)
		}
	}
	c.tombMu.Unlock()

	for _, g := range removed {
		c.release(ctx, g.ArtifactPath)
	}

	if n := len(removed); n > 0 {
		c.metrics.GrantsPruned.Add(ctx, int64(n))
		c.logger.InfoContext(ctx, "expired download grants pruned", slog.Int("count", n))
	}
	return len(removed), nil
}

func (c *Coordinator) isTombstoned(token string) bool {
	c.tombMu.Lock()
	defer c.tombMu.Unlock()
	_, ok := c.tombstones[token]
	return ok
}

func (c *Coordinator) release(ctx context.Context, path string) {
	if err := c.artifacts.Release(path); err != nil {
		c.logger.WarnContext(ctx, "artifact release failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

// RemoveResult reports the cascade of RemovePackage.
type RemoveResult struct {
	AssignmentsCleared int
	GrantsRevoked      int
	ArtifactsReleased  int
}

// RemovePackage deletes the package, clears every license assignment that
// referenced it, and revokes its download grants. Revoked tokens answer
// NotFound.
func (c *Coordinator) RemovePackage(ctx context.Context, packageRef string) (RemoveResult, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.RemovePackage", trace.WithAttributes(
		attribute.String("package.ref", packageRef)))
	defer span.End()

	c.catalogMu.Lock()
	defer c.catalogMu.Unlock()

	cleared, err := c.store.RemovePackage(ctx, packageRef)
	if errors.Is(err, storage.ErrNotFound) {
		return RemoveResult{}, apierrors.NewNotFound("package", packageRef)
	}
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return RemoveResult{}, apierrors.NewStorage("failed to remove package", err)
	}

	res := RemoveResult{AssignmentsCleared: cleared}
	grants, err := c.store.DeletePackageGrants(ctx, packageRef)
	if err != nil {
		c.logger.WarnContext(ctx, "could not delete grants of removed package",
			slog.String("package_ref", packageRef),
			slog.String("error", err.Error()))
	}
	for _, g := range grants {
		c.release(ctx, g.ArtifactPath)
		res.ArtifactsReleased++
	}
	res.GrantsRevoked = len(grants)

	c.logger.InfoContext(ctx, "package removed",
		slog.String("package_ref", packageRef),
		slog.Int("assignments_cleared", cleared),
		slog.Int("grants_revoked", res.GrantsRevoked),
		slog.Int("artifacts_released", res.ArtifactsReleased))
	return res, nil
}

// ListGrants returns the current grant table.
func (c *Coordinator) ListGrants(ctx context.Context) ([]storage.DownloadGrant, error) {
	grants, err := c.store.ListGrants(ctx)
	if err != nil {
		return nil, apierrors.NewStorage("failed to list download grants", err)
	}
	return grants, nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
