package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"devicehub/internal/services"
	api "devicehub/pkg/contracts/api/v1"
)

// PackageHandler handles the package catalog. Deletion is routed through
// the delivery coordinator so assignments referencing the package are
// cleared.
type PackageHandler struct {
	catalog   PackageCatalog
	remover   DeliveryCoordinator
	validator Validator
	errors    ErrorRenderer
	logger    *slog.Logger
}

// NewPackageHandler creates a new package handler
func NewPackageHandler(catalog PackageCatalog, remover DeliveryCoordinator, validator Validator,
	errors ErrorRenderer, logger *slog.Logger) *PackageHandler {
	return &PackageHandler{
		catalog:   catalog,
		remover:   remover,
		validator: validator,
		errors:    errors,
		logger:    logger.With(slog.String("handler", "packages")),
	}
}

// Routes returns a chi router for package endpoints
func (h *PackageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Get("/{id}/resolve", h.Resolve)
	return r
}

// List handles GET /api/packages
func (h *PackageHandler) List(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.catalog.List(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	views := make([]api.PackageView, 0, len(pkgs))
	for _, p := range pkgs {
		views = append(views, services.PackageView(p))
	}
	render.JSON(w, r, views)
}

// Create handles POST /api/packages
func (h *PackageHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req api.CreatePackageRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	pkg, err := h.catalog.Create(r.Context(), req)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, services.PackageView(pkg))
}

// Get handles GET /api/packages/{id}
func (h *PackageHandler) Get(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, services.PackageView(pkg))
}

// Update handles PUT /api/packages/{id}
func (h *PackageHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req api.UpdatePackageRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	pkg, err := h.catalog.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, services.PackageView(pkg))
}

// Delete handles DELETE /api/packages/{id}
func (h *PackageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.remover.RemovePackage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.RemovePackageResponse{
		Removed:            true,
		AssignmentsCleared: res.AssignmentsCleared,
		GrantsRevoked:      res.GrantsRevoked,
		ArtifactsReleased:  res.ArtifactsReleased,
	})
}

// Resolve handles GET /api/packages/{id}/resolve
func (h *PackageHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dir, err := h.catalog.Resolve(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.ResolveResponse{ID: id, SourceDir: dir})
}
