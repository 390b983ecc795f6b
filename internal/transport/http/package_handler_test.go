package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"devicehub/internal/delivery"
	apierrors "devicehub/internal/errors"
	"devicehub/internal/storage"
	api "devicehub/pkg/contracts/api/v1"
)

func newPackageRouter(catalog *MockCatalog, c *MockCoordinator) chi.Router {
	v, eh := testDeps()
	h := NewPackageHandler(catalog, c, v, eh, testLogger())
	r := chi.NewRouter()
	r.Mount("/api/packages", h.Routes())
	return r
}

func TestPackageHandler_CRUD(t *testing.T) {
	retail := storage.Package{ID: "pkg-1", Name: "Retail", Kind: "pos", Variant: "full", Version: "1", SourceDir: "/srv/retail", SizeHint: 10}

	catalog := &MockCatalog{}
	catalog.On("List", mock.Anything).Return([]storage.Package{retail}, nil)
	catalog.On("Get", mock.Anything, "pkg-1").Return(retail, nil)
	catalog.On("Get", mock.Anything, "nope").Return(storage.Package{}, apierrors.NewNotFound("package", "nope"))
	catalog.On("Create", mock.Anything, api.CreatePackageRequest{
		Name: "Retail", Kind: "pos", Variant: "full", Version: "1", SourceDir: "/srv/retail",
	}).Return(retail, nil)
	version := "2"
	catalog.On("Update", mock.Anything, "pkg-1", api.UpdatePackageRequest{Version: &version}).
		Return(storage.Package{ID: "pkg-1", Name: "Retail", Version: "2"}, nil)
	catalog.On("Resolve", mock.Anything, "pkg-1").Return("/srv/retail", nil)

	coordinator := &MockCoordinator{}
	coordinator.On("RemovePackage", mock.Anything, "pkg-1").Return(delivery.RemoveResult{AssignmentsCleared: 2, GrantsRevoked: 1, ArtifactsReleased: 1}, nil)

	router := newPackageRouter(catalog, coordinator)

	tests := []struct {
		name           string
		method         string
		path           string
		body           string
		expectedStatus int
		expectedBody   string
	}{
		{"list", http.MethodGet, "/api/packages/", "", http.StatusOK, ""},
		{"get", http.MethodGet, "/api/packages/pkg-1", "", http.StatusOK, `"name":"Retail"`},
		{"get missing", http.MethodGet, "/api/packages/nope", "", http.StatusNotFound, ""},
		{"create", http.MethodPost, "/api/packages/", `{"name":"Retail","kind":"pos","variant":"full","version":"1","sourceDir":"/srv/retail"}`, http.StatusCreated, `"id":"pkg-1"`},
		{"create missing fields", http.MethodPost, "/api/packages/", `{"name":"Retail"}`, http.StatusBadRequest, ""},
		{"update", http.MethodPut, "/api/packages/pkg-1", `{"version":"2"}`, http.StatusOK, `"version":"2"`},
		{"resolve", http.MethodGet, "/api/packages/pkg-1/resolve", "", http.StatusOK, `"sourceDir":"/srv/retail"`},
		{"delete cascades", http.MethodDelete, "/api/packages/pkg-1", "", http.StatusOK, `"assignmentsCleared":2`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedBody != "" {
				assert.Contains(t, w.Body.String(), tt.expectedBody)
			}
		})
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/packages/", nil))
	var views []api.PackageView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, int64(10), views[0].SizeHint)
}

func TestPackageHandler_DeleteMissing(t *testing.T) {
	coordinator := &MockCoordinator{}
	coordinator.On("RemovePackage", mock.Anything, "gone").Return(delivery.RemoveResult{}, apierrors.NewNotFound("package", "gone"))
	router := newPackageRouter(&MockCatalog{}, coordinator)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/packages/gone", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
