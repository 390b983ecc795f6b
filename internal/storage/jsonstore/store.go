// Package jsonstore is a file-backed storage.Store keeping each collection in
// a JSON document under the data directory.
package jsonstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"devicehub/internal/config"
	"devicehub/internal/storage"
)

// Store holds the collections in memory and rewrites the affected file on
// every mutation. A failed write leaves memory untouched.
type Store struct {
	mu     sync.RWMutex
	paths  *config.Paths
	logger *slog.Logger

	licenses map[string]storage.LicenseRecord
	// licenseOrder preserves file order for stable listings
	licenseOrder []string
	packages     []storage.Package
	grants       map[string]storage.DownloadGrant

	activationMu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open loads (or initializes) the JSON documents in paths.DataDir.
func Open(paths *config.Paths, logger *slog.Logger) (*Store, error) {
	s := &Store{
		paths:    paths,
		logger:   logger.With(slog.String("component", "jsonstore")),
		licenses: make(map[string]storage.LicenseRecord),
		grants:   make(map[string]storage.DownloadGrant),
	}

	if err := os.MkdirAll(paths.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var entries []licenseEntry
	if err := readJSON(paths.LicensesFile, &entries); err != nil {
		return nil, fmt.Errorf("load licenses: %w", err)
	}
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if _, dup := s.licenses[e.Key]; !dup {
			s.licenseOrder = append(s.licenseOrder, e.Key)
		}
		s.licenses[e.Key] = storage.LicenseRecord(e)
	}

	if err := readJSON(paths.PackagesFile, &s.packages); err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}

	var grants []storage.DownloadGrant
	if err := readJSON(paths.GrantsFile, &grants); err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	for _, g := range grants {
		s.grants[g.Token] = g
	}

	s.logger.Info("json store opened",
		slog.Int("licenses", len(s.licenses)),
		slog.Int("packages", len(s.packages)),
		slog.Int("grants", len(s.grants)))

	return s, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *Store) Close() error { return nil }

// licenseEntry accepts both the legacy bare-string form ("ABC123") and the
// object form of a license record.
type licenseEntry storage.LicenseRecord

func (e *licenseEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var key string
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		*e = licenseEntry{Key: strings.TrimSpace(key)}
		return nil
	}
	var rec storage.LicenseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	rec.Key = strings.TrimSpace(rec.Key)
	*e = licenseEntry(rec)
	return nil
}

// Licenses

func (s *Store) GetLicense(_ context.Context, key string) (storage.LicenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.licenses[key]
	if !ok {
		return storage.LicenseRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListLicenses(_ context.Context) ([]storage.LicenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.licenseSliceLocked(s.licenses, s.licenseOrder), nil
}

func (s *Store) PutLicense(_ context.Context, rec storage.LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, order := s.cloneLicensesLocked()
	if _, ok := next[rec.Key]; !ok {
		order = append(order, rec.Key)
	}
	next[rec.Key] = rec
	return s.commitLicensesLocked(next, order)
}

func (s *Store) UpdateLicense(_ context.Context, key string, fn func(*storage.LicenseRecord) error) (storage.LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.licenses[key]
	if !ok {
		return storage.LicenseRecord{}, storage.ErrNotFound
	}
	if err := fn(&rec); err != nil {
		return storage.LicenseRecord{}, err
	}
	rec.Key = key

	next, order := s.cloneLicensesLocked()
	next[key] = rec
	if err := s.commitLicensesLocked(next, order); err != nil {
		return storage.LicenseRecord{}, err
	}
	return rec, nil
}

func (s *Store) cloneLicensesLocked() (map[string]storage.LicenseRecord, []string) {
	next := make(map[string]storage.LicenseRecord, len(s.licenses))
	for k, v := range s.licenses {
		next[k] = v
	}
	return next, append([]string(nil), s.licenseOrder...)
}

func (s *Store) licenseSliceLocked(m map[string]storage.LicenseRecord, order []string) []storage.LicenseRecord {
	out := make([]storage.LicenseRecord, 0, len(order))
	for _, k := range order {
		out = append(out, m[k])
	}
	return out
}

func (s *Store) commitLicensesLocked(next map[string]storage.LicenseRecord, order []string) error {
	if err := writeJSON(s.paths.LicensesFile, s.licenseSliceLocked(next, order)); err != nil {
		return fmt.Errorf("write licenses: %w", err)
	}
	s.licenses, s.licenseOrder = next, order
	return nil
}

// Packages

func (s *Store) GetPackage(_ context.Context, id string) (storage.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.packages {
		if p.ID == id {
			return p, nil
		}
	}
	return storage.Package{}, storage.ErrNotFound
}

func (s *Store) ListPackages(_ context.Context) ([]storage.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.Package(nil), s.packages...), nil
}

func (s *Store) CreatePackage(_ context.Context, pkg storage.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.packages {
		if p.ID == pkg.ID || strings.EqualFold(p.Name, pkg.Name) {
			return storage.ErrDuplicate
		}
	}

	next := append(append([]storage.Package(nil), s.packages...), pkg)
	if err := writeJSON(s.paths.PackagesFile, next); err != nil {
		return fmt.Errorf("write packages: %w", err)
	}
	s.packages = next
	return nil
}

func (s *Store) UpdatePackage(_ context.Context, id string, fn func(*storage.Package) error) (storage.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, p := range s.packages {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return storage.Package{}, storage.ErrNotFound
	}

	pkg := s.packages[idx]
	if err := fn(&pkg); err != nil {
		return storage.Package{}, err
	}
	pkg.ID = id

	for i, p := range s.packages {
		if i != idx && strings.EqualFold(p.Name, pkg.Name) {
			return storage.Package{}, storage.ErrDuplicate
		}
	}

	next := append([]storage.Package(nil), s.packages...)
	next[idx] = pkg
	if err := writeJSON(s.paths.PackagesFile, next); err != nil {
		return storage.Package{}, fmt.Errorf("write packages: %w", err)
	}
	s.packages = next
	return pkg, nil
}

func (s *Store) RemovePackage(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextPkgs := make([]storage.Package, 0, len(s.packages))
	found := false
	for _, p := range s.packages {
		if p.ID == id {
			found = true
			continue
		}
		nextPkgs = append(nextPkgs, p)
	}
	if !found {
		return 0, storage.ErrNotFound
	}

	nextLicenses, order := s.cloneLicensesLocked()
	cleared := 0
	for k, rec := range nextLicenses {
		if rec.AssignedPackageRef == id {
			rec.AssignedPackageRef = ""
			nextLicenses[k] = rec
			cleared++
		}
	}

	if cleared > 0 {
		if err := writeJSON(s.paths.LicensesFile, s.licenseSliceLocked(nextLicenses, order)); err != nil {
			return 0, fmt.Errorf("write licenses: %w", err)
		}
	}
	if err := writeJSON(s.paths.PackagesFile, nextPkgs); err != nil {
		if cleared > 0 {
			// put the license file back so disk matches memory again
			if rbErr := writeJSON(s.paths.LicensesFile, s.licenseSliceLocked(s.licenses, s.licenseOrder)); rbErr != nil {
				s.logger.Error("license rollback failed", slog.String("error", rbErr.Error()))
			}
		}
		return 0, fmt.Errorf("write packages: %w", err)
	}

	s.licenses, s.licenseOrder = nextLicenses, order
	s.packages = nextPkgs
	return cleared, nil
}

// Grants

func (s *Store) PutGrant(_ context.Context, grant storage.DownloadGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cloneGrantsLocked()
	next[grant.Token] = grant
	return s.commitGrantsLocked(next)
}

func (s *Store) GetGrant(_ context.Context, token string) (storage.DownloadGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[token]
	if !ok {
		return storage.DownloadGrant{}, storage.ErrNotFound
	}
	return g, nil
}

func (s *Store) ListGrants(_ context.Context) ([]storage.DownloadGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedGrants(s.grants), nil
}

func (s *Store) DeleteExpiredGrants(_ context.Context, now time.Time) ([]storage.DownloadGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cloneGrantsLocked()
	var removed []storage.DownloadGrant
	for token, g := range next {
		if g.ExpiresAt.Before(now) {
			removed = append(removed, g)
			delete(next, token)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.commitGrantsLocked(next); err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *Store) DeletePackageGrants(_ context.Context, packageRef string) ([]storage.DownloadGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cloneGrantsLocked()
	var removed []storage.DownloadGrant
	for token, g := range next {
		if g.PackageRef == packageRef {
			removed = append(removed, g)
			delete(next, token)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.commitGrantsLocked(next); err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *Store) cloneGrantsLocked() map[string]storage.DownloadGrant {
	next := make(map[string]storage.DownloadGrant, len(s.grants))
	for k, v := range s.grants {
		next[k] = v
	}
	return next
}

func (s *Store) commitGrantsLocked(next map[string]storage.DownloadGrant) error {
	if err := writeJSON(s.paths.GrantsFile, sortedGrants(next)); err != nil {
		return fmt.Errorf("write grants: %w", err)
	}
	s.grants = next
	return nil
}

func sortedGrants(m map[string]storage.DownloadGrant) []storage.DownloadGrant {
	out := make([]storage.DownloadGrant, 0, len(m))
	for _, g := range m {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Activations

// AppendActivation appends one JSON line to the activations log.
func (s *Store) AppendActivation(_ context.Context, entry storage.ActivationEntry) error {
	s.activationMu.Lock()
	defer s.activationMu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal activation: %w", err)
	}

	f, err := os.OpenFile(s.paths.ActivationsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open activation log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write activation log: %w", err)
	}
	return nil
}

// file helpers

func readJSON(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// writeJSON replaces path atomically via a temp file and rename.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
