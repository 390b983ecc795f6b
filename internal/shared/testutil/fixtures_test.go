package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixtures(t *testing.T) {
	logger, _ := NewTestLogger(nil)
	store := NewJSONStore(t, logger)

	SeedLicenses(t, store, "KEY-A", "KEY-B")
	recs, err := store.ListLicenses(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	dir := WritePackageFolder(t, t.TempDir(), "lesson-pack", map[string]string{
		"index.html":     "<html></html>",
		"assets/app.css": "body{}",
	})
	_, err = os.Stat(filepath.Join(dir, "assets", "app.css"))
	assert.NoError(t, err)
}
