package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

const badgeList = `[
  {"id": "swimmer", "name": "Swimmer", "category": "Outdoor", "description": "Swim 50m"},
  {"id": "cyclist", "name": " Cyclist ", "category": ""},
  {"id": "", "name": "No Id"},
  {"id": "swimmer", "name": "Swimmer Again"},
  {"id": "grey-wolf", "name": "Grey Wolf Award", "category": "Awards"}
]`

const urlMap = `{"products": {
  "swimmer": "https://shop.example/swimmer",
  "grey-wolf": {"url": "https://shop.example/grey-wolf"},
  "cyclist": {"url": ""}
}}`

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadFile(t *testing.T) {
	badges, err := LoadFile(writeTemp(t, "badges.json", badgeList))
	require.NoError(t, err)
	require.Len(t, badges, 3)
	assert.Equal(t, "swimmer", badges[0].ID)
	assert.Equal(t, "Swimmer", badges[0].Name)
	assert.Equal(t, "Cyclist", badges[1].Name)
	assert.Equal(t, "Unknown", badges[1].Category)

	_, err = LoadFile(writeTemp(t, "bad.json", `{"id": "x"}`))
	assert.Error(t, err)
}

func TestLoadURLMap(t *testing.T) {
	urls, err := LoadURLMap(writeTemp(t, "urls.json", urlMap))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"swimmer":   "https://shop.example/swimmer",
		"grey-wolf": "https://shop.example/grey-wolf",
	}, urls)

	urls, err = LoadURLMap(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestLoadServiceAndSnapshot(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Config{
		CatalogPath:             writeTemp(t, "badges.json", badgeList),
		CatalogURLsPath:         writeTemp(t, "urls.json", urlMap),
		DefaultReorderThreshold: 5,
	}
	last, err := LastLoaded(ctx, db)
	require.NoError(t, err)
	assert.Nil(t, last)

	res, err := NewLoadService(db, cfg).Load(ctx, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Badges: 3, InventoryCreated: 3, WithURL: 2}, res)

	last, err = LastLoaded(ctx, db)
	require.NoError(t, err)
	require.NotNil(t, last)

	again, err := NewLoadService(db, cfg).Load(ctx, LoadOptions{Clear: true})
	require.NoError(t, err)
	assert.Equal(t, 3, again.InventoryCreated)

	snap, err := Current(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, []string{"cyclist", "grey-wolf", "swimmer"}, ids(snap))
	assert.True(t, snap.Contains("grey-wolf"))
	assert.False(t, snap.Contains("unicorn"))
	assert.Equal(t, []string{"Awards", "Outdoor", "Unknown"}, snap.Categories())

	exact := snap.ExactByName("grey wolf award")
	require.Len(t, exact, 1)
	assert.Equal(t, "grey-wolf", exact[0].Badge.ID)

	b, ok := snap.Badge("swimmer")
	require.True(t, ok)
	require.NotNil(t, b.PurchaseURL)
}

func ids(s *Snapshot) []string {
	var out []string
	for _, e := range s.Entries() {
		out = append(out, e.Badge.ID)
	}
	return out
}
