package gateway_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupvault/groupvault/internal/gateway"
	"github.com/groupvault/groupvault/testutil"
)

func TestListFiltersMarkers(t *testing.T) {
	backend, emu := testutil.NewBackend(t)
	emu.Put("group_g1/.keep", nil, "text/plain")
	emu.Put("group_g1/_folder", nil, "text/plain")
	emu.Put("group_g1/report.pdf", []byte("pdf"), "application/pdf")
	lister := gateway.NewLister(backend)

	page, err := lister.List(context.Background(), "group_g1/", 0, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "group_g1/report.pdf", page.Items[0].Key)
	assert.Equal(t, "report.pdf", page.Items[0].Name)
	assert.Equal(t, int64(3), page.Items[0].Size)
}

func TestListScopedToPrefix(t *testing.T) {
	backend, emu := testutil.NewBackend(t)
	emu.Put("group_g1/mine.txt", []byte("x"), "text/plain")
	emu.Put("group_g2/theirs.txt", []byte("x"), "text/plain")
	lister := gateway.NewLister(backend)

	page, err := lister.List(context.Background(), "group_g1/", 0, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "group_g1/mine.txt", page.Items[0].Key)
}

func TestListRelativizesSubdirs(t *testing.T) {
	backend, emu := testutil.NewBackend(t)
	emu.Put("group_g1/docs/2026/report.pdf", []byte("x"), "application/pdf")
	lister := gateway.NewLister(backend)

	page, err := lister.List(context.Background(), "group_g1/", 0, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "docs/2026/report.pdf", page.Items[0].Name)
}

func TestListPagination(t *testing.T) {
	backend, emu := testutil.NewBackend(t)
	for i := 0; i < 7; i++ {
		emu.Put(fmt.Sprintf("group_g1/file-%02d.txt", i), []byte("x"), "text/plain")
	}
	lister := gateway.NewLister(backend)

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := lister.List(context.Background(), "group_g1/", 3, cursor)
		require.NoError(t, err)
		for _, item := range page.Items {
			assert.False(t, seen[item.Key], "duplicate %q across pages", item.Key)
			seen[item.Key] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Len(t, seen, 7)
	assert.GreaterOrEqual(t, pages, 3)
}

func TestListEmptyPrefix(t *testing.T) {
	backend, _ := testutil.NewBackend(t)
	lister := gateway.NewLister(backend)

	page, err := lister.List(context.Background(), "group_g1/", 0, "")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextCursor)
}
