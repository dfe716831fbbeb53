package gateway_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupvault/groupvault/internal/blob/blobtest"
	"github.com/groupvault/groupvault/internal/gateway"
	"github.com/groupvault/groupvault/testutil"
)

func newMover(t *testing.T) (*gateway.Mover, *blobtest.Emulator) {
	t.Helper()
	backend, emu := testutil.NewBackend(t)
	issuer := gateway.NewIssuer(backend, 0, 0, nil)
	return gateway.NewMover(backend, issuer), emu
}

func TestArchiveKeyLayout(t *testing.T) {
	at := time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC)
	key := gateway.ArchiveKey("group_g1/", "group_g1/docs/report.pdf", at)
	assert.Equal(t, "group_g1/archived/2026/03/09/report.pdf", key)
}

func TestArchiveMovesObject(t *testing.T) {
	m, emu := newMover(t)
	emu.Put("group_g1/report.pdf", []byte("pdf-bytes"), "application/pdf")

	newKey, err := m.Archive(context.Background(), "group_g1/report.pdf", "group_g1/")
	require.NoError(t, err)

	d := time.Now().UTC()
	want := fmt.Sprintf("group_g1/archived/%04d/%02d/%02d/report.pdf", d.Year(), d.Month(), d.Day())
	assert.Equal(t, want, newKey)

	// Exactly one key holds the object after the move.
	assert.False(t, emu.Exists("group_g1/report.pdf"))
	assert.True(t, emu.Exists(newKey))
}

func TestArchiveWaitsForPendingCopy(t *testing.T) {
	m, emu := newMover(t)
	emu.Put("group_g1/report.pdf", []byte("pdf-bytes"), "application/pdf")
	emu.PendingPolls = 2

	newKey, err := m.Archive(context.Background(), "group_g1/report.pdf", "group_g1/")
	require.NoError(t, err)
	assert.True(t, emu.Exists(newKey))
	assert.False(t, emu.Exists("group_g1/report.pdf"))
}

func TestArchiveRejectsForeignKey(t *testing.T) {
	m, _ := newMover(t)

	_, err := m.Archive(context.Background(), "group_other/report.pdf", "group_g1/")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrInvalidPath)
}

func TestArchiveMissingSource(t *testing.T) {
	m, _ := newMover(t)

	// The copy source does not exist; nothing should be created.
	_, err := m.Archive(context.Background(), "group_g1/missing.pdf", "group_g1/")
	require.Error(t, err)
}

func TestPurgeIdempotent(t *testing.T) {
	m, emu := newMover(t)
	emu.Put("group_g1/report.pdf", []byte("x"), "")

	require.NoError(t, m.Purge(context.Background(), "group_g1/report.pdf"))
	assert.False(t, emu.Exists("group_g1/report.pdf"))

	// A second purge of the same key is success, not an error.
	require.NoError(t, m.Purge(context.Background(), "group_g1/report.pdf"))
}

func TestPurgePrefix(t *testing.T) {
	m, emu := newMover(t)
	emu.Put("group_g1/.keep", nil, "text/plain")
	for i := 0; i < 25; i++ {
		emu.Put(fmt.Sprintf("group_g1/file-%02d.txt", i), []byte("x"), "text/plain")
	}
	emu.Put("group_other/survivor.txt", []byte("x"), "text/plain")

	require.NoError(t, m.PurgePrefix(context.Background(), "group_g1/"))

	// Everything under the prefix is gone, markers included; objects
	// outside it are untouched.
	assert.Equal(t, []string{"group_other/survivor.txt"}, emu.Keys())
}
