// Package testutil provides shared test fixtures for groupvault tests.
package testutil

import (
	"testing"

	"github.com/groupvault/groupvault/internal/blob/azure"
	"github.com/groupvault/groupvault/internal/blob/blobtest"
	"github.com/groupvault/groupvault/internal/metadata"
)

const (
	// Account and Container are the emulator's fixed identity.
	Account   = "testaccount"
	Container = "vault"

	// GroupID and GroupPrefix are the default test group.
	GroupID     = "g1"
	GroupPrefix = "group_g1/"
)

// NewBackend starts an in-process blob emulator and returns a client
// wired to it. The server is torn down with the test.
func NewBackend(t *testing.T) (*azure.Client, *blobtest.Emulator) {
	t.Helper()

	emu, srv := blobtest.NewServer(t, Account, Container)
	client, err := azure.New(azure.Options{
		AccountName: Account,
		Container:   Container,
		ServiceURL:  srv.URL,
		Tokens:      azure.StaticTokenSource(blobtest.Token),
	})
	if err != nil {
		t.Fatalf("failed to build blob client: %v", err)
	}
	return client, emu
}

// NewStore returns a metadata store pre-seeded with the default test group.
func NewStore(t *testing.T) *metadata.MemStore {
	t.Helper()

	store := metadata.NewMemStore()
	store.AddGroup(metadata.Group{
		ID:            GroupID,
		Name:          "Test Group",
		StoragePrefix: GroupPrefix,
	})
	return store
}
