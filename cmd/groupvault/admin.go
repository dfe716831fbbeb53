package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/groupvault/groupvault/internal/auth"
	"github.com/groupvault/groupvault/internal/blob"
	"github.com/groupvault/groupvault/internal/config"
	"github.com/groupvault/groupvault/internal/gateway"
	"github.com/groupvault/groupvault/internal/metadata"
)

// adminSetup loads config and builds the backend and group registry for
// commands that talk to storage directly.
func adminSetup() (*config.ServerConfig, blob.Client, *metadata.MemStore, error) {
	setupLogging(logLevel)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	backend, err := buildBackend(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, backend, store, nil
}

func newProvisionCmd() *cobra.Command {
	var groupID string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Ensure a group's storage folder exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, store, err := adminSetup()
			if err != nil {
				return err
			}

			g, err := store.Group(context.Background(), groupID)
			if err != nil {
				return err
			}

			prov := gateway.NewProvisioner(backend)
			if err := prov.EnsureFolder(context.Background(), g.StoragePrefix, map[string]string{"groupid": g.ID}); err != nil {
				return err
			}
			fmt.Printf("provisioned %s (%s)\n", g.ID, g.StoragePrefix)
			return nil
		},
	}
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "group ID")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Ensure storage folders exist for every registered group",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, store, err := adminSetup()
			if err != nil {
				return err
			}

			groups, err := store.ListGroups(context.Background())
			if err != nil {
				return err
			}

			prov := gateway.NewProvisioner(backend)
			failed := 0
			for _, g := range groups {
				if err := prov.EnsureFolder(context.Background(), g.StoragePrefix, map[string]string{"groupid": g.ID}); err != nil {
					log.Error().Err(err).Str("group", g.ID).Msg("backfill failed for group")
					failed++
				}
			}
			fmt.Printf("backfill complete: %d groups, %d failures\n", len(groups), failed)
			if failed > 0 {
				return fmt.Errorf("%d groups failed", failed)
			}
			return nil
		},
	}
}

// newPurgeGroupCmd deletes every object under a group's prefix. Used
// when a group is decommissioned.
func newPurgeGroupCmd() *cobra.Command {
	var groupID string
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge-group",
		Short: "Delete all stored objects for a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, store, err := adminSetup()
			if err != nil {
				return err
			}
			ctx := context.Background()

			g, err := store.Group(ctx, groupID)
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to purge %s without --yes", g.StoragePrefix)
			}

			uploadTTL, _ := cfg.UploadTTL()
			downloadTTL, _ := cfg.DownloadTTL()
			issuer := gateway.NewIssuer(backend, uploadTTL, downloadTTL, nil)

			if err := gateway.NewMover(backend, issuer).PurgePrefix(ctx, g.StoragePrefix); err != nil {
				return err
			}
			fmt.Printf("purged all objects under %s\n", g.StoragePrefix)
			return nil
		},
	}
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "group ID")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

// newCheckCmd runs an end-to-end storage round trip: provision, mint an
// upload grant, PUT through it, list, mint a read grant, GET through it,
// then delete the probe object.
func newCheckCmd() *cobra.Command {
	var groupID string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run an end-to-end storage sanity check for a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, store, err := adminSetup()
			if err != nil {
				return err
			}
			ctx := context.Background()

			g, err := store.Group(ctx, groupID)
			if err != nil {
				return err
			}
			prefix := gateway.NormalizePrefix(g.StoragePrefix)

			prov := gateway.NewProvisioner(backend)
			if err := prov.EnsureFolder(ctx, prefix, nil); err != nil {
				return fmt.Errorf("provision: %w", err)
			}
			fmt.Println("ok: folder provisioned")

			uploadTTL, _ := cfg.UploadTTL()
			downloadTTL, _ := cfg.DownloadTTL()
			issuer := gateway.NewIssuer(backend, uploadTTL, downloadTTL, nil)

			probeKey := prefix + fmt.Sprintf("_sanity-%d.txt", time.Now().Unix())
			grant, err := issuer.UploadGrant(ctx, probeKey, "text/plain", 0)
			if err != nil {
				return fmt.Errorf("upload grant: %w", err)
			}
			fmt.Println("ok: upload grant issued")

			payload := []byte("groupvault sanity check")
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, grant.UploadURL, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			for k, v := range grant.Headers {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("direct PUT: %w", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("direct PUT returned %d", resp.StatusCode)
			}
			fmt.Println("ok: direct upload accepted")

			page, err := gateway.NewLister(backend).List(ctx, prefix, 0, "")
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			found := false
			for _, item := range page.Items {
				if item.Key == probeKey {
					found = true
				}
			}
			if !found {
				return fmt.Errorf("probe object missing from listing")
			}
			fmt.Println("ok: probe visible in listing")

			dl, err := issuer.DownloadGrant(ctx, probeKey, 0, "sanity.txt", "")
			if err != nil {
				return fmt.Errorf("download grant: %w", err)
			}
			getResp, err := http.Get(dl.URL)
			if err != nil {
				return fmt.Errorf("direct GET: %w", err)
			}
			body, _ := io.ReadAll(getResp.Body)
			_ = getResp.Body.Close()
			if getResp.StatusCode != http.StatusOK || !bytes.Equal(body, payload) {
				return fmt.Errorf("direct GET returned %d", getResp.StatusCode)
			}
			fmt.Println("ok: direct download round-tripped")

			if err := gateway.NewMover(backend, issuer).Purge(ctx, probeKey); err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			fmt.Println("ok: probe deleted")
			fmt.Println("storage sanity check passed")
			return nil
		},
	}
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "group ID")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

// newTokenCmd mints an API token from the configured master secret.
func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		groups  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Auth.MasterSecret == "" {
				return fmt.Errorf("auth.master_secret is required")
			}

			verifier, err := auth.NewVerifier(cfg.Auth.MasterSecret, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			token, err := verifier.Mint(subject, role, groups, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&role, "role", auth.RoleMember, "role: admin or member")
	cmd.Flags().StringSliceVar(&groups, "groups", nil, "group IDs the subject may access")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
