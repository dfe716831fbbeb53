package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/groupvault/groupvault/internal/api"
	"github.com/groupvault/groupvault/internal/auth"
	"github.com/groupvault/groupvault/internal/blob"
	"github.com/groupvault/groupvault/internal/blob/azure"
	"github.com/groupvault/groupvault/internal/config"
	"github.com/groupvault/groupvault/internal/gateway"
	"github.com/groupvault/groupvault/internal/logging/audit"
	"github.com/groupvault/groupvault/internal/logging/loki"
	"github.com/groupvault/groupvault/internal/metadata"
)

// buildBackend constructs the blob client from storage settings.
func buildBackend(cfg *config.ServerConfig) (blob.Client, error) {
	var tokens azure.TokenSource
	if cfg.Storage.ClientSecret != "" {
		tokens = &azure.ClientCredentialsTokenSource{
			TokenURL:     cfg.Storage.TokenURL(),
			ClientID:     cfg.Storage.ClientID,
			ClientSecret: cfg.Storage.ClientSecret,
			Scope:        "https://storage.azure.com/.default",
		}
	} else if v := os.Getenv("GROUPVAULT_STORAGE_TOKEN"); v != "" {
		tokens = azure.StaticTokenSource(v)
	} else {
		return nil, fmt.Errorf("no storage credentials configured")
	}

	return azure.New(azure.Options{
		AccountName: cfg.Storage.Account,
		Container:   cfg.Storage.Container,
		ServiceURL:  cfg.Storage.ServiceURL,
		Tokens:      tokens,
	})
}

// buildStore loads the group registry into the metadata store. Groups
// without a prefix get one derived from their ID, and every prefix is
// normalized once at boot.
func buildStore(cfg *config.ServerConfig) (*metadata.MemStore, error) {
	store := metadata.NewMemStore()
	if cfg.GroupsFile == "" {
		return store, nil
	}

	groups, err := metadata.LoadGroups(cfg.GroupsFile)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.StoragePrefix == "" {
			g.StoragePrefix = gateway.BuildGroupPrefix(g.ID)
		} else {
			g.StoragePrefix = gateway.NormalizePrefix(g.StoragePrefix)
		}
		store.AddGroup(g)
	}
	log.Info().Int("groups", len(groups)).Str("file", cfg.GroupsFile).Msg("group registry loaded")
	return store, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel)

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			// Ship logs to Loki if enabled.
			if cfg.Loki.Enabled && cfg.Loki.URL != "" {
				flushInterval, err := time.ParseDuration(cfg.Loki.FlushInterval)
				if err != nil {
					flushInterval = 5 * time.Second
				}
				instance := cfg.Loki.Instance
				if instance == "" {
					instance, _ = os.Hostname()
				}
				lokiWriter := loki.NewWriter(loki.Config{
					URL:           cfg.Loki.URL,
					BatchSize:     cfg.Loki.BatchSize,
					FlushInterval: flushInterval,
					Labels: map[string]string{
						"instance": instance,
						"version":  Version,
					},
				})
				lokiWriter.Start()
				defer lokiWriter.Stop()

				log.Logger = log.Output(zerolog.MultiLevelWriter(
					zerolog.ConsoleWriter{Out: os.Stderr},
					lokiWriter,
				))
				log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
			}

			backend, err := buildBackend(cfg)
			if err != nil {
				return err
			}

			store, err := buildStore(cfg)
			if err != nil {
				return err
			}

			verifier, err := auth.NewVerifier(cfg.Auth.MasterSecret, cfg.Auth.Issuer)
			if err != nil {
				return err
			}

			uploadTTL, _ := cfg.UploadTTL()
			downloadTTL, _ := cfg.DownloadTTL()
			maxUpload, _ := cfg.MaxUploadBytes()

			metrics := gateway.InitMetrics(nil)
			issuer := gateway.NewIssuer(backend, uploadTTL, downloadTTL, metrics)

			rateLimit := 0
			if cfg.RateLimit.Enabled {
				rateLimit = cfg.RateLimit.RequestsPerMinute
			}

			srv := api.NewServer(api.Options{
				Verifier:       verifier,
				Store:          store,
				Issuer:         issuer,
				Namer:          gateway.NewNamer(backend),
				Provisioner:    gateway.NewProvisioner(backend),
				Mover:          gateway.NewMover(backend, issuer),
				Lister:         gateway.NewLister(backend),
				Metrics:        metrics,
				RateLimit:      rateLimit,
				MaxUploadBytes: maxUpload,
				Audit:          audit.NewLogger(log.Logger),
			})

			httpSrv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("listen", cfg.Listen).Str("version", Version).Msg("gateway starting")
				errCh <- httpSrv.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-sigCh:
				log.Info().Msg("shutting down...")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(ctx)
			}
		},
	}
}
