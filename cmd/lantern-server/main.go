// Command lantern-server runs the multi-tenant in-memory FHIR server.
//
// Exit codes: 0 on normal shutdown, 1 on invalid configuration, 2 when the
// listen address cannot be bound.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/lantern/internal/config"
	"github.com/ehr/lantern/internal/domain/tenant"
	"github.com/ehr/lantern/internal/platform/notification"
	"github.com/ehr/lantern/internal/server"
)

const (
	exitOK         = 0
	exitBadConfig  = 1
	exitBindFailed = 2
)

func main() {
	var (
		listen        string
		tenantFlags   []string
		smartRequired []string
		chatSite      string
		chatIdentity  string
		chatKey       string
	)

	rootCmd := &cobra.Command{
		Use:          "lantern-server",
		Short:        "Multi-tenant in-memory FHIR server with topic-based subscriptions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(listen, tenantFlags, smartRequired, chatSite, chatIdentity, chatKey)
			if err != nil {
				fmt.Fprintln(os.Stderr, "configuration error:", err)
				os.Exit(exitBadConfig)
			}
			os.Exit(run(cfg))
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&listen, "listen", "", "listen address (host:port); defaults to $LISTEN or 0.0.0.0:5826")
	flags.StringArrayVar(&tenantFlags, "tenant", nil,
		"tenant spec name:version:base-url[:loadDir][:maxResources] (repeatable)")
	flags.StringArrayVar(&smartRequired, "smart-required", nil, "tenant name that requires SMART authorization (repeatable)")
	flags.StringVar(&chatSite, "chat-site", "", "chat webhook site URL (or $CHAT_SITE)")
	flags.StringVar(&chatIdentity, "chat-id", "", "chat webhook bot identity (or $CHAT_IDENTITY)")
	flags.StringVar(&chatKey, "chat-key", "", "chat webhook API key (or $CHAT_KEY)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitBadConfig)
	}
}

func run(cfg *config.Config) int {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	var chatPool *notification.ChatPool
	if cfg.ChatSite != "" {
		chatPool = notification.NewChatPool(log)
		if err := chatPool.Register(notification.ChatAccount{
			Site:     cfg.ChatSite,
			Identity: cfg.ChatIdentity,
			Key:      cfg.ChatKey,
		}); err != nil {
			log.Error().Err(err).Msg("invalid chat webhook configuration")
			return exitBadConfig
		}
	}
	dispatcher := notification.NewRouter(log, chatPool)
	manager := tenant.NewManager(log, dispatcher)

	// Tenants register deterministically before the listener accepts.
	for _, spec := range cfg.Tenants {
		engine, err := manager.AddTenant(tenant.Config{
			Name:          spec.Name,
			BaseURL:       spec.BaseURL,
			Version:       spec.Version,
			LoadDir:       spec.LoadDir,
			MaxResources:  spec.MaxResources,
			SmartRequired: cfg.SmartRequiredFor(spec.Name),
			ProtectLoaded: spec.LoadDir != "",
		})
		if err != nil {
			log.Error().Err(err).Str("tenant", spec.Name).Msg("tenant registration failed")
			return exitBadConfig
		}
		log.Info().
			Str("tenant", spec.Name).
			Str("version", string(spec.Version)).
			Str("base", engine.Config().BaseURL).
			Msg("tenant registered")
	}

	// Fail fast on unbindable addresses before starting timers.
	probe, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Error().Err(err).Str("listen", cfg.Listen).Msg("cannot bind listen address")
		return exitBindFailed
	}
	probe.Close()

	manager.Start()
	srv := server.New(manager, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Listen)
	}()
	log.Info().Str("listen", cfg.Listen).Int("tenants", len(cfg.Tenants)).Msg("server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			manager.Stop()
			return exitBindFailed
		}
	}

	// Timers stop first, then the listener drains.
	manager.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	return exitOK
}
