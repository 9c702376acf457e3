package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/domainsync/internal/agent"
	"github.com/p-blackswan/domainsync/internal/channel"
	"github.com/p-blackswan/domainsync/internal/clock"
	"github.com/p-blackswan/domainsync/internal/config"
	"github.com/p-blackswan/domainsync/internal/health"
	"github.com/p-blackswan/domainsync/internal/metrics"
	"github.com/p-blackswan/domainsync/internal/mgmt"
	"github.com/p-blackswan/domainsync/internal/notify"
	"github.com/p-blackswan/domainsync/internal/remote"
	"github.com/p-blackswan/domainsync/internal/retry"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync agent and its management API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load config")
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("environment", cfg.Environment).
		Str("store_driver", cfg.StoreDriver).
		Str("api", cfg.APIBaseURL).
		Bool("realtime", cfg.WSEnabled).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("Starting domainsync")

	m := metrics.New()

	storage, err := agent.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.SlackEnabled() {
		slackSink := notify.NewSlackSink(cfg.SlackBotToken, cfg.SlackChannel, logger)
		sinks = append(sinks, slackSink)
		g.Go(func() error {
			slackSink.Run(gctx)
			return nil
		})
	} else {
		logger.Info().Msg("Slack not configured, notifications go to the log only")
	}
	sink := notify.NewMulti(m, sinks...)

	client := remote.NewClient(cfg.APIBaseURL, cfg.APITimeout, logger)
	client.SetMetrics(m)
	client.SetSlowThreshold(cfg.APISlowThreshold)

	var ch *channel.Client
	if cfg.WSEnabled {
		chCfg := channel.DefaultConfig(cfg.WSURL)
		chCfg.MaxReconnectAttempts = cfg.WSMaxReconnect
		chCfg.Backoff = retry.Backoff{Base: cfg.WSReconnectDelay, Factor: chCfg.Backoff.Factor, Max: chCfg.Backoff.Max}
		ch = channel.NewClient(chCfg, channel.NewGorillaDialer(cfg.APITimeout), clock.New(), sink, m, logger)
	}

	a := agent.New(storage.KV, client, ch, agent.Options{
		Namespace:         cfg.StorageNamespace,
		CacheTTL:          cfg.CacheTTL,
		QueueSyncInterval: cfg.QueueSyncInterval,
		SchedulerSeedFile: cfg.SchedulerSeedFile,
		Sink:              sink,
		Metrics:           m,
		DeadLetters:       storage.DeadLetters(),
	}, logger)

	checker := health.NewChecker(logger)
	a.RegisterHealthChecks(checker)

	srv := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:        cfg.MgmtAuthMode,
			APIKey:      cfg.MgmtAPIKey,
			ReadOnlyKey: cfg.MgmtReadOnlyKey,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
		TLSCert:     cfg.MgmtTLSCert,
		TLSKey:      cfg.MgmtTLSKey,
	}, a, checker, m, logger)

	if err := a.Start(gctx); err != nil {
		return err
	}

	g.Go(srv.Start)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down gracefully")

		a.Stop()
		done := make(chan error, 1)
		go func() { done <- srv.Shutdown() }()
		select {
		case err := <-done:
			return err
		case <-time.After(shutdownTimeout):
			return errors.New("management API shutdown timed out")
		}
	})

	err = g.Wait()
	logger.Info().Msg("domainsync stopped")
	return err
}
