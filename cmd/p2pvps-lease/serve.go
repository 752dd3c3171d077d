package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductorone/p2pvps-lease/pkg/config"
	"github.com/conductorone/p2pvps-lease/pkg/devicestore"
	"github.com/conductorone/p2pvps-lease/pkg/healthcheck"
	"github.com/conductorone/p2pvps-lease/pkg/lease"
	"github.com/conductorone/p2pvps-lease/pkg/leaseapi"
	"github.com/conductorone/p2pvps-lease/pkg/metrics"
	"github.com/conductorone/p2pvps-lease/pkg/uotel"
)

func serveCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lease API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}

			runCtx, err := initLogger(ctx, cfg, "serve")
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(runCtx, cfg)
		},
	}
}

func otelOptions(cfg *config.Config) []uotel.Option {
	opts := []uotel.Option{
		uotel.WithServiceName(serviceName),
		uotel.WithServiceVersion(version),
	}
	if cfg.OtelEndpoint != "" {
		if cfg.OtelInsecure {
			opts = append(opts, uotel.WithInsecureOtelEndpoint(cfg.OtelEndpoint))
		} else {
			opts = append(opts, uotel.WithOtelEndpoint(cfg.OtelEndpoint, cfg.OtelTLSCertPath, ""))
		}
	}
	if cfg.MetricsStdout {
		opts = append(opts, uotel.WithStdoutMetrics(os.Stdout, cfg.MetricsInterval))
	}
	return opts
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, otelShutdown, err := uotel.InitOtel(ctx, otelOptions(cfg)...)
	if err != nil {
		return err
	}
	l := ctxzap.Extract(ctx)
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			l.Error("error shutting down otel", zap.Error(err))
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			l.Error("error closing device store", zap.Error(err))
		}
	}()

	mh := metrics.NewNoOpHandler(ctx)
	if cfg.MetricsStdout {
		mh = metrics.NewOtelHandler(ctx, otel.GetMeterProvider(), serviceName)
	}

	allocator, err := newAllocator(ctx, cfg, store, mh)
	if err != nil {
		return err
	}
	publisher, err := newPublisher(ctx, cfg)
	if err != nil {
		return err
	}

	manager := lease.New(store, allocator, publisher,
		lease.WithLeaseDuration(cfg.LeaseDuration),
		lease.WithMetrics(mh.WithTags(map[string]string{"store": cfg.Store})),
	)

	healthOpts := []healthcheck.Option{healthcheck.WithCheckTimeout(cfg.CollaboratorTimeout)}
	if p, ok := store.(devicestore.Pinger); ok {
		healthOpts = append(healthOpts, healthcheck.WithCheck("store", p.Ping))
	}
	health := healthcheck.NewHandler(healthOpts...)

	srv := leaseapi.NewServer(cfg.ListenAddress, leaseapi.NewHandler(l, manager, health),
		leaseapi.WithOnListening(func(net.Addr) { health.SetReady(true) }),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		health.SetReady(false)
		return nil
	})

	l.Info("lease service started",
		zap.String("listen_address", cfg.ListenAddress),
		zap.Duration("lease_duration", manager.LeaseDuration()),
	)
	return g.Wait()
}
