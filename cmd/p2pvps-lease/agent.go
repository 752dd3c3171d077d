package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conductorone/p2pvps-lease/pkg/agent"
	"github.com/conductorone/p2pvps-lease/pkg/uhttp"
)

func agentCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Keep this host leased: register, check in and renew",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateAgent(); err != nil {
				return err
			}
			runCtx, err := initLogger(ctx, cfg, "agent")
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := agent.NewClient(cfg.ServerURL, nil, cfg.CollaboratorTimeout, uhttp.WithRateLimit(cfg.CollaboratorRPS))
			if err != nil {
				return err
			}
			a := agent.New(client, cfg.DeviceID,
				agent.WithCheckinInterval(cfg.CheckinInterval),
				agent.WithCapacity(agent.HostCapacity(cfg.DiskPath, cfg.InternetSpeed)),
			)
			return a.Run(runCtx)
		},
	}
}
