package main

import (
	"context"
	"fmt"
	"os"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conductorone/p2pvps-lease/pkg/config"
	"github.com/conductorone/p2pvps-lease/pkg/logging"
)

var version = "dev"

const serviceName = "p2pvps-lease"

func main() {
	ctx := context.Background()

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "p2pvps-lease leases marketplace devices: SSH ports, credentials and listings",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	config.DefineFlags(cmd.PersistentFlags())

	cmd.AddCommand(serveCmd(ctx))
	cmd.AddCommand(provisionCmd(ctx))
	cmd.AddCommand(agentCmd(ctx))

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// loadConfig resolves the configuration for cmd from its flags, the environment and the config file.
func loadConfig(cmd *cobra.Command) (*config.Config, *viper.Viper, error) {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func initLogger(ctx context.Context, cfg *config.Config, component string) (context.Context, error) {
	ctx, err := logging.Init(
		ctx,
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithLogFormat(cfg.LogFormat),
		logging.WithOutputPaths(cfg.LogOutput),
		logging.WithInitialFields(map[string]interface{}{
			"service":   serviceName,
			"component": component,
			"version":   version,
		}),
	)
	if err != nil {
		return nil, err
	}
	ctxzap.Extract(ctx).Debug("configuration loaded")
	return ctx, nil
}
