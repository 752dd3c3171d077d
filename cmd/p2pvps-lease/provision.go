package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/devicestore"
)

func provisionCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the records for a new device and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, v, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			runCtx, err := initLogger(ctx, cfg, "provision")
			if err != nil {
				return err
			}
			l := ctxzap.Extract(runCtx)

			store, closeStore, err := openStore(runCtx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeStore(); err != nil {
					l.Error("error closing device store", zap.Error(err))
				}
			}()

			d, err := devicestore.Provision(runCtx, store, v.GetString("name"), v.GetString("owner"))
			if err != nil {
				return err
			}
			l.Info("device provisioned", zap.String("device_id", d.ID))

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
	cmd.Flags().String("name", "", "Display name of the device")
	cmd.Flags().String("owner", "", "Owner of the device")
	return cmd
}
