package main

import (
	"fmt"
	"os"

	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serve := newServeCommand()
	cmd := &cobra.Command{
		Use:           "coupon-api",
		Short:         "Limited-inventory coupon issuance service",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          serve.RunE,
	}
	cmd.AddCommand(serve, newMigrateCommand())
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync(log)

			ctx := cmd.Context()
			pool, err := initDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return runMigrations(ctx, pool, cfg, log)
		},
	}
}
