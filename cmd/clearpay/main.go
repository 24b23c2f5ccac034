package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"clearpay/internal/app"
	"clearpay/internal/config"
	"clearpay/internal/signing"
	"clearpay/pkg/interfaces"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

type rootFlags struct {
	configPath string
	seedHex    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "clearpay",
		Short:         "Off-chain reaction payments over a funded channel",
		Long:          "clearpay manages a payment channel against a settlement node: open channels, start per-post sessions, and settle reaction micropayments off-chain.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&flags.seedHex, "seed", os.Getenv("CLEARPAY_SEED"), "hex-encoded 32-byte signing seed (default: ephemeral key)")

	rootCmd.AddCommand(
		newChannelCmd(flags),
		newReactCmd(flags),
		newCloseCmd(flags),
		newStatusCmd(flags),
	)

	return rootCmd
}

// withApp loads config, builds the signer and application, starts it, runs
// fn, and shuts everything down again.
func withApp(flags *rootFlags, fn func(ctx context.Context, cfg *config.Config, a *app.Application) error) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	signer, err := buildSigner(flags.seedHex)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, signer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := application.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = application.Stop(stopCtx)
		return err
	}

	runErr := fn(ctx, cfg, application)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	return runErr
}

func buildSigner(seedHex string) (interfaces.Signer, error) {
	if seedHex != "" {
		return signing.FromSeedHex(seedHex)
	}
	return signing.NewLocalSigner()
}
