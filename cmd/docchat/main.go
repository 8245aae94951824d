package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dgallion1/docchat/internal/config"
	"github.com/spf13/cobra"
)

// Version is injected at build time.
var Version = "dev"

func main() {
	if err := Execute(Version, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Execute runs the CLI with args, writing command output to out.
func Execute(version string, args []string, out io.Writer) error {
	root := newRootCmd(version)
	root.SetOut(out)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "docchat",
		Short:         "Chat with documents by their section structure",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(),
		newTreeCmd(),
		newChunkCmd(),
		newReconcileCmd(),
	)
	return root
}

// loadConfig resolves and validates configuration for cmd and returns a
// JSON logger at the configured level writing to w.
func loadConfig(cmd *cobra.Command, w io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return cfg, log, nil
}
