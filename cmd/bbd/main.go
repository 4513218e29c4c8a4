package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/bluebubbles/internal/daemon"
	"github.com/matheus3301/bluebubbles/internal/profile"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		profileFlag string
		configFlag  string
		socketFlag  string
	)
	cmd := &cobra.Command{
		Use:           "bbd",
		Short:         "BlueBubbles cache daemon",
		Long:          "bbd keeps a local cache of a BlueBubbles server in sync and serves it to clients over a Unix socket.",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			name := profile.Resolve(profileFlag)
			if err := profile.ValidateName(name); err != nil {
				return err
			}
			app := fx.New(
				fx.NopLogger,
				daemon.Module(daemon.Params{Profile: name, ConfigPath: configFlag, SocketPath: socketFlag}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&profileFlag, "profile", "", "profile name (overrides BLUEBUBBLES_PROFILE and config default)")
	cmd.Flags().StringVar(&configFlag, "config", "", "path to config.toml")
	cmd.Flags().StringVar(&socketFlag, "socket", "", "listen on this socket instead of the profile's")
	return cmd
}
