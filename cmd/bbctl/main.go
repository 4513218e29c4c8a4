package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/bluebubbles/internal/api"
	"github.com/matheus3301/bluebubbles/internal/profile"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

type globals struct {
	profile string
	socket  string
	json    bool
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "bbctl",
		Short:         "Control a running bbd daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().StringVar(&g.profile, "profile", "", "profile name (overrides BLUEBUBBLES_PROFILE and config default)")
	cmd.PersistentFlags().StringVar(&g.socket, "socket", "", "daemon socket path (overrides the profile's)")
	cmd.PersistentFlags().BoolVar(&g.json, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		newStatusCmd(g),
		newChatsCmd(g),
		newOpenCmd(g),
		newMessagesCmd(g),
		newSearchCmd(g),
		newSendCmd(g),
		newReactCmd(g),
		newEditCmd(g),
		newReadCmd(g),
		newSyncCmd(g),
		newWipeCmd(g),
		newContactCmd(g),
		newFindCmd(g),
		newAttachmentCmd(g),
		newWatchCmd(g),
		newConfigCmd(g),
	)
	return cmd
}

func (g *globals) socketPath() (string, error) {
	if g.socket != "" {
		return g.socket, nil
	}
	name := profile.Resolve(g.profile)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return profile.For(name).SocketPath(), nil
}

// connect dials the daemon and returns a context bounded by --timeout.
func (g *globals) connect(cmd *cobra.Command) (*api.Client, context.Context, context.CancelFunc, error) {
	path, err := g.socketPath()
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, nil, fmt.Errorf("daemon not running (no socket at %s)", path)
	}
	c, err := api.Dial(path)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	return c, ctx, func() {
		cancel()
		_ = c.Close()
	}, nil
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
