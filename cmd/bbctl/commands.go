package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/bluebubbles/internal/api"
	"github.com/matheus3301/bluebubbles/internal/config"
	"github.com/matheus3301/bluebubbles/internal/profile"
	"github.com/matheus3301/bluebubbles/internal/store"
)

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and cache status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			st, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(cmd, st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Profile:  %s\n", st.Profile)
			fmt.Fprintf(out, "State:    %s", st.State)
			if st.Reason != "" {
				fmt.Fprintf(out, " (%s)", st.Reason)
			}
			fmt.Fprintln(out)
			if st.ServerURL != "" {
				fmt.Fprintf(out, "Server:   %s (push connected: %v)\n", st.ServerURL, st.PushConnected)
			}
			fmt.Fprintf(out, "Uptime:   %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
			fmt.Fprintf(out, "Cache:    %d chats, %d messages, %d contacts\n", st.Chats, st.Messages, st.Contacts)
			fmt.Fprintf(out, "Synced:   chats %s, contacts %s\n", when(st.ChatsSyncedMs), when(st.ContactsSyncedMs))
			return nil
		},
	}
}

func when(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}

func newChatsCmd(g *globals) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			page, err := c.ListChats(ctx, api.ListChatsRequest{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(cmd, page)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, ch := range page.Chats {
				last := ""
				if ch.LastMessage != nil {
					last = preview(ch.LastMessage)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", ch.GUID, ch.Title, last)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if page.HasMore {
				fmt.Fprintf(cmd.ErrOrStderr(), "more chats available: --offset %d\n", offset+len(page.Chats))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum chats to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "chats to skip")
	return cmd
}

func preview(m *store.Message) string {
	text := strings.ReplaceAll(m.Text, "\n", " ")
	if text == "" && m.HasAttachments {
		text = "[attachment]"
	}
	if r := []rune(text); len(r) > 60 {
		text = string(r[:57]) + "..."
	}
	if m.IsFromMe {
		text = "you: " + text
	}
	return text
}

func printMessages(cmd *cobra.Command, msgs []store.Message, badges map[string][]api.Badge) {
	out := cmd.OutOrStdout()
	// Messages arrive newest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := &msgs[i]
		who := m.Sender()
		if who == "" {
			who = "?"
		}
		line := fmt.Sprintf("%s  %-20s %s", time.UnixMilli(m.DateCreated).Format(time.DateTime), who, preview(m))
		if m.DateEdited > 0 {
			line += " (edited)"
		}
		for _, b := range badges[m.GUID] {
			line += fmt.Sprintf(" [%s x%d]", b.Kind, b.Count)
		}
		fmt.Fprintln(out, line)
	}
}

func newOpenCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "open <chat-guid>",
		Short: "Open a chat and print its cached transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			view, err := c.SelectChat(ctx, args[0])
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(cmd, view)
			}
			printMessages(cmd, view.Messages, view.Badges)
			return nil
		},
	}
}

func newMessagesCmd(g *globals) *cobra.Command {
	var (
		limit  int
		before int64
	)
	cmd := &cobra.Command{
		Use:   "messages <chat-guid>",
		Short: "Page through cached messages of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			reply, err := c.ListMessages(ctx, api.ListMessagesRequest{ChatGUID: args[0], Limit: limit, BeforeMs: before})
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(cmd, reply)
			}
			printMessages(cmd, reply.Messages, nil)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages")
	cmd.Flags().Int64Var(&before, "before", 0, "only messages created before this epoch millisecond")
	return cmd
}

func newSearchCmd(g *globals) *cobra.Command {
	var (
		chat  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search cached message text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			reply, err := c.ListMessages(ctx, api.ListMessagesRequest{Query: strings.Join(args, " "), ChatGUID: chat, Limit: limit})
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(cmd, reply)
			}
			printMessages(cmd, reply.Messages, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "", "limit the search to one chat")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func printRequest(cmd *cobra.Command, g *globals, id string) error {
	if g.json {
		return outputJSON(cmd, api.RequestReply{RequestID: id})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", id)
	return nil
}

func newSendCmd(g *globals) *cobra.Command {
	var req api.SendTextRequest
	cmd := &cobra.Command{
		Use:   "send <chat-guid> <text>",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			req.ChatGUID = args[0]
			req.Text = strings.Join(args[1:], " ")
			id, err := c.SendText(ctx, req)
			if err != nil {
				return err
			}
			return printRequest(cmd, g, id)
		},
	}
	cmd.Flags().StringVar(&req.Effect, "effect", "", "expressive send style id")
	cmd.Flags().StringVar(&req.Subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&req.ReplyTo, "reply-to", "", "guid of the message to reply to")
	return cmd
}

func newReactCmd(g *globals) *cobra.Command {
	var part int
	cmd := &cobra.Command{
		Use:   "react <chat-guid> <message-guid> <reaction>",
		Short: "Add or remove (\"-love\") a tapback",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			id, err := c.React(ctx, api.ReactRequest{ChatGUID: args[0], MessageGUID: args[1], Reaction: args[2], PartIndex: part})
			if err != nil {
				return err
			}
			return printRequest(cmd, g, id)
		},
	}
	cmd.Flags().IntVar(&part, "part", 0, "message part index")
	return cmd
}

func newEditCmd(g *globals) *cobra.Command {
	var part int
	cmd := &cobra.Command{
		Use:   "edit <chat-guid> <message-guid> <text>",
		Short: "Edit a sent message",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			id, err := c.Edit(ctx, api.EditRequest{ChatGUID: args[0], MessageGUID: args[1], Text: strings.Join(args[2:], " "), PartIndex: part})
			if err != nil {
				return err
			}
			return printRequest(cmd, g, id)
		},
	}
	cmd.Flags().IntVar(&part, "part", 0, "message part index")
	return cmd
}

func newReadCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "read <chat-guid>",
		Short: "Mark a chat read on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			return c.MarkRead(ctx, args[0])
		},
	}
}

func newSyncCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:       "sync [chats|contacts|catch-up]",
		Short:     "Run a sync now and wait for it",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{api.SyncChats, api.SyncContacts, api.SyncCatchUp},
		RunE: func(cmd *cobra.Command, args []string) error {
			what := api.SyncChats
			if len(args) == 1 {
				what = args[0]
			}
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			n, err := c.Sync(ctx, what)
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(cmd, api.SyncReply{Count: n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", what, n)
			return nil
		},
	}
}

func newWipeCmd(g *globals) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:       "wipe <conversations|contacts|all>",
		Short:     "Clear part of the local cache",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(store.ScopeConversations), string(store.ScopeContacts), string(store.ScopeAll)},
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := store.ParseScope(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("wiping %s cannot be undone; pass --yes to confirm", scope)
			}
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := c.Wipe(ctx, string(scope)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", scope)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}

func newContactCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "contact <address>",
		Short: "Resolve a phone number or email to a contact name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			r, err := c.ResolveContact(ctx, args[0])
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(cmd, r)
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Name)
			return nil
		},
	}
}

func newFindCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "find <address>...",
		Short: "Find the existing chat with exactly these recipients",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			guid, err := c.FindChat(ctx, args)
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(cmd, api.FindChatReply{ChatGUID: guid})
			}
			if guid == "" {
				return errors.New("no existing chat with those recipients")
			}
			fmt.Fprintln(cmd.OutOrStdout(), guid)
			return nil
		},
	}
}

func newAttachmentCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "attachment <guid>",
		Short: "Download an attachment into the cache and print its path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			a, err := c.GetAttachment(ctx, args[0])
			if err != nil {
				return err
			}
			if g.json {
				return outputJSON(cmd, a)
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.Path)
			return nil
		},
	}
}

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [kind-prefix]...",
		Short: "Stream daemon events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.socketPath()
			if err != nil {
				return err
			}
			c, err := api.Dial(path)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = c.Watch(ctx, args, func(e api.EventMessage) error {
				if g.json {
					return outputJSON(cmd, e)
				}
				detail := e.PayloadText
				if len(e.Payload) > 0 {
					detail = fmt.Sprint(e.Payload)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s %s\n", time.UnixMilli(e.OccurredMs).Format(time.TimeOnly), e.Kind, detail)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write config.toml",
	}

	var (
		url, password, method string
		defaultProfile        string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Write server settings to config.toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := profile.ConfigPath()
			cfg, err := config.Load(path)
			if errors.Is(err, os.ErrNotExist) {
				cfg, err = &config.Config{}, nil
			}
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.Server.URL = url
			}
			if cmd.Flags().Changed("password") {
				cfg.Server.Password = password
			}
			if cmd.Flags().Changed("send-method") {
				cfg.Server.SendMethod = method
			}
			if cmd.Flags().Changed("default-profile") {
				if err := profile.ValidateName(defaultProfile); err != nil {
					return err
				}
				cfg.DefaultProfile = defaultProfile
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (restart bbd to apply)\n", path)
			return nil
		},
	}
	set.Flags().StringVar(&url, "url", "", "server URL")
	set.Flags().StringVar(&password, "password", "", "server password")
	set.Flags().StringVar(&method, "send-method", "", "send method (apple-script or private-api)")
	set.Flags().StringVar(&defaultProfile, "default-profile", "", "profile used when --profile is not given")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration for the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name := profile.Resolve(g.profile)
			if err := profile.ValidateName(name); err != nil {
				return err
			}
			cfg, err := config.Resolve(profile.ConfigPath(), profile.For(name).EnvFile())
			if err != nil {
				return err
			}
			if cfg.Server.Password != "" {
				cfg.Server.Password = "********"
			}
			if g.json {
				return outputJSON(cmd, cfg)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "profile:      %s\n", name)
			fmt.Fprintf(out, "server:       %s\n", cfg.Server.URL)
			fmt.Fprintf(out, "password:     %s\n", cfg.Server.Password)
			fmt.Fprintf(out, "send method:  %s\n", cfg.Server.SendMethod)
			fmt.Fprintf(out, "page sizes:   %d chats, %d messages\n", cfg.Sync.ChatPageSize, cfg.Sync.MessagePageSize)
			fmt.Fprintf(out, "workers:      %d (queue %d)\n", cfg.Sync.Workers, cfg.Sync.QueueSize)
			fmt.Fprintf(out, "log level:    %s\n", cfg.Log.Level)
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}
