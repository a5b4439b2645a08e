package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"streambot/internal/app"
	"streambot/internal/storage"
	"streambot/internal/transport"
)

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, f *rootFlags, fn func(ctx context.Context, st storage.Store) error) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, cliLogger(f))
	if err != nil {
		return err
	}
	ferr := fn(cmd.Context(), st)
	if cerr := st.Close(); ferr == nil {
		ferr = cerr
	}
	return ferr
}

func subscription(args []string) storage.Subscription {
	return storage.Subscription{Chat: transport.Recipient(args[0]), Service: args[1], ChannelID: args[2]}
}

func subscribeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <chat> <service> <channel>",
		Short: "Subscribe a chat to a provider channel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, f, func(ctx context.Context, st storage.Store) error {
				if err := st.Subscribe(ctx, subscription(args)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s subscribed to %s/%s\n", args[0], args[1], args[2])
				return nil
			})
		},
	}
}

func unsubscribeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <chat> <service> <channel>",
		Short: "Remove one subscription of a chat",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, f, func(ctx context.Context, st storage.Store) error {
				return st.Unsubscribe(ctx, subscription(args))
			})
		},
	}
}

func channelCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "channel <chat> [@channel]",
		Short: "Route a chat's notifications to a public channel; omit the channel to reset",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var channel transport.Recipient
			if len(args) == 2 {
				channel = transport.Recipient(args[1])
			}
			return withStore(cmd, f, func(ctx context.Context, st storage.Store) error {
				return st.SetChannel(ctx, transport.Recipient(args[0]), channel)
			})
		},
	}
}

func subscribersCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribers <service> <channel>",
		Short: "List the delivery targets of a provider channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, f, func(ctx context.Context, st storage.Store) error {
				subs, err := st.Subscribers(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				for _, r := range subs {
					fmt.Fprintln(cmd.OutOrStdout(), r)
				}
				return nil
			})
		},
	}
}

func historyCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or prune stored message history",
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop the history of streams idle longer than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be > 0")
			}
			return withStore(cmd, f, func(ctx context.Context, st storage.Store) error {
				n, err := st.PruneHistory(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d streams\n", n)
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 72*time.Hour, "idle age")

	show := &cobra.Command{
		Use:   "show <stream-id>",
		Short: "Print the delivered messages of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, f, func(ctx context.Context, st storage.Store) error {
				msgs, err := st.LoadHistory(ctx, args[0])
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\t%s\n", m.Kind, m.Recipient, m.MessageID, m.At.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(prune, show)
	return cmd
}
