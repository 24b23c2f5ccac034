package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"clearpay/internal/app"
	"clearpay/internal/config"
	"clearpay/pkg/types"
)

func newChannelCmd(flags *rootFlags) *cobra.Command {
	channelCmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage payment channels",
	}
	channelCmd.AddCommand(newChannelOpenCmd(flags))
	return channelCmd
}

func newChannelOpenCmd(flags *rootFlags) *cobra.Command {
	var amountStr string

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Register a funded channel in the local ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(ctx context.Context, cfg *config.Config, a *app.Application) error {
				total, err := types.ParseAmount(amountStr, cfg.Ledger.Decimals)
				if err != nil {
					return err
				}
				state, err := a.OpenChannel(ctx, total)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "channel %s opened with %s %s\n",
					state.ChannelID, types.FormatAmount(state.Total, cfg.Ledger.Decimals), cfg.Ledger.Asset)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&amountStr, "amount", "1", "channel funding in display units")
	return cmd
}

func newReactCmd(flags *rootFlags) *cobra.Command {
	var (
		channelID string
		postID    string
		budgetStr string
		count     int
	)

	cmd := &cobra.Command{
		Use:   "react",
		Short: "Send one or more reaction payments for a post",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(ctx context.Context, cfg *config.Config, a *app.Application) error {
				budget, err := types.ParseAmount(budgetStr, cfg.Ledger.Decimals)
				if err != nil {
					return err
				}

				target, err := resolveChannel(a, channelID)
				if err != nil {
					return err
				}

				sess, err := a.Sessions().GetOrCreateSession(ctx, types.CreateSessionParams{
					UserAddress:       target.UserAddress,
					PoolAddress:       target.PoolAddress,
					ChannelID:         target.ChannelID,
					ContextID:         postID,
					InitialUserAmount: budget,
				})
				if err != nil {
					return err
				}

				var result *types.SessionUpdateResult
				if count > 1 {
					result, err = a.Settlement().SendBatchReactions(ctx, sess, count, 0)
				} else {
					result, err = a.Settlement().SendReaction(ctx, sess, 0)
				}
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "settled %d reaction(s); session %s: user=%s pool=%s (state %s)\n",
					count,
					result.Session.SessionID,
					types.FormatAmount(result.Session.UserAllocation, cfg.Ledger.Decimals),
					types.FormatAmount(result.Session.PoolAllocation, cfg.Ledger.Decimals),
					result.StateHash)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&channelID, "channel", "", "channel id (default: first active channel)")
	cmd.Flags().StringVar(&postID, "post", "", "post id the reaction applies to")
	cmd.Flags().StringVar(&budgetStr, "budget", "0.01", "session budget in display units when a new session is opened")
	cmd.Flags().IntVar(&count, "count", 1, "number of reactions to settle")
	_ = cmd.MarkFlagRequired("post")
	return cmd
}

func newCloseCmd(flags *rootFlags) *cobra.Command {
	var (
		channelID string
		postID    string
	)

	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close the session for a post and settle its allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(ctx context.Context, cfg *config.Config, a *app.Application) error {
				target, err := resolveChannel(a, channelID)
				if err != nil {
					return err
				}

				sess, ok := a.Registry().SessionByContext(target.ChannelID, postID)
				if !ok {
					return fmt.Errorf("no session for post %s on channel %s", postID, target.ChannelID)
				}

				if err := a.Sessions().CloseSession(ctx, sess); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s closed\n", sess.SessionID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&channelID, "channel", "", "channel id (default: first active channel)")
	cmd.Flags().StringVar(&postID, "post", "", "post id of the session to close")
	_ = cmd.MarkFlagRequired("post")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active channels and their sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(ctx context.Context, cfg *config.Config, a *app.Application) error {
				channels := a.Registry().ActiveChannels()
				if len(channels) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no active channels")
					return nil
				}

				for _, ch := range channels {
					available := a.Registry().AvailableBalance(ch.ChannelID)
					fmt.Fprintf(cmd.OutOrStdout(), "channel %s\n  total=%s available=%s sessions=%d\n",
						ch.ChannelID,
						types.FormatAmount(ch.Total, cfg.Ledger.Decimals),
						types.FormatAmount(available, cfg.Ledger.Decimals),
						len(ch.Sessions))
					for _, sess := range ch.Sessions {
						fmt.Fprintf(cmd.OutOrStdout(), "  session %s post=%s user=%s pool=%s reactions=%d\n",
							sess.SessionID, sess.ContextID,
							types.FormatAmount(sess.UserAllocation, cfg.Ledger.Decimals),
							types.FormatAmount(sess.PoolAllocation, cfg.Ledger.Decimals),
							sess.ReactionCount)
					}
				}
				return nil
			})
		},
	}
}

// resolveChannel picks the explicit channel or falls back to the signer's
// first active one.
func resolveChannel(a *app.Application, channelID string) (*types.ChannelState, error) {
	if channelID != "" {
		return a.Registry().GetChannel(channelID)
	}
	channels := a.Registry().ActiveChannels()
	if len(channels) == 0 {
		return nil, fmt.Errorf("no active channel; run \"clearpay channel open\" first")
	}
	return channels[0], nil
}
