package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/models"
)

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Inspect and manage conversations",
	}

	cmd.AddCommand(newConversationShowCmd())
	cmd.AddCommand(newConversationTakeOverCmd())
	cmd.AddCommand(newConversationHandBackCmd())
	cmd.AddCommand(newConversationCloseCmd())
	cmd.AddCommand(newConversationBindCmd())
	return cmd
}

// withEngine builds an app that delivers inline, runs fn and releases it.
func withEngine(cmd *cobra.Command, configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, appOpts{Config: cfg, DB: gormDB})
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func parseConversationID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid conversation id %q", raw)
	}
	return uint(id), nil
}

func newConversationShowCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation with its channels and recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, configPath, func(ctx context.Context, a *app) error {
				conv, err := a.engine.Conversation(ctx, id)
				if err != nil {
					return err
				}
				msgs, err := a.engine.Messages(ctx, id, limit)
				if err != nil {
					return err
				}
				printConversation(cmd.OutOrStdout(), conv, msgs)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent messages to show")
	return cmd
}

func printConversation(out io.Writer, conv *models.Conversation, msgs []models.Message) {
	fmt.Fprintf(out, "ID:          %d\n", conv.ID)
	if conv.CustomerID != nil {
		fmt.Fprintf(out, "Customer:    %s\n", *conv.CustomerID)
	}
	if conv.DisplayName != "" {
		fmt.Fprintf(out, "Name:        %s\n", conv.DisplayName)
	}
	fmt.Fprintf(out, "Owner:       %s\n", conv.Ownership())
	if conv.CurrentAgentID != nil {
		fmt.Fprintf(out, "Operator:    %s\n", *conv.CurrentAgentID)
	}
	if conv.DialogueFailures > 0 {
		fmt.Fprintf(out, "Bot errors:  %d\n", conv.DialogueFailures)
	}
	fmt.Fprintf(out, "Updated:     %s\n", conv.UpdatedAt.Format("2006-01-02 15:04:05"))

	if len(conv.Channels) > 0 {
		fmt.Fprintln(out, "\nChannels:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tPLATFORM\tADDRESS")
		for _, ch := range conv.Channels {
			fmt.Fprintf(w, "  %d\t%s\t%s\n", ch.ID, ch.Platform, ch.Address)
		}
		w.Flush()
	}

	if len(msgs) > 0 {
		fmt.Fprintln(out, "\nMessages:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  TIME\tFROM\tSTATE\tTEXT")
		for _, m := range msgs {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				m.Timestamp.Format("01-02 15:04"), author(&m), m.State, truncate(messageSummary(&m), 60))
		}
		w.Flush()
	}
}

func newConversationTakeOverCmd() *cobra.Command {
	var (
		configPath string
		operator   string
	)

	cmd := &cobra.Command{
		Use:   "takeover <id>",
		Short: "Assign a conversation to an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, configPath, func(ctx context.Context, a *app) error {
				if _, err := a.engine.TakeOver(ctx, id, operator); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d taken over by %s\n", id, operator)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&operator, "operator", "", "operator id (required)")
	cmd.MarkFlagRequired("operator")
	return cmd
}

func newConversationHandBackCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "handback <id>",
		Short: "Return a conversation to the bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, configPath, func(ctx context.Context, a *app) error {
				if _, err := a.engine.HandBack(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d handed back to the bot\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newConversationCloseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "End the support session and ask for a rating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, configPath, func(ctx context.Context, a *app) error {
				if _, err := a.engine.Close(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d closed\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newConversationBindCmd() *cobra.Command {
	var (
		configPath string
		customer   string
	)

	cmd := &cobra.Command{
		Use:   "bind <id>",
		Short: "Attach a verified customer id, merging conversations if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, configPath, func(ctx context.Context, a *app) error {
				conv, err := a.engine.BindIdentity(ctx, id, customer)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if conv.ID != id {
					fmt.Fprintf(out, "Conversation %d merged into %d (customer %s)\n", id, conv.ID, customer)
					return nil
				}
				fmt.Fprintf(out, "Conversation %d bound to customer %s\n", id, customer)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&customer, "customer", "", "customer id (required)")
	cmd.MarkFlagRequired("customer")
	return cmd
}
