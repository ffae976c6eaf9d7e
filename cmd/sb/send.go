package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/routing"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		customer   string
		text       string
		tag        string
		alert      bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a proactive message to a customer",
		Long:  "Sends a message to the conversation bound to a customer id on whichever channel may currently carry it. Use --tag for Messenger message tags and --alert for one-off notifications.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, configPath, func(ctx context.Context, a *app) error {
				return runSend(ctx, cmd, a.engine, customer, routing.OutboundRequest{
					Text:    text,
					Tag:     tag,
					IsAlert: alert,
				})
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&customer, "customer", "", "customer id (required)")
	cmd.Flags().StringVar(&text, "text", "", "message text (required)")
	cmd.Flags().StringVar(&tag, "tag", "", "platform message tag")
	cmd.Flags().BoolVar(&alert, "alert", false, "send as an alert notification")
	cmd.MarkFlagRequired("customer")
	cmd.MarkFlagRequired("text")
	return cmd
}

type customerSender interface {
	SendToCustomer(ctx context.Context, customerID string, req routing.OutboundRequest) (*models.Message, error)
}

func runSend(ctx context.Context, cmd *cobra.Command, s customerSender, customer string, req routing.OutboundRequest) error {
	msg, err := s.SendToCustomer(ctx, customer, req)
	out := cmd.OutOrStdout()
	switch {
	case errors.Is(err, routing.ErrNoEligibleChannel), errors.Is(err, routing.ErrNoAdapter):
		fmt.Fprintf(out, "No platform available for customer %s\n", customer)
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(out, "Message %d sent to customer %s (%s)\n", msg.ID, customer, msg.State)
	return nil
}
