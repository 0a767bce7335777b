package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paykit/internal/domain"
	"paykit/internal/engine"
	"paykit/internal/repo"
)

func refundCmd() *cobra.Command {
	rf := &cobra.Command{
		Use:   "refund",
		Short: "Manage refunds",
		Long:  "Refunds credit a user's pending balance and are paid out by an admin or refund processor.",
	}
	rf.AddCommand(refundRequestCmd())
	rf.AddCommand(refundFailedCmd())
	rf.AddCommand(refundProcessCmd())
	rf.AddCommand(refundListCmd())
	rf.AddCommand(refundShowCmd())
	return rf
}

func refundRequestCmd() *cobra.Command {
	var requester, reason string
	cmd := &cobra.Command{
		Use:   "request <intent-id>",
		Short: "Request a refund for a completed intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddressFlag("requester", requester)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RequestRefund(ctx, args[0], addr, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "payer address")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the refund")
	_ = cmd.MarkFlagRequired("requester")
	return cmd
}

func refundFailedCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "failed <intent-id>",
		Short: "Queue a refund for a processed payment that could not be honored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.HandleFailedPayment(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func refundProcessCmd() *cobra.Command {
	var coordinate bool
	cmd := &cobra.Command{
		Use:   "process <refund-id>",
		Short: "Pay out a queued refund (admin or refund_processor)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				process := e.ProcessRefund
				if coordinate {
					process = e.ProcessRefundWithCoordination
				}
				out, err := process(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().BoolVar(&coordinate, "coordinate", false, "also revoke the access granted by the original payment")
	return cmd
}

func refundListCmd() *cobra.Command {
	var user, processed string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List refunds",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.RefundFilters{User: user, Limit: limit}
			if processed != "" {
				v, err := strconv.ParseBool(processed)
				if err != nil {
					return err
				}
				f.Processed = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRefunds(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printRefunds(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user")
	cmd.Flags().StringVar(&processed, "processed", "", "filter by processed (true/false)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func refundShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <refund-id>",
		Short: "Show a refund",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.GetRefund(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user>",
		Short: "Show a user's pending refund balance and permit nonce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := parseAddressFlag("user", args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				pending, err := r.PendingBalance(ctx, user)
				if err != nil {
					return err
				}
				nonce, err := r.PermitNonce(ctx, user)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user": user.Hex(), "pending": pending, "permit_nonce": nonce})
			})
		},
	}
}

func printRefunds(items []domain.RefundRequest) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Intent", "User", "Amount", "Processed", "Requested"})
	for _, rf := range items {
		tw.AppendRow(table.Row{rf.ID, rf.OriginalIntentID, shortAddress(rf.User), rf.Amount, rf.Processed, rf.RequestTime.Format(time.RFC3339)})
	}
	tw.Render()
}
