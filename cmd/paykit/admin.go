package main

import (
	"context"
	"errors"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paykit/internal/engine"
	"paykit/internal/repo"
)

func signerCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "signer",
		Short: "Manage authorized signers (admin)",
	}
	s.AddCommand(signerListCmd())
	s.AddCommand(signerChangeCmd("add", "Authorize a signer", true))
	s.AddCommand(signerChangeCmd("remove", "Revoke a signer", false))
	return s
}

func signerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List authorized signers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSigners(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Address", "Added By", "Added At"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Address.Hex(), s.AddedBy, s.AddedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func signerChangeCmd(use, short string, add bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <address>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddressFlag("address", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				change := e.RemoveSigner
				if add {
					change = e.AddSigner
				}
				changed, err := change(ctx, viper.GetString("actor-id"), addr)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"address": addr.Hex(), "changed": changed})
			})
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show operator running totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetOperatorMetrics(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "RBAC management",
		Long:  "Roles are admin and refund_processor. The first admin grant succeeds without an existing admin.",
	}
	cmd.AddCommand(roleWhoamiCmd())
	cmd.AddCommand(roleChangeCmd("grant", "Grant role to actor", true))
	cmd.AddCommand(roleChangeCmd("revoke", "Revoke role from actor", false))
	return cmd
}

func roleWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.ActorRoles(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": actor, "roles": roles})
			})
		},
	}
}

func roleChangeCmd(use, short string, grant bool) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != repo.RoleAdmin && role != repo.RoleRefundProcessor {
				return errors.New("--role must be admin or refund_processor")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				change := e.RevokeRole
				if grant {
					change = e.GrantRole
				}
				return change(ctx, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor (admin); the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			if target == "" {
				target = actor
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, actor, target, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":         key.ID,
					"actor_id":   key.ActorID,
					"name":       key.Name,
					"created_at": key.CreatedAt,
					"key":        secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the current actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
}
