package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paykit/internal/domain"
	"paykit/internal/engine"
	"paykit/internal/engine/authz"
	"paykit/internal/fees"
	"paykit/internal/repo"
)

func intentCmd() *cobra.Command {
	intent := &cobra.Command{
		Use:   "intent",
		Short: "Manage payment intents",
		Long:  "Intents are priced payments. Create one, prepare its hash, have an authorized signer sign it, then execute it with that signature or a payer permit.",
	}
	intent.AddCommand(intentCreateCmd())
	intent.AddCommand(intentListCmd())
	intent.AddCommand(intentShowCmd())
	intent.AddCommand(intentContextCmd())
	intent.AddCommand(intentPrepareCmd())
	intent.AddCommand(intentSignCmd())
	intent.AddCommand(intentVerifyCmd())
	intent.AddCommand(intentExecuteCmd())
	intent.AddCommand(intentExecutePermitCmd())
	intent.AddCommand(intentMarkCmd())
	return intent
}

func intentCreateCmd() *cobra.Command {
	var paymentType, user, creator, token, origin string
	var contentID, amount, slippage uint64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Price and store a payment intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := domain.ParsePaymentType(paymentType)
			if err != nil {
				return err
			}
			userAddr, err := parseAddressFlag("user", user)
			if err != nil {
				return err
			}
			creatorAddr, err := parseAddressFlag("creator", creator)
			if err != nil {
				return err
			}
			var tokenAddr common.Address
			if token != "" {
				if tokenAddr, err = parseAddressFlag("token", token); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePaymentIntent(ctx, engine.CreateRequest{
					Request: fees.Request{
						Type:           pt,
						User:           userAddr,
						Creator:        creatorAddr,
						ContentID:      contentID,
						Amount:         amount,
						PaymentToken:   tokenAddr,
						MaxSlippageBps: slippage,
					},
					Deadline: time.Now().UTC().Add(ttl),
					Origin:   origin,
					Actor:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&paymentType, "type", "", "payment type (content_purchase, subscription, tip, donation)")
	cmd.Flags().StringVar(&user, "user", "", "payer address")
	cmd.Flags().StringVar(&creator, "creator", "", "creator address")
	cmd.Flags().Uint64Var(&contentID, "content-id", 0, "content id (content purchases)")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount in settlement units (tips and donations)")
	cmd.Flags().StringVar(&token, "token", "", "payment token address (defaults to the settlement currency)")
	cmd.Flags().Uint64Var(&slippage, "max-slippage-bps", 0, "max slippage for non-settlement tokens")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "time until the intent expires")
	cmd.Flags().StringVar(&origin, "origin", "", "origin tag (defaults to config)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("creator")
	return cmd
}

func intentListCmd() *cobra.Command {
	var user, creator, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intents, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListIntents(ctx, repo.IntentFilters{
					User:    user,
					Creator: creator,
					Status:  status,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "User", "Total", "Status", "Grant", "Deadline"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Type, shortAddress(p.User), p.TotalAmount, p.Status, p.GrantStatus, p.Deadline.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by payer")
	cmd.Flags().StringVar(&creator, "creator", "", "filter by creator")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func intentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <intent-id>",
		Short: "Show an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetIntent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func intentContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context <intent-id>",
		Short: "Show an intent with its authorization and refund",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pc, err := e.GetPaymentContext(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pc)
			})
		},
	}
}

func intentPrepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <intent-id>",
		Short: "Compute the hash an authorized signer must sign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.PrepareForSigning(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func intentSignCmd() *cobra.Command {
	var signature, signer string
	cmd := &cobra.Command{
		Use:   "sign <intent-id>",
		Short: "Attach a signer's signature to a prepared intent",
		Long:  "Pass --signature and --signer, or set PAYKIT_SIGNER_KEY to sign the prepared hash locally.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sig, signerAddr, err := resolveSignature(ctx, e, args[0], signature, signer)
				if err != nil {
					return err
				}
				rec, err := e.ProvideIntentSignature(ctx, args[0], sig, signerAddr)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&signature, "signature", "", "0x-encoded 65-byte signature")
	cmd.Flags().StringVar(&signer, "signer", "", "signer address")
	return cmd
}

func intentVerifyCmd() *cobra.Command {
	var signature, signer string
	cmd := &cobra.Command{
		Use:   "verify <intent-id>",
		Short: "Check a signature against a prepared intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := hexutil.Decode(signature)
			if err != nil {
				return fmt.Errorf("--signature: %w", err)
			}
			signerAddr, err := parseAddressFlag("signer", signer)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.VerifyIntentSignature(ctx, args[0], sig, signerAddr)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"valid": ok})
			})
		},
	}
	cmd.Flags().StringVar(&signature, "signature", "", "0x-encoded signature")
	cmd.Flags().StringVar(&signer, "signer", "", "expected signer address")
	_ = cmd.MarkFlagRequired("signature")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func intentExecuteCmd() *cobra.Command {
	var caller, signature, signer string
	cmd := &cobra.Command{
		Use:   "execute <intent-id>",
		Short: "Settle a ready intent with its authorizing signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callerAddr, err := parseAddressFlag("caller", caller)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sig, signerAddr, err := storedOrGivenSignature(ctx, e, args[0], signature, signer)
				if err != nil {
					return err
				}
				p, err := e.ExecutePaymentWithSignature(ctx, engine.ExecuteRequest{
					IntentID:  args[0],
					Caller:    callerAddr,
					Signature: sig,
					Signer:    signerAddr,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "executing address (the payer)")
	cmd.Flags().StringVar(&signature, "signature", "", "authorizing signature (defaults to the stored one)")
	cmd.Flags().StringVar(&signer, "signer", "", "authorizing signer (defaults to the stored one)")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}

func intentExecutePermitCmd() *cobra.Command {
	var amount uint64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "execute-permit <intent-id>",
		Short: "Settle a ready intent with a permit signed by PAYKIT_PAYER_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadKey("PAYKIT_PAYER_KEY")
			if err != nil {
				return err
			}
			payer := crypto.PubkeyToAddress(key.PublicKey)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetIntent(ctx, args[0])
				if err != nil {
					return err
				}
				nonce, err := e.Repo.PermitNonce(ctx, payer)
				if err != nil {
					return err
				}
				permit := domain.Permit{
					Token:           p.PaymentToken,
					Amount:          p.ExpectedAmount,
					Nonce:           nonce,
					Deadline:        time.Now().UTC().Add(ttl).Truncate(time.Second),
					Spender:         e.Config.EscrowAddress(),
					TransferTo:      e.Config.EscrowAddress(),
					RequestedAmount: p.ExpectedAmount,
				}
				if amount > 0 {
					permit.Amount = amount
				}
				hash, err := authz.PermitHash(authz.PermitDomain(e.Config), permit)
				if err != nil {
					return err
				}
				if permit.Signature, err = authz.Sign(key, hash); err != nil {
					return err
				}
				out, err := e.ExecutePaymentWithPermit(ctx, engine.PermitRequest{IntentID: p.ID, Caller: payer, Permit: permit})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "permit amount (defaults to the expected amount)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "permit validity")
	return cmd
}

func intentMarkCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "mark <intent-id>",
		Short: "Mark an intent completed or failed (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.IntentStatus(status)
			if st != domain.StatusCompleted && st != domain.StatusFailed {
				return fmt.Errorf("--status must be completed or failed")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.MarkProcessed(ctx, args[0], st, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "completed or failed")
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// resolveSignature returns the given signature, or signs the prepared hash
// with PAYKIT_SIGNER_KEY when none is given.
func resolveSignature(ctx context.Context, e engine.Engine, intentID, signature, signer string) ([]byte, common.Address, error) {
	if signature != "" {
		sig, err := hexutil.Decode(signature)
		if err != nil {
			return nil, common.Address{}, fmt.Errorf("--signature: %w", err)
		}
		addr, err := parseAddressFlag("signer", signer)
		return sig, addr, err
	}
	key, err := loadKey("PAYKIT_SIGNER_KEY")
	if err != nil {
		return nil, common.Address{}, err
	}
	pc, err := e.GetPaymentContext(ctx, intentID)
	if err != nil {
		return nil, common.Address{}, err
	}
	if pc.Authorization == nil {
		return nil, common.Address{}, errors.New("intent is not prepared (run 'paykit intent prepare')")
	}
	sig, err := authz.Sign(key, pc.Authorization.Hash)
	if err != nil {
		return nil, common.Address{}, err
	}
	return sig, crypto.PubkeyToAddress(key.PublicKey), nil
}

func storedOrGivenSignature(ctx context.Context, e engine.Engine, intentID, signature, signer string) ([]byte, common.Address, error) {
	if signature != "" {
		return resolveSignature(ctx, e, intentID, signature, signer)
	}
	pc, err := e.GetPaymentContext(ctx, intentID)
	if err != nil {
		return nil, common.Address{}, err
	}
	if pc.Authorization == nil || !pc.Authorization.Ready {
		return nil, common.Address{}, errors.New("intent has no stored signature; pass --signature and --signer")
	}
	return pc.Authorization.Signature, pc.Authorization.Signer, nil
}

func loadKey(env string) (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(os.Getenv(env)), "0x")
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", env)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env, err)
	}
	return key, nil
}

func parseAddressFlag(name, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, value)
	}
	return common.HexToAddress(value), nil
}

func shortAddress(a common.Address) string {
	h := a.Hex()
	return h[:6] + "…" + h[len(h)-4:]
}
