package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tradefin/tradefin/internal/app"
	"github.com/tradefin/tradefin/internal/platform/db"
	"github.com/tradefin/tradefin/internal/pricing"
	"github.com/tradefin/tradefin/internal/shared"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				applied, err := db.Migrate(ctx, rt.Pool, rt.Logger)
				if err != nil {
					return err
				}
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				}
				return nil
			})
		},
	}
}

func newOffersCmd() *cobra.Command {
	offers := &cobra.Command{Use: "offers", Short: "Offer maintenance"}
	offers.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Expire active offers past their expiry time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				release, ok, err := rt.Locker().TryLock(ctx, shared.SweepLockKey("offers"), 2*time.Minute)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("offer sweep already running")
				}
				defer func() { _ = release(context.WithoutCancel(ctx)) }()
				n, err := rt.Financing.ExpireOffers(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d offers\n", n)
				return nil
			})
		},
	})
	return offers
}

func newRepaymentsCmd() *cobra.Command {
	var limit int
	allocate := &cobra.Command{
		Use:   "allocate [received-id]",
		Short: "Allocate one receipt, or every receipt with an unallocated balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				if len(args) == 1 {
					id, err := strconv.ParseInt(args[0], 10, 64)
					if err != nil {
						return fmt.Errorf("invalid received id %q", args[0])
					}
					allocations, err := rt.Financing.Allocate(ctx, shared.SystemActor, id)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), allocations)
				}
				n, err := rt.Financing.AllocatePending(ctx, shared.SystemActor, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %d allocations\n", n)
				return nil
			})
		},
	}
	allocate.Flags().IntVar(&limit, "limit", 100, "maximum receipts to process")

	repayments := &cobra.Command{Use: "repayments", Short: "Repayment maintenance"}
	repayments.AddCommand(allocate)
	return repayments
}

func newPricingCmd() *cobra.Command {
	pricingCmd := &cobra.Command{Use: "pricing", Short: "Pricing engine and override rules"}

	var (
		amount, defaultRate, adminFee  string
		due, supplierGrade, buyerGrade string
		vip                            bool
	)
	quote := &cobra.Command{
		Use:   "quote",
		Short: "Price an invoice without touching the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := quoteInput(amount, due, supplierGrade, buyerGrade, defaultRate, vip)
			if err != nil {
				return err
			}
			fee, err := decimal.NewFromString(adminFee)
			if err != nil {
				return fmt.Errorf("invalid --admin-fee: %w", err)
			}
			snap, err := pricing.NewEngine(fee).Quote(in, nil, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	quote.Flags().StringVar(&amount, "amount", "", "invoice amount")
	quote.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	quote.Flags().StringVar(&supplierGrade, "supplier-grade", "", "supplier credit grade")
	quote.Flags().StringVar(&buyerGrade, "buyer-grade", "", "buyer credit grade")
	quote.Flags().StringVar(&defaultRate, "default-rate", "0", "historical default rate in percent")
	quote.Flags().StringVar(&adminFee, "admin-fee", "50", "flat admin fee")
	quote.Flags().BoolVar(&vip, "vip", false, "apply the VIP discount")
	_ = quote.MarkFlagRequired("amount")
	_ = quote.MarkFlagRequired("due")

	rules := &cobra.Command{Use: "rules", Short: "Manage override rules"}
	rules.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active override rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				active, err := rt.PricingRepo.ActiveRules(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), active)
			})
		},
	})

	var (
		tenorMin             int
		tenorMax             int
		amountMin, amountMax string
		baseRate             string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an active override rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rule, err := ruleFromFlags(tenorMin, tenorMax, amountMin, amountMax, baseRate)
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				created, err := rt.PricingRepo.CreateRule(ctx, rule)
				if err != nil {
					return err
				}
				if err := rt.Rules.Invalidate(ctx); err != nil {
					rt.Logger.Warn("invalidate rule cache", slog.Any("error", err))
				}
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}
	create.Flags().IntVar(&tenorMin, "tenor-min", 0, "minimum tenor in days")
	create.Flags().IntVar(&tenorMax, "tenor-max", -1, "maximum tenor in days, -1 for open")
	create.Flags().StringVar(&amountMin, "amount-min", "", "minimum invoice amount")
	create.Flags().StringVar(&amountMax, "amount-max", "", "maximum invoice amount")
	create.Flags().StringVar(&baseRate, "base-rate", "", "base rate in percent")
	_ = create.MarkFlagRequired("base-rate")

	rules.AddCommand(create, &cobra.Command{
		Use:   "deactivate <rule-id>",
		Short: "Deactivate an override rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.PricingRepo.DeactivateRule(ctx, id); err != nil {
					return err
				}
				if err := rt.Rules.Invalidate(ctx); err != nil {
					rt.Logger.Warn("invalidate rule cache", slog.Any("error", err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rule %d deactivated\n", id)
				return nil
			})
		},
	})

	pricingCmd.AddCommand(quote, rules)
	return pricingCmd
}

func newSuppliersCmd() *cobra.Command {
	suppliers := &cobra.Command{Use: "suppliers", Short: "Supplier administration"}
	kybCmd := &cobra.Command{Use: "kyb", Short: "Know-your-business status"}
	kybCmd.AddCommand(&cobra.Command{
		Use:   "set <supplier-id> <pending|approved|rejected|expired>",
		Short: "Set a supplier's verification status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid supplier id %q", args[0])
			}
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Gate.SetStatus(ctx, id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "supplier %d kyb status %s\n", id, args[1])
				return nil
			})
		},
	})
	suppliers.AddCommand(kybCmd)
	return suppliers
}

func newIdempotencyCmd() *cobra.Command {
	var retention time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete idempotency keys older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if retention <= 0 {
				return fmt.Errorf("retention must be positive")
			}
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Idempotency.Cleanup(ctx, retention)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d keys\n", n)
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&retention, "older-than", 30*24*time.Hour, "retention window")
	idem := &cobra.Command{Use: "idempotency", Short: "Request idempotency keys"}
	idem.AddCommand(prune)
	return idem
}

func quoteInput(amount, due, supplierGrade, buyerGrade, defaultRate string, vip bool) (pricing.Input, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return pricing.Input{}, fmt.Errorf("invalid --amount %q", amount)
	}
	dueDate, err := time.Parse("2006-01-02", due)
	if err != nil {
		return pricing.Input{}, fmt.Errorf("invalid --due %q, want YYYY-MM-DD", due)
	}
	rate, err := decimal.NewFromString(defaultRate)
	if err != nil {
		return pricing.Input{}, fmt.Errorf("invalid --default-rate %q", defaultRate)
	}
	return pricing.Input{
		Amount:        amt,
		DueDate:       dueDate,
		SupplierGrade: pricing.ParseGrade(supplierGrade),
		BuyerGrade:    pricing.ParseGrade(buyerGrade),
		DefaultRate:   rate,
		VIP:           vip,
	}, nil
}

func ruleFromFlags(tenorMin, tenorMax int, amountMin, amountMax, baseRate string) (pricing.OverrideRule, error) {
	rate, err := decimal.NewFromString(baseRate)
	if err != nil || rate.IsNegative() {
		return pricing.OverrideRule{}, fmt.Errorf("invalid --base-rate %q", baseRate)
	}
	rule := pricing.OverrideRule{TenorMin: tenorMin, BaseRate: rate, Active: true}
	if tenorMin < 0 {
		return pricing.OverrideRule{}, fmt.Errorf("--tenor-min must not be negative")
	}
	if tenorMax >= 0 {
		if tenorMax < tenorMin {
			return pricing.OverrideRule{}, fmt.Errorf("--tenor-max must be at least --tenor-min")
		}
		rule.TenorMax = &tenorMax
	}
	for _, bound := range []struct {
		raw    string
		target *decimal.NullDecimal
		flag   string
	}{{amountMin, &rule.AmountMin, "--amount-min"}, {amountMax, &rule.AmountMax, "--amount-max"}} {
		if bound.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(bound.raw)
		if err != nil {
			return pricing.OverrideRule{}, fmt.Errorf("invalid %s %q", bound.flag, bound.raw)
		}
		*bound.target = decimal.NewNullDecimal(v)
	}
	return rule, nil
}
