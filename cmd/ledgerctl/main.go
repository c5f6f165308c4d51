package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iurnickita/orderledger/internal/auth"
	"github.com/iurnickita/orderledger/internal/auth/config"
	"github.com/iurnickita/orderledger/internal/ledgerclient"
	"github.com/iurnickita/orderledger/internal/model"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	server string
	token  string
	tenant string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the order ledger: tokens, reconciliation and reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.server, "server", "s", envOr("LEDGER_SERVER", "http://localhost:8080"), "ledger API address")
	cmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("LEDGER_TOKEN"), "bearer token")
	cmd.PersistentFlags().StringVarP(&flags.tenant, "tenant", "t", os.Getenv("LEDGER_TENANT"), "tenant id")

	cmd.AddCommand(tokenCmd())
	cmd.AddCommand(reconcileCmd(flags))
	cmd.AddCommand(deriveCmd(flags))
	cmd.AddCommand(reportCmd(flags, "allocations", "Partner allocations per period"))
	cmd.AddCommand(reportCmd(flags, "revenue", "Revenue totals per period"))
	return cmd
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (f *globalFlags) client() (ledgerclient.Client, error) {
	if f.tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	return ledgerclient.New(f.server, f.token), nil
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func tokenCmd() *cobra.Command {
	var secret, subject, role string
	var tenants []string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := auth.NewAuth(config.Config{TokenSecret: secret, TokenTTL: ttl})
			signed, err := a.Issue(subject, auth.Role(role), tenants)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("TOKEN_SECRET"), "signing secret")
	cmd.Flags().StringVar(&subject, "subject", "", "caller name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleReader), "admin, ingest or reader")
	cmd.Flags().StringSliceVar(&tenants, "tenants", nil, "tenants the caller may access")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}

func reconcileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Remove orphan ledger events of the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			report, err := client.Reconcile(cmd.Context(), flags.tenant)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func deriveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "derive [order-id]",
		Short: "Recompute the status of an order from its ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			derivation, err := client.DeriveStatus(cmd.Context(), flags.tenant, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), derivation)
		},
	}
}

func reportCmd(flags *globalFlags, name string, short string) *cobra.Command {
	var period ledgerclient.Period
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			if !model.Granularity(period.Granularity).Valid() {
				return fmt.Errorf("unknown granularity %q", period.Granularity)
			}

			var rows any
			if name == "allocations" {
				rows, err = client.Allocations(cmd.Context(), flags.tenant, period)
			} else {
				rows, err = client.Revenue(cmd.Context(), flags.tenant, period)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}

	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	cmd.Flags().StringVar(&period.From, "from", monthStart.Format(time.DateOnly), "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&period.To, "to", now.Format(time.DateOnly), "last day, YYYY-MM-DD")
	cmd.Flags().StringVarP(&period.Granularity, "granularity", "g", "month", "day or month")
	return cmd
}
