package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mmynk/splitpay/internal/auth"
	"github.com/mmynk/splitpay/internal/ledger"
)

const (
	lamportsKey        = "lamports"
	airdropWaitKey     = "wait"
	defaultLamports    = 1_000_000_000
	defaultAirdropWait = 30 * time.Second
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Drain due reconciliations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStack()
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.reconciler.Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "done=%d retried=%d abandoned=%d\n", stats.Done, stats.Retried, stats.Abandoned)
			return nil
		},
	}
}

func airdropCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "airdrop <account>",
		Short: "Request test funds for an account and wait for them to confirm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lc, err := newLedger()
			if err != nil {
				return err
			}

			sig, err := lc.RequestTestFunds(cmd.Context(), args[0], viper.GetUint64(lamportsKey))
			if err != nil {
				return err
			}
			log.Info("Test funds requested", "account", args[0], "signature", sig)

			status, err := lc.Confirm(cmd.Context(), sig, viper.GetDuration(airdropWaitKey))
			if err != nil && !errors.Is(err, ledger.ErrConfirmationTimeout) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", sig, status)
			return nil
		},
	}
	cmd.Flags().Uint64(lamportsKey, defaultLamports, "Lamports to request")
	cmd.Flags().Duration(airdropWaitKey, defaultAirdropWait, "How long to wait for confirmation")
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the ledger service health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			lc, err := newLedger()
			if err != nil {
				return err
			}
			h, err := lc.Health(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(h)
		},
	}
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <email> [wallet]",
		Short: "Issue a caller token signed with the configured secret",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString(jwtSecretKey)
			if secret == "" {
				return fmt.Errorf("%s is not set", jwtSecretKey)
			}
			var wallet string
			if len(args) == 2 {
				wallet = args[1]
			}
			token, err := auth.NewJWTManager(secret, viper.GetDuration(tokenTTLKey)).Generate(args[0], wallet)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
