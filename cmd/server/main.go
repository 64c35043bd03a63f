package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mmynk/splitpay/pkg/logging"
)

const (
	configKey            = "config"
	logLevelKey          = "log-level"
	laddrKey             = "laddr"
	dbPathKey            = "db-path"
	ledgerURLKey         = "ledger-url"
	debtStoreURLKey      = "debt-store-url"
	rateKey              = "rate"
	feeReserveKey        = "fee-reserve"
	confirmTimeoutKey    = "confirm-timeout"
	confirmIntervalKey   = "confirm-interval"
	stillWaitingKey      = "still-waiting-after"
	signatureTimeoutKey  = "signature-timeout"
	broadcastAttemptsKey = "broadcast-attempts"
	broadcastBackoffKey  = "broadcast-backoff"
	maxRebuildsKey       = "max-rebuilds"
	reconcileScheduleKey = "reconcile-schedule"
	jwtSecretKey         = "jwt-secret"
	tokenTTLKey          = "token-ttl"
)

var (
	log     *slog.Logger
	rootCmd = &cobra.Command{
		Use:   "splitpay",
		Short: "Settle shared-expense debts with on-ledger transfers",
		Long: `Splitpay turns what one person owes another into a signed ledger transfer,
tracks every attempt through confirmation and records the payment against the
debt. Run "splitpay serve" for the Connect API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if viper.IsSet(configKey) {
				viper.SetConfigFile(viper.GetString(configKey))
				if err := viper.ReadInConfig(); err != nil {
					return err
				}
			} else {
				viper.SetConfigName(cmd.Root().Use)
				viper.AddConfigPath(xdg.ConfigHome)
				if err := viper.ReadInConfig(); err != nil && !errors.As(err, &viper.ConfigFileNotFoundError{}) {
					return err
				}
			}

			l, err := logging.Setup(viper.GetString(logLevelKey))
			if err != nil {
				return err
			}
			log = l
			return nil
		},
	}
)

func main() {
	// Local runs keep secrets in .env; a missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("Failed to load .env", "error", err)
		os.Exit(1)
	}

	if err := execute(); err != nil {
		os.Exit(1)
	}
}

func execute() error {
	f := rootCmd.PersistentFlags()
	f.StringP(configKey, "c", "", "Config file to use (by default "+rootCmd.Use+".yaml in the XDG config directory is read if it exists)")
	f.String(logLevelKey, "info", "Log level (debug, info, warn, error)")
	f.String(dbPathKey, filepath.Join(xdg.DataHome, "splitpay", "splitpay.db"), "SQLite database for attempts, reconciliations and local debts")
	f.String(ledgerURLKey, "http://localhost:3001", "Ledger RPC service base URL")
	f.String(debtStoreURLKey, "", "External debt store base URL (empty keeps debts in SQLite)")
	f.String(rateKey, "1", "Native coins per currency unit")
	f.Uint64(feeReserveKey, 5000, "Lamports kept back for the network fee")
	f.Duration(confirmTimeoutKey, 30*time.Second, "How long to wait for a broadcast transfer to confirm")
	f.Duration(confirmIntervalKey, time.Second, "Interval between confirmation status polls")
	f.Duration(stillWaitingKey, 5*time.Second, "When a pending signature is reported as still waiting")
	f.Duration(signatureTimeoutKey, 0, "How long to wait for a wallet signature (0 waits until cancelled)")
	f.Int(broadcastAttemptsKey, 3, "Submissions tried when the ledger is unreachable")
	f.Duration(broadcastBackoffKey, 500*time.Millisecond, "First delay between submissions")
	f.Int(maxRebuildsKey, 1, "Fresh builds allowed after a stale block reference")
	f.String(jwtSecretKey, "", "HMAC secret for caller tokens (empty disables auth)")
	f.Duration(tokenTTLKey, 24*time.Hour, "Lifetime of issued caller tokens")

	rootCmd.AddCommand(serveCmd(), reconcileCmd(), airdropCmd(), healthCmd(), tokenCmd())

	if err := viper.BindPFlags(f); err != nil {
		return err
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return rootCmd.Execute()
}
