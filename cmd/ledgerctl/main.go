// Command ledgerctl is the operator CLI for the usage ledger: it applies
// migrations, issues and revokes activation codes, and prints statistics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bryaninjapan/englisheditor/internal/config"
	"github.com/bryaninjapan/englisheditor/internal/registry"
	"github.com/bryaninjapan/englisheditor/internal/reporting"
	"github.com/bryaninjapan/englisheditor/internal/repository"
)

var (
	configFile string

	issueKind        string
	issueCount       int
	issueCredits     int
	issueMaxDevices  int
	issueExpiresDays int
	issueCreatedBy   string
)

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Operate the usage ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(_ config.Config, pool *pgxpool.Pool) error {
			if err := repository.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		})
	},
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a batch of activation codes",
	Example: `  # Ten purchase codes worth 100 credits on up to 3 devices
  ledgerctl issue --count 10

  # One trial code that expires in a week
  ledgerctl issue --kind trial --credits 20 --max-devices 1 --expires-days 7`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(cfg config.Config, pool *pgxpool.Pool) error {
			svc := registry.NewService(registry.NewRepository(pool), registryDefaults(cfg), nil)
			issued, err := svc.IssueActivationCodes(cmd.Context(), registry.IssueParams{
				Kind:                 issueKind,
				Count:                issueCount,
				CreditsPerRedemption: issueCredits,
				MaxRedemptions:       issueMaxDevices,
				ExpiresDays:          issueExpiresDays,
				CreatedBy:            issueCreatedBy,
			})
			// Codes stored before a failure are active, so print them either way.
			for _, c := range issued {
				fmt.Fprintln(cmd.OutOrStdout(), c.Code)
			}
			if err != nil {
				return fmt.Errorf("issued %d of %d codes: %w", len(issued), issueCount, err)
			}
			return nil
		})
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke CODE",
	Short: "Revoke an activation code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(cfg config.Config, pool *pgxpool.Pool) error {
			svc := registry.NewService(registry.NewRepository(pool), registryDefaults(cfg), nil)
			code, err := svc.RevokeActivationCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s revoked\n", code.Code)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print ledger statistics as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(_ config.Config, pool *pgxpool.Pool) error {
			st, err := reporting.NewService(reporting.NewRepository(pool)).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "path to YAML config file")

	issueCmd.Flags().StringVar(&issueKind, "kind", "", "code kind (purchase, invite, trial, admin)")
	issueCmd.Flags().IntVarP(&issueCount, "count", "n", 1, "number of codes to issue (1-100)")
	issueCmd.Flags().IntVar(&issueCredits, "credits", 0, "credits granted per redemption (default from config)")
	issueCmd.Flags().IntVar(&issueMaxDevices, "max-devices", 0, "devices that may redeem each code (default from config)")
	issueCmd.Flags().IntVar(&issueExpiresDays, "expires-days", 0, "expire codes after this many days")
	issueCmd.Flags().StringVar(&issueCreatedBy, "created-by", "ledgerctl", "actor recorded on the codes")

	rootCmd.AddCommand(migrateCmd, issueCmd, revokeCmd, statsCmd)
}

func registryDefaults(cfg config.Config) registry.Defaults {
	return registry.Defaults{
		CreditsPerRedemption: cfg.ActivationDefaultCredits,
		MaxRedemptions:       cfg.ActivationDefaultMaxRedemptions,
		InviteCredits:        cfg.InviteCredits,
	}
}

func withPool(ctx context.Context, fn func(config.Config, *pgxpool.Pool) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	pool, err := repository.Connect(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(cfg, pool)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	_ = godotenv.Load()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
