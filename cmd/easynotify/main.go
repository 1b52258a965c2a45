package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/djlord-it/easy-notify/internal/config"
	"github.com/djlord-it/easy-notify/internal/store/postgres"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalidConfig(err error) error {
	return &exitError{code: exitInvalidConfig, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitRuntimeError
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "easynotify",
		Short: "Delayed notification dispatch service",
		Long: `easynotify accepts notifications for a future local time and delivers
them by email, SMS or WhatsApp when they fall due.

Configuration is read from the environment and an optional .env file.
Run "easynotify config" to print the effective values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newRunCmd("serve", "Start the API, the dispatch worker and the reconciler", modeServe),
		newRunCmd("api", "Start only the HTTP API", modeAPI),
		newRunCmd("worker", "Start only the dispatch worker and the reconciler", modeWorker),
		&cobra.Command{
			Use:   "validate",
			Short: "Validate configuration (no connections made)",
			Args:  cobra.NoArgs,
			RunE:  runValidate,
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print effective configuration as JSON (secrets masked)",
			Args:  cobra.NoArgs,
			RunE:  runConfig,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			Args:  cobra.NoArgs,
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "easynotify version %s (commit: %s)\n", version, commit)
			},
		},
	)
	return root
}

func newRunCmd(use, short string, m mode) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, m)
		},
	}
}

// loadConfig loads and validates the configuration.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, invalidConfig(err)
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, invalidConfig(errors.Wrap(err, "configuration error"))
	}
	return cfg, nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
	return nil
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return invalidConfig(err)
	}
	data, err := cfg.MaskedJSON()
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.DBOpTimeout)
	defer cancel()
	if err := postgres.New(db).Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
	return nil
}
