package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/qualys/sbcompliance/internal/app"
	"github.com/qualys/sbcompliance/internal/auth"
	"github.com/qualys/sbcompliance/internal/config"
	"github.com/qualys/sbcompliance/internal/logging"
)

// TokenEnv is read when --token is not given.
const TokenEnv = "SUPABASE_ACCESS_TOKEN"

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type globalOptions struct {
	configPath string
	envFile    string
	token      string
	logLevel   string
	jsonOutput bool
}

var opts globalOptions

var rootCmd = &cobra.Command{
	Use:   "sbcompliance",
	Short: "Check and fix MFA, RLS and PITR compliance of Supabase projects",
	Long: `sbcompliance checks Supabase projects for multi-factor authentication,
row level security and point-in-time recovery, fixes what it can, and keeps
an evidence trail of every step.

Examples:
	# Start the HTTP API
	sbcompliance serve

	# Check one project
	SUPABASE_ACCESS_TOKEN=sbp_... sbcompliance check abcdefghijklmnop

	# Fix everything except PITR
	sbcompliance fix abcdefghijklmnop --pitr=false

	# Show the evidence trail of a project
	sbcompliance evidence abcdefghijklmnop`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", opts.envFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOr("CONFIG_PATH", "config.yaml"), "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "Supabase access token (default $"+TokenEnv+")")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logger.Level = opts.logLevel
	}
	if cfg.Server.Version == "1.0.0" && buildVersion != "dev" {
		cfg.Server.Version = buildVersion
	}
	return cfg, nil
}

// newDependencies builds the application from the configuration flags.
// Command-line runs never start the monitor.
func newDependencies(ctx context.Context, serve bool) (*app.Dependencies, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !serve {
		cfg.Monitor.Enabled = false
	}

	logger, err := logging.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return nil, err
	}
	return app.NewDependencies(ctx, cfg, logger)
}

// resolveCredential returns the token from --token or the environment.
func resolveCredential() (auth.Credential, error) {
	token := strings.TrimSpace(opts.token)
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	cred, err := auth.Inspect(token, time.Now())
	if errors.Is(err, auth.ErrMissingToken) {
		return cred, fmt.Errorf("%w: pass --token or set %s", err, TokenEnv)
	}
	return cred, err
}
