package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/scm-audit/internal/app"
	"github.com/cam3ron2/scm-audit/internal/config"
	"github.com/cam3ron2/scm-audit/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	secretEnv = "SCM_AUDIT_SECRET"
	apiKeyEnv = "SCM_AUDIT_API_KEY"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type cliOptions struct {
	configPath       string
	envFile          string
	days             int
	scmType          string
	organizationName string
	workspace        string
	username         string
	secret           string
	resultsFormat    string
	resultsDir       string
	scriptVersion    string
	clientID         string
	apiKey           string
	apiURL           string
	logLevel         string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	cancel()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "scm-audit: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "scm-audit",
		Short: "Audit the contributors of a GitHub organization or Bitbucket Cloud workspace.",
		Long: `scm-audit lists the repositories of one GitHub organization or Bitbucket Cloud
workspace, folds the commits of the last --days days into a contributor report,
writes it as JSON or TXT and optionally uploads it to the reporting service.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to YAML config file")
	flags.StringVar(&opts.envFile, "envFile", ".env", "dotenv file loaded before reading secrets from the environment")
	flags.IntVar(&opts.days, "days", 90, "number of days to look back for commits")
	flags.StringVar(&opts.scmType, "scmType", string(config.SCMTypeGitHub), "SCM type to audit: GitHub or BitbucketCloud")
	flags.StringVar(&opts.organizationName, "organizationName", "", "GitHub organization name")
	flags.StringVar(&opts.workspace, "workspace", "", "Bitbucket Cloud workspace")
	flags.StringVar(&opts.username, "username", "", "Bitbucket Cloud username")
	flags.StringVar(&opts.secret, "secret", "", "GitHub personal access token or Bitbucket Cloud app password (env "+secretEnv+")")
	flags.StringVar(&opts.resultsFormat, "resultsFormat", string(config.ResultsFormatTXT), "format of the results file: JSON or TXT")
	flags.StringVar(&opts.resultsDir, "resultsDir", ".", "directory the results file is written to")
	flags.StringVar(&opts.scriptVersion, "scriptVersion", version, "version recorded in the result metadata")
	flags.StringVar(&opts.clientID, "clientId", "", "reporting service client id; enables upload together with --apiKey")
	flags.StringVar(&opts.apiKey, "apiKey", "", "reporting service API key (env "+apiKeyEnv+")")
	flags.StringVar(&opts.apiURL, "apiURL", "", "reporting service API URL")
	flags.StringVar(&opts.logLevel, "logLevel", "info", "log level: debug, info, warn or error")

	return cmd
}

func run(cmd *cobra.Command, opts *cliOptions) error {
	if err := loadEnvFile(opts.envFile); err != nil {
		return err
	}

	cfg, err := resolveConfig(opts, cmd.Flags().Changed, os.Getenv)
	if err != nil {
		return err
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && !shouldIgnoreLoggerSyncError(syncErr) {
			_, _ = fmt.Fprintf(os.Stderr, "scm-audit: sync logger: %v\n", syncErr)
		}
	}()

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      "scm-audit",
		ServiceVersion:   cfg.Audit.ScriptVersion,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	logger.Info(
		"starting scm-audit",
		zap.String("version", cfg.Audit.ScriptVersion),
		zap.String("scm_type", string(cfg.Audit.SCMType)),
		zap.Int("days", cfg.Audit.Days),
		zap.String("results_format", string(cfg.Audit.ResultsFormat)),
		zap.Bool("upload", cfg.Upload.Enabled),
		zap.String("store", cfg.Store.Backend),
	)
	if cfg.Store.Backend == "memory" {
		logger.Warn("memory store is discarded when this run exits; use redis to keep history and locks across runs")
	}

	runtime, err := app.NewRuntime(cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer func() {
		_ = runtime.Close()
	}()

	report, err := runtime.RunOnce(cmd.Context())
	if err != nil {
		logger.Error("audit failed", zap.Error(err))
		return err
	}

	logger.Info(
		"audit finished",
		zap.String("organization", report.Result.OrganizationName),
		zap.Int("contributors", len(report.Result.Contributors)),
		zap.String("results_file", report.ResultPath),
		zap.Bool("uploaded", report.Uploaded),
		zap.Duration("duration", report.Duration),
	)
	return nil
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// resolveConfig layers the config file, then changed flags, then secrets from
// the environment, and validates the result.
func resolveConfig(opts *cliOptions, changed func(name string) bool, getenv func(string) string) (*config.Config, error) {
	cfg := config.Default()
	if strings.TrimSpace(opts.configPath) != "" {
		configFile, err := os.Open(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer func() {
			_ = configFile.Close()
		}()

		cfg, err = config.Decode(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if changed("days") {
		cfg.Audit.Days = opts.days
	}
	if changed("scmType") {
		cfg.Audit.SCMType = config.ParseSCMType(opts.scmType)
	}
	if changed("resultsFormat") {
		cfg.Audit.ResultsFormat = config.ParseResultsFormat(opts.resultsFormat)
	}
	if changed("resultsDir") {
		cfg.Audit.ResultsDir = opts.resultsDir
	}
	if changed("scriptVersion") || cfg.Audit.ScriptVersion == "" {
		cfg.Audit.ScriptVersion = opts.scriptVersion
	}
	if changed("organizationName") {
		cfg.GitHub.OrganizationName = opts.organizationName
	}
	if changed("workspace") {
		cfg.Bitbucket.Workspace = opts.workspace
	}
	if changed("username") {
		cfg.Bitbucket.Username = opts.username
	}
	if changed("logLevel") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(opts.logLevel))
	}

	secret := opts.secret
	if secret == "" {
		secret = getenv(secretEnv)
	}
	if secret != "" {
		switch cfg.Audit.SCMType {
		case config.SCMTypeBitbucketCloud:
			cfg.Bitbucket.AppPassword = secret
		default:
			cfg.GitHub.Token = secret
		}
	}

	apiKey := opts.apiKey
	if apiKey == "" {
		apiKey = getenv(apiKeyEnv)
	}
	if apiKey != "" {
		cfg.Upload.APIKey = apiKey
	}
	if changed("clientId") {
		cfg.Upload.ClientID = opts.clientID
	}
	if changed("apiURL") {
		cfg.Upload.APIURL = opts.apiURL
	}
	if strings.TrimSpace(cfg.Upload.ClientID) != "" && strings.TrimSpace(cfg.Upload.APIKey) != "" {
		cfg.Upload.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func shouldIgnoreLoggerSyncError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
