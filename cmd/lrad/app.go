package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/lra"
	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/version"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LRA_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lrad")
	cmd := newRootCommand(baseLogger, viper.New())
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

// serverFlags lists every flag that maps onto lra.Config. Each one is also
// read from LRA_<NAME> and from the config file.
var serverFlags = []string{
	"listen", "base-path", "base-url", "recovery-base",
	"store", "log-storage",
	"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-sse", "s3-kms-key-id",
	"aws-region", "aws-kms-key-id",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"storage-encryption", "storage-encryption-snappy", "key-bundle",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"recovery-interval", "participant-timeout", "participant-retries", "participant-base-delay", "participant-max-delay",
	"settle-max-attempts", "finished-memory", "json-max",
	"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
	"shutdown-timeout", "log-level",
}

func newRootCommand(baseLogger pslog.Logger, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lrad",
		Short:         "lrad coordinates long running actions (sagas) between HTTP participants",
		SilenceErrors: true,
		Example: `
  # In-memory log (tests/dev only)
  lrad --store mem://

  # Durable log on local disk, encrypted at rest
  lrad --store disk:///var/lib/lra --storage-encryption

  # MinIO (TLS on by default; append ?insecure=1 for HTTP)
  LRA_STORE=s3://localhost:9000/lra?insecure=1 LRA_S3_ACCESS_KEY_ID=minioadmin LRA_S3_SECRET_ACCESS_KEY=minioadmin lrad

  # AWS S3 (credentials from the default AWS chain)
  LRA_STORE=aws://my-bucket/lra LRA_AWS_REGION=eu-north-1 lrad

  # Azure Blob Storage
  LRA_STORE=azure://account/container/lra LRA_AZURE_KEY=... lrad
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd.Context(), baseLogger, v)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.lra/"+lra.DefaultConfigFileName+")")

	keyBundleDefault := ""
	if dir, err := lra.DefaultConfigDir(); err == nil {
		keyBundleDefault = filepath.Join(dir, lra.DefaultKeyBundleName)
	}

	flags := cmd.Flags()
	flags.String("listen", lra.DefaultListen, "HTTP listen address")
	flags.String("base-path", lra.DefaultBasePath, "path the coordinator API is mounted under")
	flags.String("base-url", "", "absolute URL new action ids are minted under (derived from each request when empty)")
	flags.String("recovery-base", "", "URL prefix for participant recovery ids (defaults to <base-url>/recovery)")
	flags.String("store", lra.DefaultStore, "transaction log store URL (mem://, disk://, s3://, aws://, azure://)")
	flags.Bool("log-storage", false, "log and trace every storage call")
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("s3-sse", "", "server-side encryption mode for s3:// and aws:// (AES256 or aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key for aws:kms server-side encryption")
	flags.String("aws-region", "", "region for aws:// stores (falls back to AWS_REGION)")
	flags.String("aws-kms-key-id", "", "KMS key for aws:// stores")
	flags.String("azure-account", "", "storage account for azure:// stores (overrides the URL host)")
	flags.String("azure-key", "", "shared key for azure:// stores")
	flags.String("azure-endpoint", "", "blob endpoint override for azure:// stores (e.g. Azurite)")
	flags.String("azure-sas-token", "", "SAS token for azure:// stores")
	flags.Bool("storage-encryption", false, "encrypt transaction log records at rest")
	flags.Bool("storage-encryption-snappy", false, "snappy-compress records before encryption")
	flags.String("key-bundle", keyBundleDefault, "key bundle used for storage encryption (created when missing)")
	flags.Int("storage-retry-attempts", lra.DefaultStorageRetryMaxAttempts, "attempts for transient storage failures")
	flags.Duration("storage-retry-base-delay", lra.DefaultStorageRetryBaseDelay, "first storage retry delay")
	flags.Duration("storage-retry-max-delay", lra.DefaultStorageRetryMaxDelay, "storage retry delay cap")
	flags.Float64("storage-retry-multiplier", lra.DefaultStorageRetryMultiplier, "storage retry backoff multiplier")
	flags.Duration("recovery-interval", lra.DefaultRecoveryInterval, "period between recovery passes (reloaded from the config file)")
	flags.Duration("participant-timeout", lra.DefaultParticipantTimeout, "timeout for a single participant call")
	flags.Int("participant-retries", lra.DefaultParticipantRetries, "attempts per participant call before giving up until the next pass")
	flags.Duration("participant-base-delay", lra.DefaultParticipantBaseDelay, "first participant retry delay")
	flags.Duration("participant-max-delay", lra.DefaultParticipantMaxDelay, "participant retry delay cap")
	flags.Int("settle-max-attempts", 0, "settle attempts before an action is marked failed (0 retries forever)")
	flags.Int("finished-memory", 0, "number of finished action ids remembered for 412 answers (0 uses the default)")
	flags.String("json-max", humanizeBytes(lra.DefaultJSONMaxBytes), "maximum request body size")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (host:port, grpc://, grpcs://, http:// or https://)")
	flags.String("metrics-listen", lra.DefaultMetricsListen, "Prometheus /metrics listen address (disabled when empty)")
	flags.String("pprof-listen", lra.DefaultPprofListen, "pprof listen address (disabled when empty)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics (requires --metrics-listen)")
	flags.Duration("shutdown-timeout", lra.DefaultShutdownTimeout, "grace period for in-flight requests on shutdown")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlags(v, []string{"config"}, persistentFlags)
	bindFlags(v, serverFlags, flags)
	v.SetEnvPrefix("LRA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// bindFlags binds each named flag to v. A missing flag is a programming error.
func bindFlags(v *viper.Viper, names []string, set *pflag.FlagSet) {
	for _, name := range names {
		flag := set.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func runServer(ctx context.Context, baseLogger pslog.Logger, v *viper.Viper) error {
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
	loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
		"welcome to lrad",
		"version", version.Current(),
		"pid", os.Getpid(),
	)

	configFile, err := loadConfigFile(v)
	if err != nil {
		return err
	}
	if configFile != "" {
		cliLogger.Info("loaded config file", "path", configFile)
	}
	cfg, err := bindConfig(v)
	if err != nil {
		return err
	}
	srv, err := lra.NewServer(cfg, lra.WithLogger(logger))
	if err != nil {
		return err
	}
	cliLogger.Info("coordinator configured",
		"store", cfg.Store,
		"encryption", cfg.StorageEncryption,
		"json_max", humanizeBytes(cfg.JSONMaxBytes),
	)
	if configFile != "" {
		watchRecoveryInterval(v, srv, cliLogger)
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = lra.DefaultShutdownTimeout
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}()
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	}
	return nil
}

// watchRecoveryInterval applies recovery-interval edits in the config file to
// the running server. Other settings need a restart.
func watchRecoveryInterval(v *viper.Viper, srv *lra.Server, logger pslog.Logger) {
	current := v.GetDuration("recovery-interval")
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next := v.GetDuration("recovery-interval")
		if next <= 0 || next == current {
			return
		}
		logger.Info("config.reload.recovery_interval", "path", e.Name, "from", current, "to", next)
		current = next
		srv.SetRecoveryInterval(next)
	})
	v.WatchConfig()
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := lra.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, lra.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func bindConfig(v *viper.Viper) (lra.Config, error) {
	cfg := lra.Config{
		Listen:                  v.GetString("listen"),
		BasePath:                v.GetString("base-path"),
		BaseURL:                 v.GetString("base-url"),
		RecoveryBase:            v.GetString("recovery-base"),
		Store:                   v.GetString("store"),
		LogStorage:              v.GetBool("log-storage"),
		S3AccessKeyID:           v.GetString("s3-access-key-id"),
		S3SecretAccessKey:       v.GetString("s3-secret-access-key"),
		S3SessionToken:          v.GetString("s3-session-token"),
		S3SSE:                   v.GetString("s3-sse"),
		S3KMSKeyID:              v.GetString("s3-kms-key-id"),
		AWSRegion:               strings.TrimSpace(v.GetString("aws-region")),
		AWSKMSKeyID:             strings.TrimSpace(v.GetString("aws-kms-key-id")),
		AzureAccount:            v.GetString("azure-account"),
		AzureAccountKey:         v.GetString("azure-key"),
		AzureEndpoint:           v.GetString("azure-endpoint"),
		AzureSASToken:           v.GetString("azure-sas-token"),
		StorageEncryption:       v.GetBool("storage-encryption"),
		StorageEncryptionSnappy: v.GetBool("storage-encryption-snappy"),
		KeyBundlePath:           v.GetString("key-bundle"),
		StorageRetryMaxAttempts: v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  v.GetFloat64("storage-retry-multiplier"),
		RecoveryInterval:        v.GetDuration("recovery-interval"),
		ParticipantTimeout:      v.GetDuration("participant-timeout"),
		ParticipantRetries:      v.GetInt("participant-retries"),
		ParticipantBaseDelay:    v.GetDuration("participant-base-delay"),
		ParticipantMaxDelay:     v.GetDuration("participant-max-delay"),
		SettleMaxAttempts:       v.GetInt("settle-max-attempts"),
		FinishedMemory:          v.GetInt("finished-memory"),
		OTLPEndpoint:            v.GetString("otlp-endpoint"),
		MetricsListen:           v.GetString("metrics-listen"),
		PprofListen:             v.GetString("pprof-listen"),
		EnableProfilingMetrics:  v.GetBool("enable-profiling-metrics"),
		ShutdownTimeout:         v.GetDuration("shutdown-timeout"),
	}
	if maxBytes := strings.TrimSpace(v.GetString("json-max")); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return lra.Config{}, fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	if cfg.AWSRegion == "" {
		cfg.AWSRegion = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if cfg.AWSKMSKeyID == "" {
		cfg.AWSKMSKeyID = firstEnv("AWS_KMS_KEY_ID")
	}
	return cfg, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
