package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lra"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lrad configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.lra/" + lra.DefaultConfigFileName
	if dir, err := lra.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, lra.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lrad configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := lra.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, lra.DefaultConfigFileName)
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the server flags; keys are the flag names so the
// generated file round-trips through viper.
type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	BasePath                string  `yaml:"base-path"`
	BaseURL                 string  `yaml:"base-url"`
	RecoveryBase            string  `yaml:"recovery-base"`
	Store                   string  `yaml:"store"`
	LogStorage              bool    `yaml:"log-storage"`
	S3SSE                   string  `yaml:"s3-sse"`
	S3KMSKeyID              string  `yaml:"s3-kms-key-id"`
	AWSRegion               string  `yaml:"aws-region"`
	AWSKMSKeyID             string  `yaml:"aws-kms-key-id"`
	AzureAccount            string  `yaml:"azure-account"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	StorageEncryption       bool    `yaml:"storage-encryption"`
	StorageEncryptionSnappy bool    `yaml:"storage-encryption-snappy"`
	KeyBundle               string  `yaml:"key-bundle"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	RecoveryInterval        string  `yaml:"recovery-interval"`
	ParticipantTimeout      string  `yaml:"participant-timeout"`
	ParticipantRetries      int     `yaml:"participant-retries"`
	ParticipantBaseDelay    string  `yaml:"participant-base-delay"`
	ParticipantMaxDelay     string  `yaml:"participant-max-delay"`
	SettleMaxAttempts       int     `yaml:"settle-max-attempts"`
	JSONMax                 string  `yaml:"json-max"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	keyBundle := ""
	if dir, err := lra.DefaultConfigDir(); err == nil {
		keyBundle = filepath.Join(dir, lra.DefaultKeyBundleName)
	}
	defaults := configDefaults{
		Listen:                  lra.DefaultListen,
		BasePath:                lra.DefaultBasePath,
		Store:                   lra.DefaultStore,
		KeyBundle:               keyBundle,
		StorageRetryMaxAttempts: lra.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   lra.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    lra.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  lra.DefaultStorageRetryMultiplier,
		RecoveryInterval:        lra.DefaultRecoveryInterval.String(),
		ParticipantTimeout:      lra.DefaultParticipantTimeout.String(),
		ParticipantRetries:      lra.DefaultParticipantRetries,
		ParticipantBaseDelay:    lra.DefaultParticipantBaseDelay.String(),
		ParticipantMaxDelay:     lra.DefaultParticipantMaxDelay.String(),
		JSONMax:                 humanizeBytes(lra.DefaultJSONMaxBytes),
		MetricsListen:           lra.DefaultMetricsListen,
		PprofListen:             lra.DefaultPprofListen,
		ShutdownTimeout:         lra.DefaultShutdownTimeout.String(),
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
