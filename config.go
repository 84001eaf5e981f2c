package lra

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultBasePath is where the REST API is mounted.
	DefaultBasePath = "/lra-coordinator"
	// DefaultStore points the server at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultMetricsListen is empty; metrics are off unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty; pprof is off unless configured.
	DefaultPprofListen = ""
	// DefaultJSONMaxBytes bounds join request bodies.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultRecoveryInterval is the pause between recovery passes.
	DefaultRecoveryInterval = 30 * time.Second
	// DefaultParticipantTimeout bounds a single participant callback.
	DefaultParticipantTimeout = 5 * time.Second
	// DefaultParticipantRetries is how many times a callback is attempted
	// within one settle before the participant is left for recovery.
	DefaultParticipantRetries = 3
	// DefaultParticipantBaseDelay is the first backoff between callback attempts.
	DefaultParticipantBaseDelay = 100 * time.Millisecond
	// DefaultParticipantMaxDelay caps the callback backoff.
	DefaultParticipantMaxDelay = 2 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultKeyBundleName is the PEM bundle created next to the config when
	// encryption is enabled without an explicit path.
	DefaultKeyBundleName = "keys.pem"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for an LRA coordinator server.
type Config struct {
	// Listen is the TCP address of the REST API.
	Listen string
	// BasePath is the mount point of the REST API.
	BasePath string
	// BaseURL is the public URL of the API, used as the namespace of new ids.
	// Empty derives it from each start request.
	BaseURL string
	// RecoveryBase prefixes participant recovery ids. Defaults to
	// BaseURL + "/recovery".
	RecoveryBase string

	// Store selects the log backend by URL scheme.
	Store string
	// LogStorage traces every storage call at debug level.
	LogStorage bool

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string
	AWSRegion         string
	AWSKMSKeyID       string
	AzureAccount      string
	AzureAccountKey   string
	AzureEndpoint     string
	AzureSASToken     string

	// StorageEncryption seals log records with kryptograf.
	StorageEncryption bool
	// StorageEncryptionSnappy compresses records before sealing.
	StorageEncryptionSnappy bool
	// KeyBundlePath holds the root key and record descriptor.
	KeyBundlePath string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// RecoveryInterval is the pause between recovery passes.
	RecoveryInterval time.Duration
	// ParticipantTimeout bounds one participant callback.
	ParticipantTimeout time.Duration
	// ParticipantRetries bounds callback attempts within one settle.
	ParticipantRetries   int
	ParticipantBaseDelay time.Duration
	ParticipantMaxDelay  time.Duration
	// SettleMaxAttempts bounds how many settles a participant gets across
	// recovery passes before it is reported failed. Zero is unbounded.
	SettleMaxAttempts int
	// FinishedMemory bounds how many ended actions are remembered so a second
	// close reports precondition failed rather than not found.
	FinishedMemory int

	// JSONMaxBytes bounds join bodies.
	JSONMaxBytes int64

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool

	ShutdownTimeout time.Duration
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	c.BasePath = "/" + strings.Trim(strings.TrimSpace(c.BasePath), "/")
	if c.BasePath == "/" {
		c.BasePath = DefaultBasePath
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: base url %q must be absolute", c.BaseURL)
		}
	}
	c.RecoveryBase = strings.TrimRight(strings.TrimSpace(c.RecoveryBase), "/")
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if c.StorageEncryption {
		if strings.TrimSpace(c.KeyBundlePath) == "" {
			return fmt.Errorf("config: storage encryption requires a key bundle path")
		}
		path, err := expandPath(c.KeyBundlePath)
		if err != nil {
			return fmt.Errorf("config: key bundle: %w", err)
		}
		c.KeyBundlePath = path
	} else {
		c.StorageEncryptionSnappy = false
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	if c.ParticipantTimeout <= 0 {
		c.ParticipantTimeout = DefaultParticipantTimeout
	}
	if c.ParticipantRetries <= 0 {
		c.ParticipantRetries = DefaultParticipantRetries
	}
	if c.ParticipantBaseDelay <= 0 {
		c.ParticipantBaseDelay = DefaultParticipantBaseDelay
	}
	if c.ParticipantMaxDelay <= 0 {
		c.ParticipantMaxDelay = DefaultParticipantMaxDelay
	}
	if c.ParticipantMaxDelay < c.ParticipantBaseDelay {
		return fmt.Errorf("config: participant max delay %s is below base delay %s", c.ParticipantMaxDelay, c.ParticipantBaseDelay)
	}
	if c.SettleMaxAttempts < 0 {
		return fmt.Errorf("config: settle max attempts must be >= 0")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// expandPath resolves ~ and environment variables, returning an absolute path.
func expandPath(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

// DefaultConfigDir returns the directory searched for config.yaml and the
// key bundle, $HOME/.lra.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lra"), nil
}
