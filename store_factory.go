package lra

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/lra/internal/storage"
	awsstore "pkt.systems/lra/internal/storage/aws"
	azurestore "pkt.systems/lra/internal/storage/azure"
	"pkt.systems/lra/internal/storage/disk"
	"pkt.systems/lra/internal/storage/memory"
	"pkt.systems/lra/internal/storage/s3"
)

// recordContext binds the record DEK to this coordinator's log.
var recordContext = []byte("lra/records/v1")

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

func openBackend(cfg Config, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		s3cfg.Logger = logger
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(context.Background(), s3cfg.Bucket, backend.BucketExists); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awscfg.Logger = logger
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(context.Background(), awscfg.Bucket, backend.BucketExists); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		azureCfg.Logger = logger
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// openCrypto loads (or creates) the key bundle when encryption is enabled.
func openCrypto(cfg Config) (*storage.Crypto, error) {
	if !cfg.StorageEncryption {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.KeyBundlePath), 0o700); err != nil {
		return nil, fmt.Errorf("prepare key bundle directory: %w", err)
	}
	material, err := storage.EnsureKeyBundle(cfg.KeyBundlePath, recordContext)
	if err != nil {
		return nil, err
	}
	return storage.NewCrypto(storage.CryptoConfig{
		Enabled:          true,
		RootKey:          material.Root,
		RecordDescriptor: material.Descriptor,
		RecordContext:    recordContext,
		Snappy:           cfg.StorageEncryptionSnappy,
	})
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/lra)")
	}
	return disk.Config{Root: filepath.Clean(pathPart)}, nil
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := !strings.EqualFold(query.Get("scheme"), "http")
	if v, ok := queryBool(query, "tls"); ok {
		secure = v
	}
	if v, ok := queryBool(query, "insecure"); ok && v {
		secure = false
	}
	forcePath, _ := queryBool(query, "path-style")
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs for the AWS SDK backend.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or LRA_AWS_REGION)")
	}
	insecure, _ := queryBool(query, "insecure")
	forcePath, _ := queryBool(query, "path-style")
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       query.Get("endpoint"),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, resolveAWSCredentials(), nil
}

// BuildAzureConfig derives the Azure backend configuration from azure:// URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("LRA_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("LRA_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func splitBucket(p string) (bucket, prefix string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func queryBool(q url.Values, name string) (bool, bool) {
	raw := q.Get(name)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("LRA_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("LRA_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("LRA_S3_SESSION_TOKEN")
		source = "env:LRA_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Fall through to the backend's env/file/IAM chain.
		summary.Source = "chain"
		return nil, summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

func ensureBucket(ctx context.Context, bucket string, exists func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := exists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
