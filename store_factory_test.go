package lra

import (
	"path/filepath"
	"testing"

	"pkt.systems/lra/internal/storage/disk"
	"pkt.systems/lra/internal/storage/memory"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, err := openBackend(Config{Store: "mem://"}, nil)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestOpenBackendDisk(t *testing.T) {
	root := t.TempDir()
	backend, err := openBackend(Config{Store: "disk://" + root}, nil)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*disk.Store); !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
}

func TestOpenBackendUnknownScheme(t *testing.T) {
	if _, err := openBackend(Config{Store: "ftp://host/path"}, nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	cfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/lra/"})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if cfg.Root != "/var/lib/lra" {
		t.Fatalf("unexpected root %q", cfg.Root)
	}
	cfg, err = BuildDiskConfig(Config{Store: "disk://data/lra"})
	if err != nil {
		t.Fatalf("BuildDiskConfig with host: %v", err)
	}
	if cfg.Root != "/data/lra" {
		t.Fatalf("unexpected root %q", cfg.Root)
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatal("expected error for empty disk path")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3SSE:             "aws:kms",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected bucket/prefix: %s/%s", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure {
		t.Fatalf("expected insecure flag from query")
	}
	if !s3cfg.ForcePathStyle {
		t.Fatalf("expected force path style")
	}
	if s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "aws:kms" {
		t.Fatalf("unexpected sse settings: %q %q", s3cfg.ServerSideEnc, s3cfg.KMSKeyID)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatal("expected static credentials")
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://"}); err == nil {
		t.Fatal("expected error for missing host")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000/"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestBuildGenericS3ConfigEnvCredentials(t *testing.T) {
	t.Setenv("LRA_S3_ACCESS_KEY_ID", "envkey")
	t.Setenv("LRA_S3_SECRET_ACCESS_KEY", "envsecret")
	t.Setenv("LRA_S3_SESSION_TOKEN", "")
	_, summary, err := BuildGenericS3Config(Config{Store: "s3://minio:9000/bucket"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if summary.AccessKey != "envkey" || !summary.HasSecret || summary.Source != "env:LRA_S3_ACCESS_KEY_ID" {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	t.Setenv("LRA_S3_SECRET_ACCESS_KEY", "")
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://minio:9000/bucket"}); err == nil {
		t.Fatal("expected error for access key without secret")
	}
}

func TestBuildGenericS3ConfigSecureByDefault(t *testing.T) {
	t.Setenv("LRA_S3_ACCESS_KEY_ID", "")
	t.Setenv("LRA_S3_SECRET_ACCESS_KEY", "")
	t.Setenv("LRA_S3_SESSION_TOKEN", "")
	s3cfg, summary, err := BuildGenericS3Config(Config{Store: "s3://s3.example.com/bucket"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Insecure {
		t.Fatal("expected TLS by default")
	}
	if s3cfg.CustomCreds != nil || summary.Source != "chain" {
		t.Fatalf("expected credential chain, got %+v", summary)
	}
	s3cfg, _, err = BuildGenericS3Config(Config{Store: "s3://minio:9000/bucket?scheme=http"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if !s3cfg.Insecure {
		t.Fatal("expected scheme=http to disable TLS")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	cfg := Config{
		Store:       "aws://my-bucket/lra/prod?endpoint=http://localhost:4566&path-style=true",
		AWSRegion:   "eu-north-1",
		AWSKMSKeyID: "alias/lra",
	}
	awscfg, _, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awscfg.Bucket != "my-bucket" || awscfg.Prefix != "lra/prod" {
		t.Fatalf("unexpected bucket/prefix: %s/%s", awscfg.Bucket, awscfg.Prefix)
	}
	if awscfg.Region != "eu-north-1" {
		t.Fatalf("unexpected region %q", awscfg.Region)
	}
	if awscfg.Endpoint != "http://localhost:4566" || !awscfg.ForcePathStyle {
		t.Fatalf("unexpected endpoint settings: %+v", awscfg)
	}
	if awscfg.KMSKeyID != "alias/lra" {
		t.Fatalf("unexpected kms key %q", awscfg.KMSKeyID)
	}
	awscfg, _, err = BuildAWSConfig(Config{Store: "aws://b?region=us-east-2", AWSRegion: "eu-north-1"})
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awscfg.Region != "us-east-2" {
		t.Fatalf("query region should win, got %q", awscfg.Region)
	}
	if _, _, err := BuildAWSConfig(Config{Store: "aws://bucket"}); err == nil {
		t.Fatal("expected error for missing region")
	}
	if _, _, err := BuildAWSConfig(Config{Store: "aws:///prefix", AWSRegion: "eu-north-1"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("AZURE_STORAGE_ACCOUNT_KEY", "")
	t.Setenv("AZURE_STORAGE_KEY", "")
	t.Setenv("LRA_AZURE_ACCOUNT_KEY", "")
	t.Setenv("LRA_AZURE_SAS_TOKEN", "")
	t.Setenv("AZURE_STORAGE_SAS_TOKEN", "")
	cfg := Config{
		Store:           "azure://acct/actions/lra?endpoint=http://127.0.0.1:10000/acct&sas=sv%3D1",
		AzureAccountKey: "a2V5",
	}
	azcfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azcfg.Account != "acct" || azcfg.Container != "actions" || azcfg.Prefix != "lra" {
		t.Fatalf("unexpected location: %+v", azcfg)
	}
	if azcfg.Endpoint != "http://127.0.0.1:10000/acct" {
		t.Fatalf("unexpected endpoint %q", azcfg.Endpoint)
	}
	if azcfg.SASToken != "sv=1" || azcfg.AccountKey != "a2V5" {
		t.Fatalf("unexpected credentials: %+v", azcfg)
	}

	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "")
	if _, err := BuildAzureConfig(Config{Store: "azure:///container"}); err == nil {
		t.Fatal("expected error for missing account")
	}
	t.Setenv("AZURE_STORAGE_ACCOUNT", "fromenv")
	azcfg, err = BuildAzureConfig(Config{Store: "azure:///container"})
	if err != nil {
		t.Fatalf("BuildAzureConfig env account: %v", err)
	}
	if azcfg.Account != "fromenv" {
		t.Fatalf("expected env account, got %q", azcfg.Account)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct/"}); err == nil {
		t.Fatal("expected error for missing container")
	}
}

func TestOpenCryptoCreatesBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keys.pem")
	cfg := Config{StorageEncryption: true, KeyBundlePath: path}
	crypto, err := openCrypto(cfg)
	if err != nil {
		t.Fatalf("openCrypto: %v", err)
	}
	if crypto == nil {
		t.Fatal("expected crypto when encryption is enabled")
	}
	crypto.Close()
	again, err := openCrypto(cfg)
	if err != nil {
		t.Fatalf("reopen bundle: %v", err)
	}
	again.Close()

	none, err := openCrypto(Config{})
	if err != nil || none != nil {
		t.Fatalf("expected no crypto when disabled, got %v %v", none, err)
	}
}
