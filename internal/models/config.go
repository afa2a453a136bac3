package models

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr    string `yaml:"server_addr" env:"SERVER_ADDR"`
	DatabaseURL   string `yaml:"database_url" env:"DATABASE_URL"`
	KafkaBroker   string `yaml:"kafka_broker" env:"KAFKA_BROKER"`
	KafkaTopic    string `yaml:"kafka_topic" env:"KAFKA_TOPIC"`
	KafkaGroup    string `yaml:"kafka_group" env:"KAFKA_GROUP"`
	WatermarkText string `yaml:"watermark_text" env:"WATERMARK_TEXT"`
	Environment   string `yaml:"environment" env:"ENVIRONMENT"`
	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL"`
	JWTSecret     string `yaml:"jwt_secret" env:"JWT_SECRET"`

	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Upload      UploadConfig      `yaml:"upload"`
	Sessions    SessionConfig     `yaml:"sessions"`
	Worker      WorkerConfig      `yaml:"worker"`
	Listing     ListingConfig     `yaml:"listing"`

	Categories        []string        `yaml:"categories"`
	DefaultModeration string          `yaml:"default_moderation" env:"DEFAULT_MODERATION"`
	Variants          []VariantConfig `yaml:"variants"`
}

type ObjectStoreConfig struct {
	// Backend is one of minio, gcs, memory.
	Backend   string `yaml:"backend" env:"OBJECT_STORE_BACKEND"`
	Endpoint  string `yaml:"endpoint" env:"OBJECT_STORE_ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"OBJECT_STORE_BUCKET"`
	AccessKey string `yaml:"access_key" env:"OBJECT_STORE_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"OBJECT_STORE_SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"OBJECT_STORE_USE_SSL"`
	PublicURL string `yaml:"public_url" env:"OBJECT_STORE_PUBLIC_URL"`
	// CredentialsFile is a service account key for the gcs backend.
	CredentialsFile string `yaml:"credentials_file" env:"OBJECT_STORE_CREDENTIALS_FILE"`
}

type UploadConfig struct {
	PresignTTL      time.Duration `yaml:"presign_ttl" env:"UPLOAD_PRESIGN_TTL"`
	TransferTimeout time.Duration `yaml:"transfer_timeout" env:"UPLOAD_TRANSFER_TIMEOUT"`
	BulkTimeout     time.Duration `yaml:"bulk_timeout" env:"UPLOAD_BULK_TIMEOUT"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout" env:"UPLOAD_FINALIZE_TIMEOUT"`
	MaxBytes        int64         `yaml:"max_bytes" env:"UPLOAD_MAX_BYTES"`
	ContentTypes    []string      `yaml:"content_types"`
}

type SessionConfig struct {
	// Backend is one of memory, postgres.
	Backend       string        `yaml:"backend" env:"SESSIONS_BACKEND"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SESSIONS_SWEEP_INTERVAL"`
	DeleteOrphans bool          `yaml:"delete_orphans" env:"SESSIONS_DELETE_ORPHANS"`
}

type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	SubtaskLimit   int           `yaml:"subtask_limit" env:"WORKER_SUBTASK_LIMIT"`
	MaxAttempts    int           `yaml:"max_attempts" env:"WORKER_MAX_ATTEMPTS"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"WORKER_ATTEMPT_TIMEOUT"`
	LeaseTTL       time.Duration `yaml:"lease_ttl" env:"WORKER_LEASE_TTL"`
	BackoffBase    time.Duration `yaml:"backoff_base" env:"WORKER_BACKOFF_BASE"`
	BackoffMax     time.Duration `yaml:"backoff_max" env:"WORKER_BACKOFF_MAX"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"WORKER_POLL_INTERVAL"`
	RedeliverAfter time.Duration `yaml:"redeliver_after" env:"WORKER_REDELIVER_AFTER"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WORKER_WRITE_TIMEOUT"`
}

type ListingConfig struct {
	CacheSize int           `yaml:"cache_size" env:"LISTING_CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"LISTING_CACHE_TTL"`
	PageSize  int           `yaml:"page_size" env:"LISTING_PAGE_SIZE"`
}

// VariantConfig describes one derivative produced by the worker.
type VariantConfig struct {
	Name      string `yaml:"name"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	Fill      bool   `yaml:"fill"`
	Format    string `yaml:"format"`
	Quality   int    `yaml:"quality"`
	Watermark bool   `yaml:"watermark"`
}

// LoadConfig reads the YAML file at path, then applies .env and process environment overrides.
// A missing file is not an error: defaults plus environment are enough to run.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// .env is optional
	_ = godotenv.Load()
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		ServerAddr:    ":8080",
		KafkaTopic:    "image-processing",
		KafkaGroup:    "image-processor-group",
		WatermarkText: "photoingest",
		Environment:   "development",
		LogLevel:      "info",
		ObjectStore: ObjectStoreConfig{
			Backend: "memory",
			Bucket:  "photos",
		},
		Upload: UploadConfig{
			PresignTTL:      15 * time.Minute,
			TransferTimeout: 120 * time.Second,
			BulkTimeout:     300 * time.Second,
			FinalizeTimeout: 30 * time.Second,
			MaxBytes:        50 << 20,
			ContentTypes:    []string{"image/jpeg", "image/png", "image/gif", "image/tiff", "image/bmp"},
		},
		Sessions: SessionConfig{
			Backend:       "memory",
			SweepInterval: time.Minute,
			DeleteOrphans: true,
		},
		Worker: WorkerConfig{
			Concurrency:    4,
			SubtaskLimit:   3,
			MaxAttempts:    5,
			AttemptTimeout: 2 * time.Minute,
			LeaseTTL:       5 * time.Minute,
			BackoffBase:    2 * time.Second,
			BackoffMax:     5 * time.Minute,
			PollInterval:   5 * time.Second,
			RedeliverAfter: time.Minute,
			WriteTimeout:   10 * time.Second,
		},
		Listing: ListingConfig{
			CacheSize: 256,
			CacheTTL:  30 * time.Second,
			PageSize:  24,
		},
		Categories:        []string{"landscape", "portrait", "street", "nature", "architecture", "other"},
		DefaultModeration: string(ModerationPending),
		Variants: []VariantConfig{
			{Name: "thumbnail", Width: 150, Height: 150, Fill: true, Format: "jpg", Quality: 80},
			{Name: "medium", Width: 1024, Format: "jpg", Quality: 85},
			{Name: "large", Width: 2048, Format: "jpg", Quality: 90},
			{Name: "preview", Width: 480, Format: "png"},
			{Name: "watermarked", Width: 1024, Format: "jpg", Quality: 85, Watermark: true},
		},
	}
}

func (c *Config) Validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be positive")
	}
	if c.Upload.PresignTTL <= 0 || c.Upload.FinalizeTimeout <= 0 || c.Upload.TransferTimeout <= 0 {
		return fmt.Errorf("upload timeouts must be positive")
	}
	if len(c.Variants) == 0 {
		return fmt.Errorf("at least one variant is required")
	}
	seen := make(map[string]bool, len(c.Variants))
	for _, v := range c.Variants {
		if v.Name == "" || v.Name == VariantOriginal {
			return fmt.Errorf("invalid variant name %q", v.Name)
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate variant %q", v.Name)
		}
		seen[v.Name] = true
		if v.Width <= 0 && v.Height <= 0 {
			return fmt.Errorf("variant %q needs a width or height", v.Name)
		}
	}
	switch ModerationStatus(c.DefaultModeration) {
	case ModerationPending, ModerationApproved:
	default:
		return fmt.Errorf("default_moderation must be pending or approved")
	}
	if c.ObjectStore.Backend != "memory" && c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object_store.bucket is required")
	}
	if c.Environment == "production" && c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required in production")
	}
	return nil
}
