// Package config loads the backend configuration from a YAML file with
// environment overrides for deploy-time secrets.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Blob     BlobConfig     `yaml:"blob"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Queue    QueueConfig    `yaml:"queue"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Payments PaymentsConfig `yaml:"payments"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Events   EventsConfig   `yaml:"events"`
	Notify   NotifyConfig   `yaml:"notify"`
	Users    UsersConfig    `yaml:"users"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	GatewayAddr    string   `yaml:"gateway_addr"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AdminToken     string   `yaml:"admin_token"`
}

type DatabaseConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BlobConfig struct {
	Backend        string `yaml:"backend"` // supabase | fs
	SupabaseURL    string `yaml:"supabase_url"`
	SupabaseKey    string `yaml:"supabase_key"`
	Bucket         string `yaml:"bucket"`
	FSRoot         string `yaml:"fs_root"`
	MaxSizeMiB     int64  `yaml:"max_size_mib"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (b BlobConfig) MaxSizeBytes() int64    { return b.MaxSizeMiB * 1024 * 1024 }
func (b BlobConfig) Timeout() time.Duration { return time.Duration(b.TimeoutSeconds) * time.Second }

type AnalyzerConfig struct {
	URL            string `yaml:"url"`
	Service        string `yaml:"service"` // X-Service header value
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (a AnalyzerConfig) Timeout() time.Duration { return time.Duration(a.TimeoutSeconds) * time.Second }

type QueueConfig struct {
	Backend            string `yaml:"backend"` // redis | memory
	Tier1Concurrency   int    `yaml:"tier1_concurrency"`
	Tier2Concurrency   int    `yaml:"tier2_concurrency"`
	AttemptCap         int    `yaml:"attempt_cap"`
	JobTimeoutSeconds  int    `yaml:"job_timeout_seconds"`
	BackoffBaseSeconds int    `yaml:"backoff_base_seconds"`
	LeaseSeconds       int    `yaml:"lease_seconds"`
}

func (q QueueConfig) JobTimeout() time.Duration {
	return time.Duration(q.JobTimeoutSeconds) * time.Second
}

func (q QueueConfig) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseSeconds) * time.Second
}

func (q QueueConfig) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

type LedgerConfig struct {
	Backend            string `yaml:"backend"` // postgres | spanner | memory
	AdmissionThreshold int    `yaml:"admission_threshold"`
	SpannerProject     string `yaml:"spanner_project"`
	SpannerInstance    string `yaml:"spanner_instance"`
	SpannerDatabase    string `yaml:"spanner_database"`
}

type PaymentsConfig struct {
	KeyID         string `yaml:"key_id"`
	KeySecret     string `yaml:"key_secret"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type JanitorConfig struct {
	Schedule           string `yaml:"schedule"` // HH:MM local
	BlobRetentionHours int    `yaml:"blob_retention_hours"`
	JobRetentionDays   int    `yaml:"job_retention_days"`
}

func (j JanitorConfig) BlobRetention() time.Duration {
	return time.Duration(j.BlobRetentionHours) * time.Hour
}

func (j JanitorConfig) JobRetention() time.Duration {
	return time.Duration(j.JobRetentionDays) * 24 * time.Hour
}

type EventsConfig struct {
	Backend       string `yaml:"backend"` // local | redis
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type NotifyConfig struct {
	Workers            int    `yaml:"workers"`
	CloudTasksProject  string `yaml:"cloudtasks_project"`
	CloudTasksLocation string `yaml:"cloudtasks_location"`
	CloudTasksQueue    string `yaml:"cloudtasks_queue"`
}

type UsersConfig struct {
	Backend     string `yaml:"backend"` // supabase | memory
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

// Default returns the documented defaults; LoadConfig and ApplyEnv layer on
// top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", GatewayAddr: ":8081", Env: "development"},
		Redis:  RedisConfig{Addr: "localhost:6379", PoolSize: 10},
		Blob: BlobConfig{
			Backend:        "fs",
			Bucket:         "artifacts",
			FSRoot:         "./data/blobs",
			MaxSizeMiB:     80,
			TimeoutSeconds: 30,
		},
		Analyzer: AnalyzerConfig{Service: "deepbin-backend", TimeoutSeconds: 300},
		Queue: QueueConfig{
			Backend:            "memory",
			Tier1Concurrency:   10,
			Tier2Concurrency:   5,
			AttemptCap:         3,
			JobTimeoutSeconds:  600,
			BackoffBaseSeconds: 10,
			LeaseSeconds:       90,
		},
		Ledger:  LedgerConfig{Backend: "memory", AdmissionThreshold: 5},
		Janitor: JanitorConfig{Schedule: "02:00", BlobRetentionHours: 24, JobRetentionDays: 7},
		Events:  EventsConfig{Backend: "local"},
		Notify:  NotifyConfig{Workers: 4},
		Users:   UsersConfig{Backend: "memory"},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overlays deploy-time environment variables. Only secrets and
// endpoints are env-visible; tuning stays in the file.
func (c *Config) ApplyEnv() {
	setStr(&c.Database.PostgresDSN, "DATABASE_URL")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setStr(&c.Blob.Backend, "BLOB_BACKEND")
	setStr(&c.Blob.SupabaseURL, "SUPABASE_URL")
	setStr(&c.Blob.SupabaseKey, "SUPABASE_SERVICE_KEY")
	setStr(&c.Blob.Bucket, "BLOB_BUCKET")
	setStr(&c.Analyzer.URL, "ANALYZER_URL")
	setStr(&c.Analyzer.Service, "ANALYZER_SERVICE_NAME")
	setStr(&c.Queue.Backend, "QUEUE_BACKEND")
	setStr(&c.Ledger.Backend, "LEDGER_BACKEND")
	setInt(&c.Ledger.AdmissionThreshold, "ADMISSION_THRESHOLD")
	setStr(&c.Ledger.SpannerProject, "SPANNER_PROJECT_ID")
	setStr(&c.Ledger.SpannerInstance, "SPANNER_INSTANCE_ID")
	setStr(&c.Ledger.SpannerDatabase, "SPANNER_DATABASE_ID")
	setStr(&c.Payments.KeyID, "PAYMENT_KEY_ID")
	setStr(&c.Payments.KeySecret, "PAYMENT_KEY_SECRET")
	setStr(&c.Payments.WebhookSecret, "PAYMENT_WEBHOOK_SECRET")
	setStr(&c.Events.Backend, "EVENTS_BACKEND")
	setStr(&c.Events.PubSubProject, "PUBSUB_PROJECT_ID")
	setStr(&c.Events.PubSubTopic, "PUBSUB_TOPIC")
	setStr(&c.Notify.CloudTasksProject, "CLOUDTASKS_PROJECT_ID")
	setStr(&c.Notify.CloudTasksLocation, "CLOUDTASKS_LOCATION")
	setStr(&c.Notify.CloudTasksQueue, "CLOUDTASKS_QUEUE")
	setStr(&c.Users.Backend, "USERS_BACKEND")
	setStr(&c.Users.SupabaseURL, "SUPABASE_URL")
	setStr(&c.Users.SupabaseKey, "SUPABASE_SERVICE_KEY")
	setStr(&c.Server.Addr, "LISTEN_ADDR")
	setStr(&c.Server.GatewayAddr, "GATEWAY_ADDR")
	setStr(&c.Server.Env, "APP_ENV")
	setStr(&c.Server.AdminToken, "ADMIN_TOKEN")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
