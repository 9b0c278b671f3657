package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	API       APIConfig
	Queue     QueueConfig
	Sync      SyncConfig
	Worker    WorkerConfig
	Scraper   ScraperConfig
	RateLimit RateLimitConfig
	Cron      CronConfig
}

type ServerConfig struct {
	Port int
	Env  string // "development", "production"
}

type DatabaseConfig struct {
	Driver     string // "mysql" or "sqlite"
	Host       string
	Port       string
	Name       string
	User       string
	Pass       string
	Charset    string
	SQLitePath string
}

type RedisConfig struct {
	Addr string
	Pass string
	DB   int
}

type APIConfig struct {
	Key string
}

type QueueConfig struct {
	Driver      string // "memory", "sqs" or "nats"
	DedupWindow time.Duration

	SQSQueueURL  string
	AWSRegion    string
	AWSAccessKey string
	AWSSecretKey string
	AWSEndpoint  string

	NATSURL      string
	NATSStream   string
	NATSSubject  string
	NATSConsumer string
}

type SyncConfig struct {
	BatchSize          int
	MaxProducts        int
	EmptyPolicy        string // "complete" or "reject"
	DispatchMaxRetries int
}

type WorkerConfig struct {
	Concurrency       int
	MaxAttempts       int
	VisibilityTimeout time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	ProductTimeout    time.Duration
}

type ScraperConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type RateLimitConfig struct {
	Points int
	Window time.Duration
	Block  time.Duration
}

type CronConfig struct {
	StaleJobAfter time.Duration
	AutoSyncSpec  string
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	viper.AutomaticEnv()

	viper.SetDefault("APP_PORT", 8080)
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("DB_DRIVER", "mysql")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "3306")
	viper.SetDefault("DB_CHARSET", "utf8mb4")
	viper.SetDefault("SQLITE_PATH", "datasync.db")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("QUEUE_DRIVER", "memory")
	viper.SetDefault("DEDUP_WINDOW", "5m")
	viper.SetDefault("AWS_REGION", "us-east-1")
	viper.SetDefault("NATS_URL", "nats://127.0.0.1:4222")
	viper.SetDefault("NATS_STREAM", "SYNC_BATCHES")
	viper.SetDefault("NATS_SUBJECT", "sync.batches")
	viper.SetDefault("NATS_CONSUMER", "sync-workers")
	viper.SetDefault("SYNC_BATCH_SIZE", 5)
	viper.SetDefault("SYNC_MAX_PRODUCTS", 30)
	viper.SetDefault("SYNC_EMPTY_POLICY", "complete")
	viper.SetDefault("DISPATCH_MAX_RETRIES", 3)
	viper.SetDefault("WORKER_CONCURRENCY", 4)
	viper.SetDefault("WORKER_MAX_ATTEMPTS", 3)
	viper.SetDefault("WORKER_VISIBILITY_TIMEOUT", "2m")
	viper.SetDefault("WORKER_RETRY_BASE_DELAY", "1s")
	viper.SetDefault("WORKER_RETRY_MAX_DELAY", "30s")
	viper.SetDefault("WORKER_PRODUCT_TIMEOUT", "30s")
	viper.SetDefault("SCRAPER_TIMEOUT", "30s")
	viper.SetDefault("RATE_LIMIT_POINTS", 3)
	viper.SetDefault("RATE_LIMIT_WINDOW", "24h")
	viper.SetDefault("RATE_LIMIT_BLOCK", "3h")
	viper.SetDefault("STALE_JOB_AFTER", "1h")
	viper.SetDefault("AUTO_SYNC_SPEC", "")

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("APP_PORT"),
			Env:  viper.GetString("APP_ENV"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(viper.GetString("DB_DRIVER")),
			Host:       viper.GetString("DB_HOST"),
			Port:       viper.GetString("DB_PORT"),
			Name:       viper.GetString("DB_NAME"),
			User:       viper.GetString("DB_USER"),
			Pass:       viper.GetString("DB_PASS"),
			Charset:    viper.GetString("DB_CHARSET"),
			SQLitePath: viper.GetString("SQLITE_PATH"),
		},
		Redis: RedisConfig{
			Addr: viper.GetString("REDIS_ADDR"),
			Pass: viper.GetString("REDIS_PASS"),
			DB:   viper.GetInt("REDIS_DB"),
		},
		API: APIConfig{
			Key: viper.GetString("API_KEY"),
		},
		Queue: QueueConfig{
			Driver:       strings.ToLower(viper.GetString("QUEUE_DRIVER")),
			DedupWindow:  viper.GetDuration("DEDUP_WINDOW"),
			SQSQueueURL:  viper.GetString("SQS_QUEUE_URL"),
			AWSRegion:    viper.GetString("AWS_REGION"),
			AWSAccessKey: viper.GetString("AWS_ACCESS_KEY"),
			AWSSecretKey: viper.GetString("AWS_SECRET_KEY"),
			AWSEndpoint:  viper.GetString("AWS_ENDPOINT"),
			NATSURL:      viper.GetString("NATS_URL"),
			NATSStream:   viper.GetString("NATS_STREAM"),
			NATSSubject:  viper.GetString("NATS_SUBJECT"),
			NATSConsumer: viper.GetString("NATS_CONSUMER"),
		},
		Sync: SyncConfig{
			BatchSize:          viper.GetInt("SYNC_BATCH_SIZE"),
			MaxProducts:        viper.GetInt("SYNC_MAX_PRODUCTS"),
			EmptyPolicy:        strings.ToLower(viper.GetString("SYNC_EMPTY_POLICY")),
			DispatchMaxRetries: viper.GetInt("DISPATCH_MAX_RETRIES"),
		},
		Worker: WorkerConfig{
			Concurrency:       viper.GetInt("WORKER_CONCURRENCY"),
			MaxAttempts:       viper.GetInt("WORKER_MAX_ATTEMPTS"),
			VisibilityTimeout: viper.GetDuration("WORKER_VISIBILITY_TIMEOUT"),
			RetryBaseDelay:    viper.GetDuration("WORKER_RETRY_BASE_DELAY"),
			RetryMaxDelay:     viper.GetDuration("WORKER_RETRY_MAX_DELAY"),
			ProductTimeout:    viper.GetDuration("WORKER_PRODUCT_TIMEOUT"),
		},
		Scraper: ScraperConfig{
			BaseURL: viper.GetString("SCRAPER_BASE_URL"),
			APIKey:  viper.GetString("SCRAPER_API_KEY"),
			Timeout: viper.GetDuration("SCRAPER_TIMEOUT"),
		},
		RateLimit: RateLimitConfig{
			Points: viper.GetInt("RATE_LIMIT_POINTS"),
			Window: viper.GetDuration("RATE_LIMIT_WINDOW"),
			Block:  viper.GetDuration("RATE_LIMIT_BLOCK"),
		},
		Cron: CronConfig{
			StaleJobAfter: viper.GetDuration("STALE_JOB_AFTER"),
			AutoSyncSpec:  viper.GetString("AUTO_SYNC_SPEC"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "mysql" && cfg.Database.Name == "" {
		log.Println("WARNING: DB_NAME is not set")
	}
	if cfg.Scraper.BaseURL == "" {
		log.Println("WARNING: SCRAPER_BASE_URL is not set")
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "nats":
	case "sqs":
		if c.Queue.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required for QUEUE_DRIVER=sqs")
		}
	default:
		return fmt.Errorf("unsupported QUEUE_DRIVER %q", c.Queue.Driver)
	}
	switch c.Sync.EmptyPolicy {
	case "complete", "reject":
	default:
		return fmt.Errorf("unsupported SYNC_EMPTY_POLICY %q", c.Sync.EmptyPolicy)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxProducts < 1 {
		return fmt.Errorf("SYNC_MAX_PRODUCTS must be positive, got %d", c.Sync.MaxProducts)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be positive, got %d", c.Worker.MaxAttempts)
	}
	return nil
}

// DSN returns the MySQL DSN string for GORM.
func (d *DatabaseConfig) DSN() string {
	return d.User + ":" + d.Pass + "@tcp(" + d.Host + ":" + d.Port + ")/" + d.Name + "?charset=" + d.Charset + "&parseTime=True&loc=UTC"
}
