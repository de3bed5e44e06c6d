package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	SchedulerAuto = "auto"
	SchedulerPush = "push"
	SchedulerPull = "pull"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr" envconfig:"HTTP_ADDR"`
	DBDSN    string `yaml:"db_dsn" envconfig:"DB_DSN"`

	// processing time per bot type
	NormalDelay   time.Duration `yaml:"normal_delay" envconfig:"NORMAL_DELAY"`
	VIPDelay      time.Duration `yaml:"vip_delay" envconfig:"VIP_DELAY"`
	ResumeLockTTL time.Duration `yaml:"resume_lock_ttl" envconfig:"RESUME_LOCK_TTL"`

	SchedulerMode string `yaml:"scheduler_mode" envconfig:"SCHEDULER_MODE"`

	// rabbitMQ
	RabbitURL   string `yaml:"rabbit_url" envconfig:"RABBIT_URL"`
	RabbitQueue string `yaml:"rabbit_queue" envconfig:"RABBIT_QUEUE"`

	// redis (callback dedup)
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB"`

	// completion callbacks
	AppBaseURL        string `yaml:"app_base_url" envconfig:"APP_BASE_URL"`
	CurrentSigningKey string `yaml:"current_signing_key" envconfig:"CALLBACK_CURRENT_SIGNING_KEY"`
	NextSigningKey    string `yaml:"next_signing_key" envconfig:"CALLBACK_NEXT_SIGNING_KEY"`

	WorkerConcurrency int `yaml:"worker_concurrency" envconfig:"WORKER_CONCURRENCY"`

	LogLevel       string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat      string `yaml:"log_format" envconfig:"LOG_FORMAT"`
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:          ":8080",
		DBDSN:             "file:pos.db?_pragma=busy_timeout(5000)",
		NormalDelay:       10 * time.Second,
		VIPDelay:          5 * time.Second,
		ResumeLockTTL:     5 * time.Second,
		SchedulerMode:     SchedulerAuto,
		RabbitQueue:       "order_completions",
		WorkerConcurrency: 2,
		LogLevel:          "info",
		LogFormat:         "text",
		MetricsEnabled:    true,
	}
}

// Load layers the YAML file named by CONFIG_FILE (if any) over Defaults, then
// environment variables over both.
func Load() (Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

func LoadFile(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// no default tags: unset variables leave the layered value alone
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	cfg.SchedulerMode = strings.ToLower(strings.TrimSpace(cfg.SchedulerMode))
	if cfg.SchedulerMode == "" {
		cfg.SchedulerMode = SchedulerAuto
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 2
	}
	if cfg.WorkerConcurrency > 50 {
		cfg.WorkerConcurrency = 50
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.NormalDelay <= 0 {
		return fmt.Errorf("NORMAL_DELAY must be positive, got %s", c.NormalDelay)
	}
	if c.VIPDelay <= 0 {
		return fmt.Errorf("VIP_DELAY must be positive, got %s", c.VIPDelay)
	}
	if c.ResumeLockTTL <= 0 {
		return fmt.Errorf("RESUME_LOCK_TTL must be positive, got %s", c.ResumeLockTTL)
	}
	switch c.SchedulerMode {
	case SchedulerAuto, SchedulerPush, SchedulerPull:
	default:
		return fmt.Errorf("unsupported SCHEDULER_MODE=%q", c.SchedulerMode)
	}
	return nil
}

// PushSettingsMissing lists the settings push scheduling needs but lacks.
func (c Config) PushSettingsMissing() []string {
	var missing []string
	if c.RabbitURL == "" {
		missing = append(missing, "RABBIT_URL")
	}
	if c.AppBaseURL == "" {
		missing = append(missing, "APP_BASE_URL")
	}
	if c.CurrentSigningKey == "" {
		missing = append(missing, "CALLBACK_CURRENT_SIGNING_KEY")
	}
	return missing
}

// PushEnabled reports whether the server should try to schedule callbacks.
// In auto mode that happens only when every push setting is present.
func (c Config) PushEnabled() bool {
	switch c.SchedulerMode {
	case SchedulerPush:
		return true
	case SchedulerAuto:
		return len(c.PushSettingsMissing()) == 0
	default:
		return false
	}
}
