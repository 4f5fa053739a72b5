package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"CloudVault/internal/logger"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	JWTSecret   string `validate:"required"`
	HTTPAddr    string `validate:"required"`
	CORSOrigins []string

	DBHost     string `validate:"required"`
	DBPort     string `validate:"required"`
	DBUser     string
	DBPass     string
	DBName     string `validate:"required"`
	DBNameTest string

	RedisHost     string `validate:"required"`
	RedisPort     string `validate:"required"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	MinioHost     string `validate:"required"`
	MinioPort     string `validate:"required"`
	MinioUsername string
	MinioPassword string
	MinioUseSSL   bool
	BucketName    string `validate:"required"`

	RabbitMQURL      string `validate:"required"`
	RabbitMQPrefetch int    `validate:"gte=1"`

	ProcessConcurrency int     `validate:"gte=1"`
	ProcessRate        float64 `validate:"gt=0"`
	ProcessBurst       int     `validate:"gte=1"`
	ProcessRetryMax    int     `validate:"gte=1"`
	ProcessRetryDelays []time.Duration
	LeaseTTL           time.Duration `validate:"gt=0"`
	ScanTimeout        time.Duration `validate:"gt=0"`
	DeriveTimeout      time.Duration `validate:"gt=0"`
	ScanSignatures     []string

	DefaultQuotaBytes int64         `validate:"gte=0"`
	TrashRetention    time.Duration `validate:"gt=0"`
	PresignTTL        time.Duration `validate:"gt=0"`

	ShareCacheTTL     time.Duration `validate:"gt=0"`
	ShareTokenRetries int           `validate:"gte=1"`

	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPass     string
	SMTPFrom     string
	SMTPTLS      bool
	SMTPStartTLS bool

	Log logger.Config
}

var validate = validator.New()

// Load reads configuration from the environment and an optional YAML file
// named by CONFIG_FILE. Keys are the lower-case environment names.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg, err := build(v)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("jwt_secret", "l=ax+b")
	v.SetDefault("http_addr", ":8000")
	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "3306")
	v.SetDefault("db_user", "root")
	v.SetDefault("db_pass", "root")
	v.SetDefault("db_name", "cloudvault")
	v.SetDefault("db_name_test", "cloudvault_test")
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("minio_host", "localhost")
	v.SetDefault("minio_port", "9000")
	v.SetDefault("minio_username", "minioadmin")
	v.SetDefault("minio_password", "minioadmin")
	v.SetDefault("minio_use_ssl", false)
	v.SetDefault("bucket_name", "netdisk")
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("rabbitmq_host", "localhost")
	v.SetDefault("rabbitmq_port", "5672")
	v.SetDefault("rabbitmq_user", "guest")
	v.SetDefault("rabbitmq_password", "guest")
	v.SetDefault("rabbitmq_vhost", "/")
	v.SetDefault("rabbitmq_prefetch", 8)

	v.SetDefault("process_worker_concurrency", 4)
	v.SetDefault("process_rate", 10.0)
	v.SetDefault("process_burst", 20)
	v.SetDefault("process_retry_max", 5)
	v.SetDefault("process_retry_delays", "10s,30s,2m,10m,30m")
	v.SetDefault("process_lease_ttl", 5*time.Minute)
	v.SetDefault("scan_timeout", 2*time.Minute)
	v.SetDefault("derive_timeout", 2*time.Minute)
	v.SetDefault("scan_signatures", "")

	v.SetDefault("default_quota_bytes", int64(10)<<30)
	v.SetDefault("trash_retention", 30*24*time.Hour)
	v.SetDefault("presign_ttl", 15*time.Minute)
	v.SetDefault("share_cache_ttl", 10*time.Minute)
	v.SetDefault("share_token_retries", 5)

	v.SetDefault("smtp_host", "")
	v.SetDefault("smtp_port", "")
	v.SetDefault("smtp_user", "")
	v.SetDefault("smtp_pass", "")
	v.SetDefault("smtp_from", "")
	v.SetDefault("smtp_tls", false)
	v.SetDefault("smtp_starttls", false)

	logDefaults := logger.DefaultConfig()
	v.SetDefault("log_level", logDefaults.Level)
	v.SetDefault("log_format", logDefaults.Format)
	v.SetDefault("log_output", logDefaults.Output)
	v.SetDefault("log_file", logDefaults.File.Filename)
	v.SetDefault("log_max_size", logDefaults.File.MaxSize)
	v.SetDefault("log_max_age", logDefaults.File.MaxAge)
	v.SetDefault("log_max_backups", logDefaults.File.MaxBackups)
	v.SetDefault("log_compress", logDefaults.File.Compress)
}

func build(v *viper.Viper) (*Config, error) {
	retryDelays, err := parseDurationList(v.GetString("process_retry_delays"))
	if err != nil {
		return nil, fmt.Errorf("process_retry_delays: %w", err)
	}

	rabbitURL := v.GetString("rabbitmq_url")
	if rabbitURL == "" {
		rabbitURL = fmt.Sprintf(
			"amqp://%s:%s@%s:%s/%s",
			url.PathEscape(v.GetString("rabbitmq_user")),
			url.PathEscape(v.GetString("rabbitmq_password")),
			v.GetString("rabbitmq_host"),
			v.GetString("rabbitmq_port"),
			url.PathEscape(v.GetString("rabbitmq_vhost")),
		)
	}

	return &Config{
		JWTSecret:          v.GetString("jwt_secret"),
		HTTPAddr:           v.GetString("http_addr"),
		CORSOrigins:        splitList(v.GetString("cors_allowed_origins")),
		DBHost:             v.GetString("db_host"),
		DBPort:             v.GetString("db_port"),
		DBUser:             v.GetString("db_user"),
		DBPass:             v.GetString("db_pass"),
		DBName:             v.GetString("db_name"),
		DBNameTest:         v.GetString("db_name_test"),
		RedisHost:          v.GetString("redis_host"),
		RedisPort:          v.GetString("redis_port"),
		RedisPassword:      v.GetString("redis_password"),
		RedisDB:            v.GetInt("redis_db"),
		MinioHost:          v.GetString("minio_host"),
		MinioPort:          v.GetString("minio_port"),
		MinioUsername:      v.GetString("minio_username"),
		MinioPassword:      v.GetString("minio_password"),
		MinioUseSSL:        v.GetBool("minio_use_ssl"),
		BucketName:         v.GetString("bucket_name"),
		RabbitMQURL:        rabbitURL,
		RabbitMQPrefetch:   v.GetInt("rabbitmq_prefetch"),
		ProcessConcurrency: v.GetInt("process_worker_concurrency"),
		ProcessRate:        v.GetFloat64("process_rate"),
		ProcessBurst:       v.GetInt("process_burst"),
		ProcessRetryMax:    v.GetInt("process_retry_max"),
		ProcessRetryDelays: retryDelays,
		LeaseTTL:           v.GetDuration("process_lease_ttl"),
		ScanTimeout:        v.GetDuration("scan_timeout"),
		DeriveTimeout:      v.GetDuration("derive_timeout"),
		ScanSignatures:     splitList(v.GetString("scan_signatures")),
		DefaultQuotaBytes:  v.GetInt64("default_quota_bytes"),
		TrashRetention:     v.GetDuration("trash_retention"),
		PresignTTL:         v.GetDuration("presign_ttl"),
		ShareCacheTTL:      v.GetDuration("share_cache_ttl"),
		ShareTokenRetries:  v.GetInt("share_token_retries"),
		SMTPHost:           v.GetString("smtp_host"),
		SMTPPort:           v.GetString("smtp_port"),
		SMTPUser:           v.GetString("smtp_user"),
		SMTPPass:           v.GetString("smtp_pass"),
		SMTPFrom:           v.GetString("smtp_from"),
		SMTPTLS:            v.GetBool("smtp_tls") || v.GetString("smtp_port") == "465",
		SMTPStartTLS:       v.GetBool("smtp_starttls"),
		Log: logger.Config{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
			Output: v.GetString("log_output"),
			File: logger.FileConfig{
				Filename:   v.GetString("log_file"),
				MaxSize:    v.GetInt("log_max_size"),
				MaxAge:     v.GetInt("log_max_age"),
				MaxBackups: v.GetInt("log_max_backups"),
				Compress:   v.GetBool("log_compress"),
			},
		},
	}, nil
}

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}
	if len(cfg.ProcessRetryDelays) == 0 {
		return errors.New("process_retry_delays: at least one delay is required")
	}
	if err := cfg.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// SMTPEnabled reports whether mail notifications can be sent.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPPort != "" && c.SMTPFrom != ""
}

func parseDurationList(raw string) ([]time.Duration, error) {
	parts := splitList(raw)
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		parsed, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
