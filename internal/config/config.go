package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

const (
	SendModeInline = "inline"
	SendModeQueue  = "queue"
)

var config *Config

// Config holds every tunable of the api, processor and cli binaries.
// Values come from the process environment, optionally seeded from a .env file.
type Config struct {
	AppEnv   string `env:"APP_ENV,default=dev"`
	AppName  string `env:"APP_NAME,default=mass_mailer"`
	AppDebug bool   `env:"APP_DEBUG,default=false"`

	HttpListenAddr         string        `env:"HTTP_LISTEN_ADDR,default=:8001"`
	HttpBaseRequestUrl     string        `env:"HTTP_BASE_REQUEST_URI,default=/api"`
	HttpServerReadTimeout  time.Duration `env:"HTTP_SERVER_READ_TIMEOUT,default=10s"`
	HttpServerWriteTimeout time.Duration `env:"HTTP_SERVER_WRITE_TIMEOUT,default=60s"`
	HttpMaxBodyBytes       int           `env:"HTTP_MAX_BODY_BYTES,default=16777216"`
	HttpCorsOrigins        string        `env:"HTTP_CORS_ORIGINS"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	PostgresSSLMode string `env:"POSTGRES_SSLMODE,default=disable"`

	MigrationsDir string `env:"MIGRATIONS_DIR,default=migrations"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE,default=0"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=mailer:"`

	PromNamespace   string `env:"PROM_NAMESPACE,default=mass_mailer"`
	PromListenAddr  string `env:"PROM_LISTEN_ADDR,default=:9101"`
	PromMetricsPath string `env:"PROM_METRICS_PATH,default=/metrics"`

	QueueName              string        `env:"QUEUE_NAME,default=campaign:sends"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=senders"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES,default=3"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=10m"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=4"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=10000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`
	QueueConsumers         int           `env:"QUEUE_CONSUMERS,default=4"`

	SendMode         string        `env:"SEND_MODE,default=inline"`
	SendConcurrency  int           `env:"SEND_CONCURRENCY,default=10"`
	SendBuffer       int           `env:"SEND_BUFFER,default=100"`
	SendTestLimit    int           `env:"SEND_TEST_LIMIT,default=5"`
	SendLeaseTTL     time.Duration `env:"SEND_LEASE_TTL,default=2m"`
	DeliveryTimeout  time.Duration `env:"DELIVERY_TIMEOUT,default=30s"`
	DeliveryGuardTTL time.Duration `env:"DELIVERY_GUARD_TTL,default=10m"`

	MailProviderPrimaryUrl   string `env:"MAIL_PROVIDER_PRIMARY_URL,default=http://localhost:8090"`
	MailProviderSecondaryUrl string `env:"MAIL_PROVIDER_SECONDARY_URL"`
	MailProviderBackupUrl    string `env:"MAIL_PROVIDER_BACKUP_URL"`
	MailSenderEmail          string `env:"MAIL_SENDER_EMAIL,default=noreply@example.com"`

	AIApiKey  string        `env:"AI_API_KEY"`
	AIModel   string        `env:"AI_MODEL,default=gemini-2.0-flash"`
	AITimeout time.Duration `env:"AI_TIMEOUT,default=30s"`

	ProgressMaxLen  int64         `env:"PROGRESS_MAX_LEN,default=5000"`
	ProgressTTL     time.Duration `env:"PROGRESS_TTL,default=24h"`
	ProgressMaxWait time.Duration `env:"PROGRESS_MAX_WAIT,default=25s"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	c := &Config{}
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	config = c
	return nil
}

// Set installs c as the global configuration. Tests use it to bypass the environment.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

func (c *Config) Validate() error {
	switch c.SendMode {
	case SendModeInline, SendModeQueue:
	default:
		return errors.Errorf("SEND_MODE must be %q or %q, got %q", SendModeInline, SendModeQueue, c.SendMode)
	}
	if c.SendConcurrency <= 0 {
		return errors.New("SEND_CONCURRENCY must be positive")
	}
	if c.SendTestLimit <= 0 {
		return errors.New("SEND_TEST_LIMIT must be positive")
	}
	if c.SendLeaseTTL < time.Second {
		return errors.New("SEND_LEASE_TTL must be at least one second")
	}
	if c.DeliveryTimeout <= 0 {
		return errors.New("DELIVERY_TIMEOUT must be positive")
	}
	if c.MailProviderPrimaryUrl == "" {
		return errors.New("MAIL_PROVIDER_PRIMARY_URL is required")
	}
	return nil
}

// MailProviderUrls lists the configured provider endpoints, primary first.
func (c *Config) MailProviderUrls() []string {
	var urls []string
	for _, u := range []string{c.MailProviderPrimaryUrl, c.MailProviderSecondaryUrl, c.MailProviderBackupUrl} {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func (c *Config) CorsOrigins() []string {
	if strings.TrimSpace(c.HttpCorsOrigins) == "" {
		return nil
	}
	return strings.Split(c.HttpCorsOrigins, ",")
}
