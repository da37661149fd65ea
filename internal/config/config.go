package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// StoreConfig selects and addresses the campaign state backend.
type StoreConfig struct {
	Backend    string `envconfig:"STORE_BACKEND" default:"sqlite"`
	DBDSN      string `envconfig:"DB_DSN"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"blast.db"`
	RedisAddr  string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisKey   string `envconfig:"REDIS_PREFIX" default:"blast"`

	DBMigrate               bool          `envconfig:"DB_MIGRATE" default:"true"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type APIConfig struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	StoreConfig

	// Gateway
	GatewayURL             string        `envconfig:"GATEWAY_URL" default:"http://localhost:3001"`
	GatewayTimeout         time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	GatewayBreakerFailures uint32        `envconfig:"GATEWAY_BREAKER_FAILURES" default:"5"`

	// Phone handling
	CountryCode    string `envconfig:"COUNTRY_CODE" default:"62"`
	ValidatePhones bool   `envconfig:"VALIDATE_PHONES" default:"true"`
	JIDDomain      string `envconfig:"JID_DOMAIN" default:"s.whatsapp.net"`

	// Anti-detection
	DelayMin       time.Duration `envconfig:"DELAY_MIN" default:"10s"`
	DelayMax       time.Duration `envconfig:"DELAY_MAX" default:"60s"`
	RateFloor      time.Duration `envconfig:"RATE_FLOOR" default:"8s"`
	TypingMin      time.Duration `envconfig:"TYPING_MIN" default:"2s"`
	TypingMax      time.Duration `envconfig:"TYPING_MAX" default:"5s"`
	WaitTick       time.Duration `envconfig:"WAIT_TICK" default:"1s"`
	VariationsFile string        `envconfig:"VARIATIONS_FILE"`

	// Runner / retention
	HistoryLimit      int           `envconfig:"HISTORY_LIMIT" default:"50"`
	ActivityLimit     int           `envconfig:"ACTIVITY_LIMIT" default:"100"`
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"1m"`
	AutoResume        bool          `envconfig:"AUTO_RESUME" default:"true"`
	LockTTL           time.Duration `envconfig:"LOCK_TTL" default:"2m"`
	PersistAttempts   int           `envconfig:"PERSIST_ATTEMPTS" default:"3"`
	// RedisLock guards the sender across processes; always on for STORE_BACKEND=redis.
	RedisLock bool `envconfig:"REDIS_LOCK" default:"false"`
	MaxImageBytes     int           `envconfig:"MAX_IMAGE_BYTES" default:"5242880"`

	// AWS / SQS; events stay local when EVENTS_QUEUE_URL is empty
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	EventsQueueURL     string `envconfig:"EVENTS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSMaxAttempts     int    `envconfig:"SQS_MAX_ATTEMPTS" default:"3"`
}

type ProjectorConfig struct {
	Port      string `envconfig:"PORT" default:"8081"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	StoreConfig

	ActivityLimit int `envconfig:"ACTIVITY_LIMIT" default:"100"`

	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	EventsQueueURL     string `envconfig:"EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	SQSMaxAttempts     int    `envconfig:"SQS_MAX_ATTEMPTS" default:"3"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"4"`
}

func LoadAPI() APIConfig {
	loadDotenv()
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadProjector() ProjectorConfig {
	loadDotenv()
	var cfg ProjectorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.StoreConfig.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func (c StoreConfig) Validate() error {
	switch c.Backend {
	case "sqlite", "redis":
		return nil
	case "postgres":
		if c.DBDSN == "" {
			return errors.New("DB_DSN is required for STORE_BACKEND=postgres")
		}
		return nil
	}
	return fmt.Errorf("unknown STORE_BACKEND %q (want sqlite, postgres or redis)", c.Backend)
}

func (c APIConfig) Validate() error {
	if err := c.StoreConfig.Validate(); err != nil {
		return err
	}
	if c.DelayMin < 0 || c.DelayMax < 0 || c.RateFloor < 0 {
		return errors.New("DELAY_MIN, DELAY_MAX and RATE_FLOOR must not be negative")
	}
	if c.DelayMax < c.DelayMin {
		return fmt.Errorf("DELAY_MAX %s is below DELAY_MIN %s", c.DelayMax, c.DelayMin)
	}
	if c.TypingMax < c.TypingMin {
		return fmt.Errorf("TYPING_MAX %s is below TYPING_MIN %s", c.TypingMax, c.TypingMin)
	}
	if c.WaitTick <= 0 {
		return errors.New("WAIT_TICK must be positive")
	}
	// The loop cannot extend the lock while composing or inside a gateway call.
	if (c.RedisLock || c.Backend == "redis") && c.LockTTL <= c.GatewayTimeout+c.TypingMax {
		return fmt.Errorf("LOCK_TTL %s must exceed GATEWAY_TIMEOUT plus TYPING_MAX (%s)", c.LockTTL, c.GatewayTimeout+c.TypingMax)
	}
	return nil
}

// loadDotenv reads .env into the environment without overriding what is already set.
func loadDotenv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(fmt.Errorf("load .env: %w", err))
	}
}
