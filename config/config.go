// Package config binds service settings from the environment, an optional
// .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/intake"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
	Port                          int      `env:"PORT" env-default:"3002"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"60"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// PostgreSQL
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Graph projection (Neo4j / Memgraph)
	GraphEnabled  bool   `env:"GRAPH_ENABLED" env-default:"false"`
	GraphHost     string `env:"GRAPH_HOST" env-default:"localhost"`
	GraphPort     int    `env:"GRAPH_PORT" env-default:"7687"`
	GraphUsername string `env:"GRAPH_USERNAME" env-default:""`
	GraphPassword string `env:"GRAPH_PASSWORD" env-default:""`
	GraphDatabase string `env:"GRAPH_DATABASE" env-default:""`

	// Kafka
	KafkaEnabled       bool     `env:"KAFKA_ENABLED" env-default:"false"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaOutputTopic   string   `env:"KAFKA_OUTPUT_TOPIC" env-default:"fern.events"`
	KafkaIntakeTopic   string   `env:"KAFKA_INTAKE_TOPIC" env-default:"fern.intake"`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" env-default:"fern-intake"`
	KafkaBatchSize     int      `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout  int      `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks  int      `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression   string   `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Redis (distributed record locks)
	RedisEnabled    bool   `env:"REDIS_ENABLED" env-default:"false"`
	RedisHost       string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort       int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword   string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB         int    `env:"REDIS_DB" env-default:"0"`
	LockTTLSeconds  int    `env:"LOCK_TTL_SECONDS" env-default:"30"`
	LockWaitSeconds int    `env:"LOCK_WAIT_SECONDS" env-default:"10"`

	// Observability
	TracingEnabled  bool   `env:"TRACING_ENABLED" env-default:"false"`
	TracingExporter string `env:"TRACING_EXPORTER" env-default:"console"`
	TracingEndpoint string `env:"TRACING_ENDPOINT" env-default:"localhost:4318"`
	TracingProtocol string `env:"TRACING_PROTOCOL" env-default:"http"`
	TracingInsecure bool   `env:"TRACING_INSECURE" env-default:"true"`
	TracingHeaders  string `env:"TRACING_HEADERS" env-default:""`
	MetricsEnabled  bool   `env:"METRICS_ENABLED" env-default:"true"`

	// Engine
	LinkThreshold            float64 `env:"LINK_THRESHOLD" env-default:"0.85"`
	ReviewThreshold          float64 `env:"REVIEW_THRESHOLD" env-default:"0.70"`
	SynergyBonus             float64 `env:"SYNERGY_BONUS" env-default:"0.02"`
	SynergyNameMin           float64 `env:"SYNERGY_NAME_MIN" env-default:"0.90"`
	WeightName               float64 `env:"WEIGHT_NAME" env-default:"0.28"`
	WeightEmail              float64 `env:"WEIGHT_EMAIL" env-default:"0.24"`
	WeightPhone              float64 `env:"WEIGHT_PHONE" env-default:"0.10"`
	WeightAddress            float64 `env:"WEIGHT_ADDRESS" env-default:"0.14"`
	WeightDOB                float64 `env:"WEIGHT_DOB" env-default:"0.12"`
	WeightSameDomain         float64 `env:"WEIGHT_SAME_DOMAIN" env-default:"0.02"`
	WeightCosEmb             float64 `env:"WEIGHT_COS_EMB" env-default:"0.08"`
	WeightGender             float64 `env:"WEIGHT_GENDER" env-default:"0.02"`
	BlockingStrategy         string  `env:"BLOCKING_STRATEGY" env-default:"key"`
	ANNNeighbors             int     `env:"ANN_NEIGHBORS" env-default:"100"`
	PhoneBlockDigits         int     `env:"PHONE_BLOCK_DIGITS" env-default:"3"`
	PhoneMatchDigits         int     `env:"PHONE_MATCH_DIGITS" env-default:"4"`
	MaxBlockSize             int     `env:"MAX_BLOCK_SIZE" env-default:"0"`
	ScoringWorkers           int     `env:"SCORING_WORKERS" env-default:"0"`
	IntakeCandidateLimit     int     `env:"INTAKE_CANDIDATE_LIMIT" env-default:"500"`
	VectorizerCacheTTLMinute int     `env:"VECTORIZER_CACHE_TTL_MINUTES" env-default:"30"`
}

// Load reads .env (when present), then the config file (when given), then
// binds the environment. Environment variables win over the config file.
func Load(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	if configFile != "" {
		v := viper.New()
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		if err := exportUnset(v); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.AllowOrigins = splitList(cfg.AllowOrigins)
	return cfg, nil
}

// exportUnset copies config file keys into the environment the way godotenv
// does: variables that are already set keep their value.
func exportUnset(v *viper.Viper) error {
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if err := os.Setenv(name, fileValue(v.Get(key))); err != nil {
			return fmt.Errorf("failed to export %s: %w", name, err)
		}
	}
	return nil
}

func fileValue(value any) string {
	switch v := value.(type) {
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprint(v)
	}
}

// splitList accepts both repeated values and a single comma separated one.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Matching builds and validates the scoring configuration.
func (c Config) Matching() (matching.Config, error) {
	cfg := matching.Config{
		LinkThreshold:    c.LinkThreshold,
		ReviewThreshold:  c.ReviewThreshold,
		SynergyBonus:     c.SynergyBonus,
		SynergyNameMin:   c.SynergyNameMin,
		PhoneMatchDigits: c.PhoneMatchDigits,
		Workers:          c.ScoringWorkers,
		ModelVersion:     matching.DefaultConfig().ModelVersion,
		Weights: matching.Weights{
			Name:       c.WeightName,
			Email:      c.WeightEmail,
			Phone:      c.WeightPhone,
			Address:    c.WeightAddress,
			DOB:        c.WeightDOB,
			SameDomain: c.WeightSameDomain,
			CosEmb:     c.WeightCosEmb,
			Gender:     c.WeightGender,
		},
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid matching config: %w", err)
	}
	return cfg, nil
}

// Blocking builds and validates the candidate generation configuration.
func (c Config) Blocking() (blocking.Config, error) {
	cfg := blocking.Config{
		Strategy:         models.BlockingStrategy(c.BlockingStrategy),
		Neighbors:        c.ANNNeighbors,
		PhoneBlockDigits: c.PhoneBlockDigits,
		MaxBlockSize:     c.MaxBlockSize,
		Workers:          c.ScoringWorkers,
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid blocking config: %w", err)
	}
	return cfg, nil
}

// Intake builds the intake matcher configuration.
func (c Config) Intake() intake.Config {
	return intake.Config{
		CandidateLimit: c.IntakeCandidateLimit,
		VectorizerTTL:  time.Duration(c.VectorizerCacheTTLMinute) * time.Minute,
	}
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitSeconds) * time.Second
}

// Engine builds both validated engine configurations.
func (c Config) Engine() (matching.Config, blocking.Config, error) {
	m, err := c.Matching()
	if err != nil {
		return m, blocking.Config{}, err
	}
	b, err := c.Blocking()
	return m, b, err
}
