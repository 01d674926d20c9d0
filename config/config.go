package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string `env:"APP_NAME" env-default:"fern-api"`
	Version                       string `env:"APP_VERSION" env-default:"dev"`
	Port                          int    `env:"PORT" env-default:"3000"`
	LogLevel                      string `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool   `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int    `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerReadTimeoutSeconds  int    `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int    `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"60"`
	MaxHeaderBytes                int    `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"`
	ReadHeaderTimeoutSeconds      int    `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	StartupMaxAttempts            int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"15s"`

	// Database driver, postgres or memory
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost   string `env:"DB_HOST" env-default:"localhost"`
	DatabasePort   string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	DatabaseName     string `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode  string `env:"DB_SSL_MODE" env-default:"disable"`
	// Attempts for a query that failed on a transient error
	DatabaseRetryAttempts int `env:"DB_RETRY_ATTEMPTS" env-default:"3"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version, 0 migrates to the latest
	DatabaseMigrationVersion uint `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`
	// Run migrations when serve starts
	DatabaseMigrateOnStart bool `env:"DB_MIGRATE_ON_START" env-default:"true"`

	// Graph projection (Bolt: Neo4j or Memgraph). Empty host disables it.
	GraphHost     string `env:"GRAPH_HOST" env-default:""`
	GraphPort     int    `env:"GRAPH_PORT" env-default:"7687"`
	GraphUser     string `env:"GRAPH_USER" env-default:""`
	GraphPassword string `env:"GRAPH_PASSWORD" env-default:""`
	// Name reported in metrics and sync attempts, e.g. memgraph or neo4j
	GraphEngineName   string        `env:"GRAPH_ENGINE_NAME" env-default:"memgraph"`
	GraphCheckTTL     time.Duration `env:"GRAPH_CHECK_TTL" env-default:"30s"`
	GraphWriteTimeout time.Duration `env:"GRAPH_WRITE_TIMEOUT" env-default:"5s"`

	// Redis host. Empty disables distributed locks.
	RedisHost string `env:"REDIS_HOST" env-default:""`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB          int           `env:"REDIS_DB" env-default:"0"`
	RedisKeyPrefix   string        `env:"REDIS_KEY_PREFIX" env-default:"fern:lock:"`
	RedisDialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" env-default:"5s"`

	// Kafka brokers (comma-separated). Empty disables events and intake.
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:""`
	// Topic lifecycle events are published to
	KafkaEventsTopic string `env:"KAFKA_EVENTS_TOPIC" env-default:"fern.candidate-events"`
	// Topic producer batches are consumed from
	KafkaIntakeTopic          string        `env:"KAFKA_INTAKE_TOPIC" env-default:"fern.candidate-intake"`
	KafkaConsumerGroup        string        `env:"KAFKA_CONSUMER_GROUP" env-default:"fern-intake"`
	KafkaProducerBatchSize    int           `env:"KAFKA_PRODUCER_BATCH_SIZE" env-default:"100"`
	KafkaProducerBatchTimeout time.Duration `env:"KAFKA_PRODUCER_BATCH_TIMEOUT" env-default:"100ms"`
	KafkaRequiredAcks         int           `env:"KAFKA_REQUIRED_ACKS" env-default:"-1"`
	KafkaCompression          string        `env:"KAFKA_COMPRESSION" env-default:"snappy"`
	KafkaIntakeAttempts       int           `env:"KAFKA_INTAKE_ATTEMPTS" env-default:"3"`
	KafkaIntakeRetryBackoff   time.Duration `env:"KAFKA_INTAKE_RETRY_BACKOFF" env-default:"500ms"`

	// Tracing exporter: none, console or otlp
	TracingExporter string `env:"TRACING_EXPORTER" env-default:"none"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`

	// Similarity at or above which a Pre-Hoc check reports a match
	PreHocThreshold float64 `env:"PRE_HOC_THRESHOLD" env-default:"0.88"`
	// Default similarity for Post-Hoc audits
	PostHocThreshold float64       `env:"POST_HOC_THRESHOLD" env-default:"0.80"`
	ScanTimeout      time.Duration `env:"SCAN_TIMEOUT" env-default:"30s"`
	// Scans slower than this are counted and logged as slow
	SlowScanBudget time.Duration `env:"SLOW_SCAN_BUDGET" env-default:"5s"`
	ScanWorkers    int           `env:"SCAN_WORKERS" env-default:"4"`
	MaxLabelLength int           `env:"MAX_LABEL_LENGTH" env-default:"200"`

	BacklogThresholdDays  int           `env:"BACKLOG_THRESHOLD_DAYS" env-default:"7"`
	BacklogThresholdCount int           `env:"BACKLOG_THRESHOLD_COUNT" env-default:"500"`
	BacklogWindow         time.Duration `env:"BACKLOG_WINDOW" env-default:"720h"`
	// Refuse automated submissions while the backlog is over threshold
	BacklogGateEnabled bool `env:"BACKLOG_GATE_ENABLED" env-default:"true"`

	// keep_pending or resolve
	MergeEvidencePolicy string        `env:"MERGE_EVIDENCE_POLICY" env-default:"keep_pending"`
	MergeLockTTL        time.Duration `env:"MERGE_LOCK_TTL" env-default:"60s"`
	// Promote candidates to canonical codes as soon as they are validated
	AutoPromote bool `env:"AUTO_PROMOTE" env-default:"false"`

	// Scheduler settings
	SchedulerEnabled      bool          `env:"SCHEDULER_ENABLED" env-default:"true"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"1m"`
	SchedulerLockTTL      time.Duration `env:"SCHEDULER_LOCK_TTL" env-default:"5m"`
	GraphSyncBatchSize    int           `env:"GRAPH_SYNC_BATCH_SIZE" env-default:"100"`
	SchedulerProjectLimit int           `env:"SCHEDULER_PROJECT_LIMIT" env-default:"50"`

	// Audit task workers
	TaskWorkerCount  int           `env:"TASK_WORKER_COUNT" env-default:"2"`
	TaskPollInterval time.Duration `env:"TASK_POLL_INTERVAL" env-default:"5s"`
	TaskStaleAfter   time.Duration `env:"TASK_STALE_AFTER" env-default:"10m"`

	// Fragment service base URL. Empty skips fragment existence checks.
	FragmentServiceURL     string        `env:"FRAGMENT_SERVICE_URL" env-default:""`
	FragmentServiceTimeout time.Duration `env:"FRAGMENT_SERVICE_TIMEOUT" env-default:"5s"`
}

// Load reads an optional .env file and then the environment
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Brokers splits KafkaBrokers into addresses
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
