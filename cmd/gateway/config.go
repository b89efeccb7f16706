package main

import (
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/docstore"
	"github.com/VaultSovereign/vmq-oracle/pkg/policy"
)

// gatewayConfig is resolved once at start.
type gatewayConfig struct {
	Addr        string
	LogLevel    string
	Environment string

	PolicyURL        string
	PolicyTimeout    time.Duration
	PolicyAuthHeader string
	PolicyAuthToken  string
	TablesFile       string

	Docs     docstore.Config
	CacheTTL time.Duration

	DefaultUserID  string
	DefaultGroup   string
	DefaultPersona string

	LambdaEndpoint    string
	HandlerTimeout    time.Duration
	HandlerRetries    int
	HandlerAuthHeader string
	HandlerAuthToken  string
	UpstreamTimeout   time.Duration
	ExportBucket      string

	AuditEnabled bool
	AuditSalt    string
	AuditRedact  bool

	KafkaBrokers []string
	KafkaTopic   string

	// ObserverQueueSize bounds the audit and kafka outcome queues.
	ObserverQueueSize int

	RedisAddr          string
	RateLimitEnabled   bool
	RateLimitPerMinute int

	AuthMode     string
	AuthSecret   string
	AuthJWKSURL  string
	AuthIssuer   string
	AuthAudience string
	AuthTimeout  time.Duration

	CORSAllowedOrigins  string
	WSAllowedOrigins    []string
	MaxRequestBodyBytes int64

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func loadConfig() gatewayConfig {
	maxBody := int64(config.EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	ttl := config.EnvSeconds("CACHE_TTL_SEC", 300)
	return gatewayConfig{
		Addr:        config.Env("ADDR", ":8080"),
		LogLevel:    config.Env("LOG_LEVEL", "info"),
		Environment: config.Env("ENVIRONMENT", config.Env("APP_ENV", "")),

		PolicyURL:        config.Env("POLICY_URL", ""),
		PolicyTimeout:    config.EnvMillis("POLICY_TIMEOUT_MS", int(policy.DefaultTimeout/time.Millisecond)),
		PolicyAuthHeader: config.Env("POLICY_AUTH_HEADER", ""),
		PolicyAuthToken:  config.Env("POLICY_AUTH_TOKEN", ""),
		TablesFile:       config.Env("POLICY_TABLES_FILE", ""),

		Docs: docstore.Config{
			Backend:     config.Env("DOCSTORE_BACKEND", docstore.BackendFile),
			Bucket:      config.Env("DOCSTORE_BUCKET", docstore.DefaultBucket),
			Root:        config.Env("DOCSTORE_ROOT", "config/documents"),
			URL:         config.Env("DOCSTORE_URL", ""),
			Headers:     authHeaderMap(config.Env("DOCSTORE_AUTH_HEADER", ""), config.Env("DOCSTORE_AUTH_TOKEN", "")),
			Retries:     config.EnvInt("DOCSTORE_RETRIES", 1),
			SharedCache: config.EnvBool("DOCSTORE_SHARED_CACHE", false),
			TTL:         ttl,
		},
		CacheTTL: ttl,

		DefaultUserID:  config.Env("DEFAULT_USER_ID", "anonymous"),
		DefaultGroup:   config.Env("DEFAULT_GROUP", "VaultMesh-Engineering"),
		DefaultPersona: config.Env("DEFAULT_PERSONA", ""),

		LambdaEndpoint:    config.Env("LAMBDA_ENDPOINT", ""),
		HandlerTimeout:    config.EnvMillis("HANDLER_TIMEOUT_MS", 0),
		HandlerRetries:    config.EnvInt("HANDLER_RETRIES", 0),
		HandlerAuthHeader: config.Env("HANDLER_AUTH_HEADER", ""),
		HandlerAuthToken:  config.Env("HANDLER_AUTH_TOKEN", ""),
		UpstreamTimeout:   config.EnvMillis("UPSTREAM_TIMEOUT_MS", 30000),
		ExportBucket:      config.Env("EXPORT_BUCKET", ""),

		AuditEnabled: config.EnvBool("AUDIT_ENABLED", false),
		AuditSalt:    config.Env("AUDIT_HASH_SALT", ""),
		AuditRedact:  config.EnvBool("AUDIT_REDACT", false),

		KafkaBrokers: config.EnvList("KAFKA_BROKERS"),
		KafkaTopic:   config.Env("KAFKA_TOPIC", "vmq.action-outcomes"),

		ObserverQueueSize: config.EnvInt("OBSERVER_QUEUE_SIZE", 256),

		RedisAddr:          config.Env("REDIS_ADDR", ""),
		RateLimitEnabled:   config.EnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: config.EnvInt("RATE_LIMIT_PER_MINUTE", 240),

		AuthMode:     config.Env("AUTH_MODE", "off"),
		AuthSecret:   config.Env("AUTH_HS256_SECRET", ""),
		AuthJWKSURL:  config.Env("AUTH_JWKS_URL", ""),
		AuthIssuer:   config.Env("AUTH_ISSUER", ""),
		AuthAudience: config.Env("AUTH_AUDIENCE", ""),
		AuthTimeout:  config.EnvMillis("AUTH_TIMEOUT_MS", 5000),

		CORSAllowedOrigins:  config.Env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:    config.EnvList("WS_ALLOWED_ORIGINS"),
		MaxRequestBodyBytes: maxBody,

		ReadHeaderTimeout: config.EnvSeconds("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       config.EnvSeconds("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      config.EnvSeconds("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       config.EnvSeconds("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
}

func (c gatewayConfig) usesDatabase() bool {
	return c.AuditEnabled || c.Docs.Backend == docstore.BackendPostgres
}

func (c gatewayConfig) usesRedis() bool {
	return c.RedisAddr != "" || c.Docs.Backend == docstore.BackendRedis
}

func authHeaderMap(header, token string) map[string]string {
	if header == "" || token == "" {
		return nil
	}
	return map[string]string{header: token}
}
