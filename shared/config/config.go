package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec        int
	OutboxBatchSize      int
	OutboxMaxAttempts    int
	OutboxRetentionHours int

	InfluxEnabled   bool
	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	// Attachment gateway (external blob storage collaborator).
	GatewayURL      string
	GatewayToken    string
	UploadTimeoutMS int
	UploadRetryMax  int

	// Field-operation knobs. The distance threshold produces a warning, not a
	// rejection; GPS in the field is noisy.
	DistanceThresholdM    float64
	SnapshotCacheTTLSec   int
	CheckoutTxTimeoutMS   int
	CheckoutLockTimeoutMS int
	CheckoutRetryMax      int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Defaults(serviceNameDefault string, httpPortDefault int) Config {
	return Config{
		ServiceName:           serviceNameDefault,
		HTTPPort:              httpPortDefault,
		LogLevel:              "info",
		RequestTimeoutMS:      30000,
		JWKSTTLSeconds:        300,
		JWTClockSkewSec:       60,
		DBMaxConns:            10,
		DBMinConns:            1,
		DBConnMaxIdleSec:      300,
		DBConnMaxLifeSec:      1800,
		KafkaRetryMax:         5,
		KafkaWriteMS:          5000,
		AsynqQueue:            "default",
		AsynqConcurrency:      10,
		OutboxScanSec:         5,
		OutboxBatchSize:       50,
		OutboxMaxAttempts:     20,
		OutboxRetentionHours:  72,
		InfluxTimeoutMS:       5000,
		UploadTimeoutMS:       15000,
		UploadRetryMax:        2,
		DistanceThresholdM:    100,
		SnapshotCacheTTLSec:   60,
		CheckoutTxTimeoutMS:   10000,
		CheckoutLockTimeoutMS: 5000,
		CheckoutRetryMax:      1,
		OtelInsecure:          true,
		OtelSampleRatio:       1.0,
	}
}

// Load merges defaults, an optional JSON config file (CONFIG_PATH) and
// process environment, in that order. Problems collect instead of aborting so
// /readyz can report the full list.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = strings.TrimSpace(os.Getenv("ENV"))
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := cfg.Env != ""

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath); ok {
		problems = append(problems, fileProblems...)
		if v, ok := lookupMap(fileData, "ENV"); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				envProvided = true
			}
		}
		apply(&cfg, mapLookup(fileData), &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	apply(&cfg, envLookup(), &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	validate(&cfg, Defaults(serviceNameDefault, httpPortDefault), &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

type lookup func(key string) (any, bool)

func envLookup() lookup {
	return func(key string) (any, bool) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil, false
		}
		return v, true
	}
}

func mapLookup(raw map[string]any) lookup {
	return func(key string) (any, bool) {
		return lookupMap(raw, key)
	}
}

func lookupMap(raw map[string]any, key string) (any, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return v, true
		}
	}
	return nil, false
}

func apply(cfg *Config, get lookup, problems *[]Problem) {
	setString(get, "ENV", &cfg.Env)
	setString(get, "SERVICE_NAME", &cfg.ServiceName)
	setInt(get, "HTTP_PORT", &cfg.HTTPPort, problems)
	setString(get, "LOG_LEVEL", &cfg.LogLevel)
	setInt(get, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, problems)

	setString(get, "OIDC_ISSUER", &cfg.OIDCIssuer)
	setString(get, "OIDC_AUDIENCE", &cfg.OIDCAudience)
	setString(get, "OIDC_JWKS_URL", &cfg.OIDCJWKSURL)
	setInt(get, "JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, problems)
	setInt(get, "JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, problems)

	setString(get, "DATABASE_URL", &cfg.DatabaseURL)
	setInt(get, "DB_MAX_CONNS", &cfg.DBMaxConns, problems)
	setInt(get, "DB_MIN_CONNS", &cfg.DBMinConns, problems)
	setInt(get, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, problems)
	setInt(get, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, problems)

	setStringList(get, "KAFKA_BROKERS", &cfg.KafkaBrokers)
	setString(get, "KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	setString(get, "KAFKA_CONSUMER_GROUP", &cfg.KafkaGroupID)
	setInt(get, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, problems)
	setInt(get, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, problems)

	setString(get, "REDIS_ADDR", &cfg.RedisAddr)
	setString(get, "REDIS_PASSWORD", &cfg.RedisPassword)
	setInt(get, "REDIS_DB", &cfg.RedisDB, problems)

	setString(get, "ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr)
	setString(get, "ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass)
	setInt(get, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, problems)
	setString(get, "ASYNQ_QUEUE", &cfg.AsynqQueue)
	setInt(get, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, problems)

	setInt(get, "OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, problems)
	setInt(get, "OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, problems)
	setInt(get, "OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, problems)
	setInt(get, "OUTBOX_RETENTION_HOURS", &cfg.OutboxRetentionHours, problems)

	setBool(get, "INFLUX_ENABLED", &cfg.InfluxEnabled, problems)
	setString(get, "INFLUX_URL", &cfg.InfluxURL)
	setString(get, "INFLUX_TOKEN", &cfg.InfluxToken)
	setString(get, "INFLUX_ORG", &cfg.InfluxOrg)
	setString(get, "INFLUX_BUCKET", &cfg.InfluxBucket)
	setInt(get, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, problems)

	setString(get, "ATTACHMENT_GATEWAY_URL", &cfg.GatewayURL)
	setString(get, "ATTACHMENT_GATEWAY_TOKEN", &cfg.GatewayToken)
	setInt(get, "ATTACHMENT_UPLOAD_TIMEOUT_MS", &cfg.UploadTimeoutMS, problems)
	setInt(get, "ATTACHMENT_UPLOAD_RETRY_MAX", &cfg.UploadRetryMax, problems)

	setFloat(get, "CHECKIN_DISTANCE_THRESHOLD_METERS", &cfg.DistanceThresholdM, problems)
	setInt(get, "SNAPSHOT_CACHE_TTL_SECONDS", &cfg.SnapshotCacheTTLSec, problems)
	setInt(get, "CHECKOUT_TX_TIMEOUT_MS", &cfg.CheckoutTxTimeoutMS, problems)
	setInt(get, "CHECKOUT_LOCK_TIMEOUT_MS", &cfg.CheckoutLockTimeoutMS, problems)
	setInt(get, "CHECKOUT_RETRY_MAX", &cfg.CheckoutRetryMax, problems)

	setBool(get, "OTEL_ENABLED", &cfg.OtelEnabled, problems)
	setString(get, "OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint)
	setBool(get, "OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure, problems)
	setFloat(get, "OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio, problems)
}

func validate(cfg *Config, def Config, problems *[]Problem) {
	clampInt := func(field string, v *int, fallback int, min int) {
		if *v < min {
			*problems = append(*problems, Problem{Field: field, Message: fmt.Sprintf("%s must be >= %d", field, min)})
			*v = fallback
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = def.HTTPPort
	}
	clampInt("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, def.RequestTimeoutMS, 1)
	clampInt("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, def.JWKSTTLSeconds, 1)
	clampInt("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, def.JWTClockSkewSec, 0)
	clampInt("DB_MAX_CONNS", &cfg.DBMaxConns, def.DBMaxConns, 1)
	clampInt("DB_MIN_CONNS", &cfg.DBMinConns, def.DBMinConns, 0)
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	clampInt("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, def.DBConnMaxIdleSec, 1)
	clampInt("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, def.DBConnMaxLifeSec, 1)
	clampInt("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, def.KafkaRetryMax, 0)
	clampInt("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, def.KafkaWriteMS, 1)
	clampInt("REDIS_DB", &cfg.RedisDB, def.RedisDB, 0)
	clampInt("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, def.AsynqRedisDB, 0)
	clampInt("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, def.AsynqConcurrency, 1)
	clampInt("OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, def.OutboxScanSec, 1)
	clampInt("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, def.OutboxBatchSize, 1)
	clampInt("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, def.OutboxMaxAttempts, 1)
	clampInt("OUTBOX_RETENTION_HOURS", &cfg.OutboxRetentionHours, def.OutboxRetentionHours, 1)
	clampInt("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, def.InfluxTimeoutMS, 1)
	clampInt("ATTACHMENT_UPLOAD_TIMEOUT_MS", &cfg.UploadTimeoutMS, def.UploadTimeoutMS, 1)
	clampInt("ATTACHMENT_UPLOAD_RETRY_MAX", &cfg.UploadRetryMax, def.UploadRetryMax, 0)
	clampInt("SNAPSHOT_CACHE_TTL_SECONDS", &cfg.SnapshotCacheTTLSec, def.SnapshotCacheTTLSec, 1)
	clampInt("CHECKOUT_TX_TIMEOUT_MS", &cfg.CheckoutTxTimeoutMS, def.CheckoutTxTimeoutMS, 1)
	clampInt("CHECKOUT_LOCK_TIMEOUT_MS", &cfg.CheckoutLockTimeoutMS, def.CheckoutLockTimeoutMS, 1)
	clampInt("CHECKOUT_RETRY_MAX", &cfg.CheckoutRetryMax, def.CheckoutRetryMax, 0)
	if cfg.CheckoutLockTimeoutMS > cfg.CheckoutTxTimeoutMS {
		*problems = append(*problems, Problem{Field: "CHECKOUT_LOCK_TIMEOUT_MS", Message: "CHECKOUT_LOCK_TIMEOUT_MS must be <= CHECKOUT_TX_TIMEOUT_MS"})
		cfg.CheckoutLockTimeoutMS = cfg.CheckoutTxTimeoutMS
	}
	if cfg.DistanceThresholdM <= 0 {
		*problems = append(*problems, Problem{Field: "CHECKIN_DISTANCE_THRESHOLD_METERS", Message: "CHECKIN_DISTANCE_THRESHOLD_METERS must be > 0"})
		cfg.DistanceThresholdM = def.DistanceThresholdM
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = def.OtelSampleRatio
	}
}

func loadConfigFile(path string) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func setString(get lookup, key string, dst *string) {
	v, ok := get(key)
	if !ok {
		return
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		*dst = strings.TrimSpace(s)
	}
}

func setStringList(get lookup, key string, dst *[]string) {
	v, ok := get(key)
	if !ok {
		return
	}
	switch t := v.(type) {
	case string:
		if out := parseCSV(t); len(out) > 0 {
			*dst = out
		}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func setInt(get lookup, key string, dst *int, problems *[]Problem) {
	v, ok := get(key)
	if !ok {
		return
	}
	if n, ok := asInt(v); ok {
		*dst = n
	} else {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
	}
}

func setFloat(get lookup, key string, dst *float64, problems *[]Problem) {
	v, ok := get(key)
	if !ok {
		return
	}
	if f, ok := asFloat(v); ok {
		*dst = f
	} else {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
	}
}

func setBool(get lookup, key string, dst *bool, problems *[]Problem) {
	v, ok := get(key)
	if !ok {
		return
	}
	switch t := v.(type) {
	case bool:
		*dst = t
	case string:
		if b, ok := asBool(t); ok {
			*dst = b
		} else {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		}
	default:
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
