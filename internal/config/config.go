package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT" yaml:"port"`
	Env            string        `mapstructure:"ENV" yaml:"env"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL" yaml:"database_url"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS" yaml:"db_max_conns"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS" yaml:"db_min_conns"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER" yaml:"auth_issuer"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL" yaml:"auth_jwks_url"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE" yaml:"auth_audience"`
	JWTSecret      string        `mapstructure:"JWT_SECRET" yaml:"jwt_secret"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS" yaml:"cors_origins"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS" yaml:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST" yaml:"rate_limit_burst"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT" yaml:"request_timeout"`

	EncryptionMasterKey string `mapstructure:"ENCRYPTION_MASTER_KEY" yaml:"encryption_master_key"`

	LedgerPath         string   `mapstructure:"LEDGER_PATH" yaml:"ledger_path"`
	LedgerOwnerAddress string   `mapstructure:"LEDGER_OWNER_ADDRESS" yaml:"ledger_owner_address"`
	LedgerDoctors      []string `mapstructure:"LEDGER_DOCTORS" yaml:"ledger_doctors"`
	LedgerInsurers     []string `mapstructure:"LEDGER_INSURERS" yaml:"ledger_insurers"`

	StorageBackend  string `mapstructure:"STORAGE_BACKEND" yaml:"storage_backend"`
	S3Bucket        string `mapstructure:"S3_BUCKET" yaml:"s3_bucket"`
	S3Endpoint      string `mapstructure:"S3_ENDPOINT" yaml:"s3_endpoint"`
	S3Region        string `mapstructure:"S3_REGION" yaml:"s3_region"`
	IPFSAPIURL      string `mapstructure:"IPFS_API_URL" yaml:"ipfs_api_url"`
	IPFSGatewayURL  string `mapstructure:"IPFS_GATEWAY_URL" yaml:"ipfs_gateway_url"`
	PinataAPIKey    string `mapstructure:"PINATA_API_KEY" yaml:"pinata_api_key"`
	PinataAPISecret string `mapstructure:"PINATA_API_SECRET" yaml:"pinata_api_secret"`

	AIAPIKey      string        `mapstructure:"AI_API_KEY" yaml:"ai_api_key"`
	AIBaseURL     string        `mapstructure:"AI_BASE_URL" yaml:"ai_base_url"`
	AIModel       string        `mapstructure:"AI_MODEL" yaml:"ai_model"`
	AIMaxAttempts int           `mapstructure:"AI_MAX_ATTEMPTS" yaml:"ai_max_attempts"`
	AIBackoff     time.Duration `mapstructure:"AI_BACKOFF" yaml:"ai_backoff"`
	AIRPS         float64       `mapstructure:"AI_RPS" yaml:"ai_rps"`

	EnrichmentTimeout time.Duration `mapstructure:"ENRICHMENT_TIMEOUT" yaml:"enrichment_timeout"`

	OutboxBackend string   `mapstructure:"OUTBOX_BACKEND" yaml:"outbox_backend"`
	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaTopic    string   `mapstructure:"KAFKA_TOPIC" yaml:"kafka_topic"`
	SQSQueueURL   string   `mapstructure:"SQS_QUEUE_URL" yaml:"sqs_queue_url"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "JWT_SECRET", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"ENCRYPTION_MASTER_KEY",
	"LEDGER_PATH", "LEDGER_OWNER_ADDRESS", "LEDGER_DOCTORS", "LEDGER_INSURERS",
	"STORAGE_BACKEND", "S3_BUCKET", "S3_ENDPOINT", "S3_REGION",
	"IPFS_API_URL", "IPFS_GATEWAY_URL", "PINATA_API_KEY", "PINATA_API_SECRET",
	"AI_API_KEY", "AI_BASE_URL", "AI_MODEL", "AI_MAX_ATTEMPTS", "AI_BACKOFF", "AI_RPS",
	"ENRICHMENT_TIMEOUT",
	"OUTBOX_BACKEND", "KAFKA_BROKERS", "KAFKA_TOPIC", "SQS_QUEUE_URL",
}

// Load reads the configuration from the environment and an optional .env
// file. DATABASE_URL is required.
func Load() (*Config, error) {
	return load(true)
}

// LoadWithoutDatabase is Load for commands that never touch PostgreSQL.
func LoadWithoutDatabase() (*Config, error) {
	return load(false)
}

func load(requireDatabase bool) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("LEDGER_PATH", "./data/ledger")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("IPFS_API_URL", "https://api.pinata.cloud")
	v.SetDefault("IPFS_GATEWAY_URL", "https://gateway.pinata.cloud/ipfs")
	v.SetDefault("AI_MODEL", "gpt-4o-mini")
	v.SetDefault("AI_MAX_ATTEMPTS", 3)
	v.SetDefault("AI_BACKOFF", "2s")
	v.SetDefault("AI_RPS", 2)
	v.SetDefault("ENRICHMENT_TIMEOUT", "45s")
	v.SetDefault("OUTBOX_BACKEND", "log")
	v.SetDefault("KAFKA_TOPIC", "healthchain.outstanding")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v, "CORS_ORIGINS", cfg.CORSOrigins)
	cfg.LedgerDoctors = splitList(v, "LEDGER_DOCTORS", cfg.LedgerDoctors)
	cfg.LedgerInsurers = splitList(v, "LEDGER_INSURERS", cfg.LedgerInsurers)
	cfg.KafkaBrokers = splitList(v, "KAFKA_BROKERS", cfg.KafkaBrokers)

	if requireDatabase && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, identities come from X-Dev-* headers.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList handles comma separated env values that viper leaves as a single
// element.
func splitList(v *viper.Viper, key string, current []string) []string {
	if len(current) > 1 {
		return current
	}
	raw := v.GetString(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Backend specific
// settings are only required once that backend is selected.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("one of JWT_SECRET, AUTH_ISSUER or AUTH_JWKS_URL must be set outside development (current ENV=%q)", c.Env)
	}

	if c.IsProduction() && c.EncryptionMasterKey == "" {
		return fmt.Errorf("ENCRYPTION_MASTER_KEY is required in production")
	}
	if c.IsProduction() && c.LedgerOwnerAddress == "" {
		return fmt.Errorf("LEDGER_OWNER_ADDRESS is required in production")
	}
	if c.LedgerOwnerAddress != "" && !common.IsHexAddress(c.LedgerOwnerAddress) {
		return fmt.Errorf("LEDGER_OWNER_ADDRESS is not a valid address: %q", c.LedgerOwnerAddress)
	}
	for _, addr := range append(append([]string{}, c.LedgerDoctors...), c.LedgerInsurers...) {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("ledger allowlist entry is not a valid address: %q", addr)
		}
	}

	switch c.StorageBackend {
	case "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is \"s3\"")
		}
	case "ipfs":
		if c.PinataAPIKey == "" || c.PinataAPISecret == "" {
			return fmt.Errorf("PINATA_API_KEY and PINATA_API_SECRET are required when STORAGE_BACKEND is \"ipfs\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\", \"s3\", or \"ipfs\", got %q", c.StorageBackend)
	}

	switch c.OutboxBackend {
	case "log":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when OUTBOX_BACKEND is \"kafka\"")
		}
	case "sqs":
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required when OUTBOX_BACKEND is \"sqs\"")
		}
	default:
		return fmt.Errorf("OUTBOX_BACKEND must be \"log\", \"kafka\", or \"sqs\", got %q", c.OutboxBackend)
	}

	if c.AIMaxAttempts < 1 {
		return fmt.Errorf("AI_MAX_ATTEMPTS must be at least 1, got %d", c.AIMaxAttempts)
	}
	if c.EnrichmentTimeout < 0 {
		return fmt.Errorf("ENRICHMENT_TIMEOUT must not be negative, got %s", c.EnrichmentTimeout)
	}
	if c.RequestTimeout > 0 && (c.EnrichmentTimeout == 0 || c.EnrichmentTimeout >= c.RequestTimeout) {
		return fmt.Errorf("ENRICHMENT_TIMEOUT (%s) must be set below REQUEST_TIMEOUT (%s)", c.EnrichmentTimeout, c.RequestTimeout)
	}

	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.DatabaseURL = mask(c.DatabaseURL)
	c.JWTSecret = mask(c.JWTSecret)
	c.EncryptionMasterKey = mask(c.EncryptionMasterKey)
	c.PinataAPIKey = mask(c.PinataAPIKey)
	c.PinataAPISecret = mask(c.PinataAPISecret)
	c.AIAPIKey = mask(c.AIAPIKey)
	return c
}
