package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const devJWTSecret = "dev-secret-change-in-prod"

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	KurrentDB    KurrentDBConfig
	Auth         AuthConfig
	Identity     IdentityConfig
	AI           AIConfig
	Storage      StorageConfig
	Notification NotificationConfig
	Hospital     HospitalConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	RequestTimeout time.Duration
	// AuthRateLimit is requests per second per client IP on /api/auth.
	AuthRateLimit int
	AuthRateBurst int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// RedisConfig configures the refresh-token session store. Empty Addr falls
// back to the in-process store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

type AuthConfig struct {
	JWTSecret        string
	JWTRefreshSecret string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	// DirectLogin lets /auth/otp/send issue tokens for known phones.
	DirectLogin bool
	// FixedOTP bypasses identity-token verification when FixedOTPEnabled.
	FixedOTP        string
	FixedOTPEnabled bool
	// FamilyRequireVerification creates family links as pending until verified.
	FamilyRequireVerification bool
}

// IdentityConfig configures verification of phone-OTP identity tokens.
type IdentityConfig struct {
	ProjectID string
	CertsURL  string
}

type AIConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Enabled reports whether an AI provider key is configured.
func (c AIConfig) Enabled() bool {
	return c.APIKey != ""
}

type StorageConfig struct {
	// Driver is "local" or "gcs".
	Driver        string
	LocalDir      string
	Bucket        string
	EncryptionKey string
	MaxUploadMB   int
}

type NotificationConfig struct {
	Workers       int
	BufferSize    int
	RetryAttempts int
	RetryDelay    time.Duration

	SMSGatewayURL string
	SMSAPIKey     string
	SMSSender     string

	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
}

// HospitalConfig points at a hospital information system database for lab
// result imports. Empty Host disables the integration.
type HospitalConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	Encrypt         bool
	InstitutionName string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	setDefaults(v)

	// Missing .env is fine; the environment wins anyway.
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetInt("PORT"),
			Env:            v.GetString("ENV"),
			RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
			AuthRateLimit:  v.GetInt("AUTH_RATE_LIMIT_RPS"),
			AuthRateBurst:  v.GetInt("AUTH_RATE_LIMIT_BURST"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Database: v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
			MaxConns: v.GetInt32("DB_MAX_CONNS"),
			MinConns: v.GetInt32("DB_MIN_CONNS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  v.GetBool("KURRENTDB_ENABLED"),
			Host:     v.GetString("KURRENTDB_HOST"),
			Port:     v.GetInt("KURRENTDB_PORT"),
			Insecure: v.GetBool("KURRENTDB_INSECURE"),
			Username: v.GetString("KURRENTDB_USERNAME"),
			Password: v.GetString("KURRENTDB_PASSWORD"),
		},
		Auth: AuthConfig{
			JWTSecret:                 v.GetString("JWT_SECRET"),
			JWTRefreshSecret:          v.GetString("JWT_REFRESH_SECRET"),
			AccessTTL:                 v.GetDuration("JWT_EXPIRE"),
			RefreshTTL:                v.GetDuration("JWT_REFRESH_EXPIRE"),
			DirectLogin:               v.GetBool("AUTH_DIRECT_LOGIN"),
			FixedOTP:                  v.GetString("AUTH_FIXED_OTP"),
			FixedOTPEnabled:           v.GetBool("AUTH_FIXED_OTP_ENABLED"),
			FamilyRequireVerification: v.GetBool("FAMILY_REQUIRE_VERIFICATION"),
		},
		Identity: IdentityConfig{
			ProjectID: v.GetString("FIREBASE_PROJECT_ID"),
			CertsURL:  v.GetString("FIREBASE_CERTS_URL"),
		},
		AI: AIConfig{
			APIKey:  v.GetString("GEMINI_API_KEY"),
			Model:   v.GetString("GEMINI_MODEL"),
			Timeout: v.GetDuration("AI_TIMEOUT"),
		},
		Storage: StorageConfig{
			Driver:        v.GetString("STORAGE_DRIVER"),
			LocalDir:      v.GetString("UPLOAD_DIR"),
			Bucket:        v.GetString("GCS_BUCKET"),
			EncryptionKey: v.GetString("STORAGE_ENCRYPTION_KEY"),
			MaxUploadMB:   v.GetInt("MAX_UPLOAD_MB"),
		},
		Notification: NotificationConfig{
			Workers:       v.GetInt("NOTIFY_WORKERS"),
			BufferSize:    v.GetInt("NOTIFY_BUFFER_SIZE"),
			RetryAttempts: v.GetInt("NOTIFY_RETRY_ATTEMPTS"),
			RetryDelay:    v.GetDuration("NOTIFY_RETRY_DELAY"),
			SMSGatewayURL: v.GetString("SMS_GATEWAY_URL"),
			SMSAPIKey:     v.GetString("SMS_API_KEY"),
			SMSSender:     v.GetString("SMS_SENDER"),
			MQTTBroker:    v.GetString("MQTT_BROKER"),
			MQTTClientID:  v.GetString("MQTT_CLIENT_ID"),
			MQTTUsername:  v.GetString("MQTT_USERNAME"),
			MQTTPassword:  v.GetString("MQTT_PASSWORD"),
		},
		Hospital: HospitalConfig{
			Host:            v.GetString("HIS_HOST"),
			Port:            v.GetInt("HIS_PORT"),
			Database:        v.GetString("HIS_DATABASE"),
			User:            v.GetString("HIS_USER"),
			Password:        v.GetString("HIS_PASSWORD"),
			Encrypt:         v.GetBool("HIS_ENCRYPT"),
			InstitutionName: v.GetString("HIS_INSTITUTION"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if cfg.Auth.JWTRefreshSecret == "" {
		cfg.Auth.JWTRefreshSecret = cfg.Auth.JWTSecret
	}
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8000)
	v.SetDefault("ENV", "development")
	v.SetDefault("REQUEST_TIMEOUT", 60*time.Second)
	v.SetDefault("AUTH_RATE_LIMIT_RPS", 5)
	v.SetDefault("AUTH_RATE_LIMIT_BURST", 20)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "healthnexus")
	v.SetDefault("DB_PASSWORD", "healthnexus")
	v.SetDefault("DB_NAME", "healthnexus")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("DB_MIN_CONNS", 2)

	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("KURRENTDB_ENABLED", false)
	v.SetDefault("KURRENTDB_HOST", "localhost")
	v.SetDefault("KURRENTDB_PORT", 2113)
	v.SetDefault("KURRENTDB_INSECURE", true)

	v.SetDefault("JWT_SECRET", devJWTSecret)
	v.SetDefault("JWT_EXPIRE", 15*time.Minute)
	v.SetDefault("JWT_REFRESH_EXPIRE", 7*24*time.Hour)
	v.SetDefault("AUTH_DIRECT_LOGIN", true)
	v.SetDefault("AUTH_FIXED_OTP", "123456")
	v.SetDefault("AUTH_FIXED_OTP_ENABLED", true)
	v.SetDefault("FAMILY_REQUIRE_VERIFICATION", false)

	v.SetDefault("FIREBASE_CERTS_URL", "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com")

	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("AI_TIMEOUT", 60*time.Second)

	v.SetDefault("STORAGE_DRIVER", "local")
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("MAX_UPLOAD_MB", 20)

	v.SetDefault("NOTIFY_WORKERS", 4)
	v.SetDefault("NOTIFY_BUFFER_SIZE", 1000)
	v.SetDefault("NOTIFY_RETRY_ATTEMPTS", 3)
	v.SetDefault("NOTIFY_RETRY_DELAY", 30*time.Second)
	v.SetDefault("SMS_SENDER", "HNEXUS")
	v.SetDefault("MQTT_CLIENT_ID", "healthnexus-api")

	v.SetDefault("HIS_PORT", 1433)
	v.SetDefault("HIS_INSTITUTION", "Partner Hospital")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Validate rejects configurations that are unsafe to run in production.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("PORT must be positive, got %d", c.Server.Port)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("JWT_EXPIRE and JWT_REFRESH_EXPIRE must be positive")
	}
	switch c.Storage.Driver {
	case "local", "gcs":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be \"local\" or \"gcs\", got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("GCS_BUCKET is required when STORAGE_DRIVER is gcs")
	}

	if !c.IsProduction() {
		return nil
	}
	if c.Auth.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed in production")
	}
	if c.Auth.FixedOTPEnabled {
		return fmt.Errorf("AUTH_FIXED_OTP_ENABLED must be false in production")
	}
	if c.Identity.ProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required in production")
	}
	return nil
}
