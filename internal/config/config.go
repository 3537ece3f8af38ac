package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverDynamoDB = "dynamodb"

	StorageS3     = "s3"
	StorageMemory = "memory"
)

// Config represents the application configuration
type Config struct {
	Environment   string              `json:"environment"`
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Dynamo        DynamoConfig        `json:"dynamo"`
	Storage       StorageConfig       `json:"storage"`
	Auth          AuthConfig          `json:"auth"`
	Signing       SigningConfig       `json:"signing"`
	Notifications NotificationsConfig `json:"notifications"`
	Redis         RedisConfig         `json:"redis"`
	Logging       LoggingConfig       `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	MaxUploadBytes  int64         `json:"max_upload_bytes"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver         string        `json:"driver"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
	RunMigrations  bool          `json:"run_migrations"`
}

// DynamoConfig is used when Database.Driver is dynamodb
type DynamoConfig struct {
	Region     string `json:"region"`
	Endpoint   string `json:"endpoint"`
	Table      string `json:"table"`
	TokenIndex string `json:"token_index"`
	OwnerIndex string `json:"owner_index"`
}

// StorageConfig describes the blob store holding original and signed PDFs
type StorageConfig struct {
	Driver          string        `json:"driver"`
	Bucket          string        `json:"bucket"`
	Region          string        `json:"region"`
	Endpoint        string        `json:"endpoint"`
	AccessKeyID     string        `json:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key"`
	UsePathStyle    bool          `json:"use_path_style"`
	PresignTTL      time.Duration `json:"presign_ttl"`
}

// AuthConfig configures bearer credential resolution. Every configured
// provider is tried in order: HMAC JWT, JWKS, remote user endpoint.
type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret"`
	Issuer        string        `json:"issuer"`
	JWKSURL       string        `json:"jwks_url"`
	JWKSRefresh   time.Duration `json:"jwks_refresh"`
	Leeway        time.Duration `json:"leeway"`
	UserEndpoint  string        `json:"user_endpoint"`
	UserPath      string        `json:"user_path"`
	UserAPIKey    string        `json:"user_api_key"`
	UserCacheTTL  time.Duration `json:"user_cache_ttl"`
	UserCacheSize int           `json:"user_cache_size"`
}

// SigningConfig
type SigningConfig struct {
	StampTimeout      time.Duration `json:"stamp_timeout"`
	DefaultExpiry     time.Duration `json:"default_expiry"`
	LabelFontSize     float64       `json:"label_font_size"`
	DateLayout        string        `json:"date_layout"`
	PublicBaseURL     string        `json:"public_base_url"`
	LeftoverAge       time.Duration `json:"leftover_age"`
	ReminderCron      string        `json:"reminder_cron"`
	ReminderWindow    time.Duration `json:"reminder_window"`
	RunRemindersInAPI bool          `json:"run_reminders_in_api"`
}

// NotificationsConfig
type NotificationsConfig struct {
	SESFromAddress   string        `json:"ses_from_address"`
	SNSTopicARN      string        `json:"sns_topic_arn"`
	Region           string        `json:"region"`
	WebsocketEnabled bool          `json:"websocket_enabled"`
	DispatchTimeout  time.Duration `json:"dispatch_timeout"`
	DeliveryLog      bool          `json:"delivery_log"`
}

// RedisConfig backs the rate limiter for anonymous token lookups
type RedisConfig struct {
	Addr        string        `json:"addr"`
	Password    string        `json:"password"`
	DB          int           `json:"db"`
	TokenLimit  int           `json:"token_limit"`
	TokenWindow time.Duration `json:"token_window"`
}

// LoggingConfig
type LoggingConfig struct {
	Level string `json:"level"`
}

// Default returns the configuration used before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
			MaxUploadBytes:  20 << 20,
		},
		Database: DatabaseConfig{
			Driver:         DriverPostgres,
			Host:           "localhost",
			Port:           5432,
			User:           "postgres",
			DBName:         "dealer_portal",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    30 * time.Minute,
			RunMigrations:  true,
		},
		Dynamo: DynamoConfig{
			Region:     "us-east-1",
			Table:      "signature_requests",
			TokenIndex: "token_hash-index",
			OwnerIndex: "owner_id-index",
		},
		Storage: StorageConfig{
			Driver:     StorageS3,
			Bucket:     "dealer-portal-documents",
			Region:     "us-east-1",
			PresignTTL: 15 * time.Minute,
		},
		Auth: AuthConfig{
			JWKSRefresh:   time.Hour,
			Leeway:        30 * time.Second,
			UserPath:      "/auth/v1/user",
			UserCacheTTL:  time.Minute,
			UserCacheSize: 1024,
		},
		Signing: SigningConfig{
			StampTimeout:   30 * time.Second,
			DefaultExpiry:  7 * 24 * time.Hour,
			LabelFontSize:  8,
			DateLayout:     "January 2, 2006",
			PublicBaseURL:  "http://localhost:3000",
			LeftoverAge:    2 * time.Minute,
			ReminderCron:   "*/15 * * * *",
			ReminderWindow: 24 * time.Hour,
		},
		Notifications: NotificationsConfig{
			Region:           "us-east-1",
			WebsocketEnabled: true,
			DispatchTimeout:  5 * time.Second,
			DeliveryLog:      true,
		},
		Redis: RedisConfig{
			TokenLimit:  30,
			TokenWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	// Load from file if exists
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("APP_ENV", &config.Environment)

	str("SERVER_HOST", &config.Server.Host)
	num("SERVER_PORT", &config.Server.Port)
	if origins := os.Getenv("SERVER_ALLOWED_ORIGINS"); origins != "" {
		config.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	str("DATABASE_DRIVER", &config.Database.Driver)
	str("DATABASE_HOST", &config.Database.Host)
	num("DATABASE_PORT", &config.Database.Port)
	str("DATABASE_USER", &config.Database.User)
	str("DATABASE_PASSWORD", &config.Database.Password)
	str("DATABASE_DBNAME", &config.Database.DBName)
	str("DATABASE_SSLMODE", &config.Database.SSLMode)
	flag("DATABASE_RUN_MIGRATIONS", &config.Database.RunMigrations)

	str("DYNAMO_REGION", &config.Dynamo.Region)
	str("DYNAMO_ENDPOINT", &config.Dynamo.Endpoint)
	str("DYNAMO_TABLE", &config.Dynamo.Table)

	str("STORAGE_DRIVER", &config.Storage.Driver)
	str("S3_BUCKET", &config.Storage.Bucket)
	str("S3_REGION", &config.Storage.Region)
	str("S3_ENDPOINT", &config.Storage.Endpoint)
	str("S3_ACCESS_KEY_ID", &config.Storage.AccessKeyID)
	str("S3_SECRET_ACCESS_KEY", &config.Storage.SecretAccessKey)
	flag("S3_USE_PATH_STYLE", &config.Storage.UsePathStyle)
	dur("S3_PRESIGN_TTL", &config.Storage.PresignTTL)

	str("AUTH_JWT_SECRET", &config.Auth.JWTSecret)
	str("AUTH_ISSUER", &config.Auth.Issuer)
	str("AUTH_JWKS_URL", &config.Auth.JWKSURL)
	str("AUTH_USER_ENDPOINT", &config.Auth.UserEndpoint)
	str("AUTH_USER_API_KEY", &config.Auth.UserAPIKey)

	dur("SIGNING_STAMP_TIMEOUT", &config.Signing.StampTimeout)
	dur("SIGNING_DEFAULT_EXPIRY", &config.Signing.DefaultExpiry)
	str("SIGNING_PUBLIC_BASE_URL", &config.Signing.PublicBaseURL)
	str("SIGNING_REMINDER_CRON", &config.Signing.ReminderCron)
	dur("SIGNING_REMINDER_WINDOW", &config.Signing.ReminderWindow)
	flag("SIGNING_RUN_REMINDERS_IN_API", &config.Signing.RunRemindersInAPI)

	str("SES_FROM_ADDRESS", &config.Notifications.SESFromAddress)
	str("SNS_TOPIC_ARN", &config.Notifications.SNSTopicARN)
	str("NOTIFICATIONS_REGION", &config.Notifications.Region)
	dur("NOTIFICATIONS_DISPATCH_TIMEOUT", &config.Notifications.DispatchTimeout)

	str("REDIS_ADDR", &config.Redis.Addr)
	str("REDIS_PASSWORD", &config.Redis.Password)
	num("REDIS_DB", &config.Redis.DB)

	str("LOG_LEVEL", &config.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverPostgres:
	case DriverDynamoDB:
		if c.Dynamo.Table == "" {
			errs = append(errs, errors.New("dynamo.table is required for the dynamodb driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	switch c.Storage.Driver {
	case StorageS3:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Storage.PresignTTL <= 0 {
		errs = append(errs, errors.New("storage.presign_ttl must be positive"))
	}
	if c.Signing.StampTimeout <= 0 {
		errs = append(errs, errors.New("signing.stamp_timeout must be positive"))
	}
	if c.Signing.DefaultExpiry <= 0 {
		errs = append(errs, errors.New("signing.default_expiry must be positive"))
	}
	if c.Notifications.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("notifications.dispatch_timeout must be positive"))
	}
	if c.Redis.Addr != "" && (c.Redis.TokenLimit <= 0 || c.Redis.TokenWindow <= 0) {
		errs = append(errs, errors.New("redis token limit and window must be positive"))
	}
	return errors.Join(errs...)
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
