// Package config reads server settings from flags, with defaults taken from
// the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config holds everything main needs to wire the server.
type Config struct {
	Addr      string
	Dev       bool
	ShowStats bool

	DBDriver    string
	SQLitePath  string
	MongoURI    string
	MongoDB     string
	DatabaseURL string

	UploadDir      string
	PublicURL      string // base URL of this server, used to fetch local uploads
	ClientURL      string // base URL of the web client, used for checkout redirects
	AllowedOrigins []string

	StripeSecretKey string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Prefix    string
	S3PublicURL string
	S3UseSSL    bool

	RedisAddr     string
	RedisPassword string

	FetchTimeout       time.Duration
	MaxPendingSessions int
}

// UseS3 reports whether photos go to object storage instead of UploadDir.
func (c *Config) UseS3() bool {
	return c.S3Bucket != ""
}

// Load parses args (without the program name). getenv supplies flag defaults;
// pass os.Getenv in production.
func Load(args []string, getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	var errs []error
	envInt := func(key string, def int) int {
		v := env(key, "")
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return n
	}
	envBool := func(key string, def bool) bool {
		v := env(key, "")
		if v == "" {
			return def
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return b
	}
	envDuration := func(key string, def time.Duration) time.Duration {
		v := env(key, "")
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return d
	}

	cfg := &Config{}
	var origins string

	fs := flag.NewFlagSet("photodrop", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Addr, "addr", ":"+env("PORT", "5001"), "HTTP listen address")
	fs.BoolVar(&cfg.Dev, "dev", false, "Development mode: disables CORS restrictions and rate limiting, mock payments without a Stripe key")
	fs.BoolVar(&cfg.ShowStats, "stats", false, "Show database statistics and exit")

	fs.StringVar(&cfg.DBDriver, "db-driver", env("DB_DRIVER", ""), "store driver (sqlite, postgres or mongo); detected from the other settings when empty")
	fs.StringVar(&cfg.SQLitePath, "db", env("SQLITE_PATH", "photodrop.db"), "SQLite database path")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", env("MONGO_URI", ""), "MongoDB connection string")
	fs.StringVar(&cfg.MongoDB, "mongo-db", env("MONGO_DB", "photodrop"), "MongoDB database name")
	fs.StringVar(&cfg.DatabaseURL, "postgres-dsn", env("DATABASE_URL", ""), "Postgres connection string")

	fs.StringVar(&cfg.UploadDir, "storage", env("UPLOAD_DIR", "./uploads"), "Local photo directory when S3 is not configured")
	fs.StringVar(&cfg.PublicURL, "public-url", env("PUBLIC_URL", ""), "Base URL of this server")
	fs.StringVar(&cfg.ClientURL, "client-url", env("CLIENT_URL", "http://localhost:3000"), "Base URL of the web client")
	fs.StringVar(&origins, "cors-origins", env("ALLOWED_ORIGINS", env("CLIENT_URL", "http://localhost:3000")), "Comma-separated list of allowed CORS origins")

	fs.StringVar(&cfg.StripeSecretKey, "stripe-key", env("STRIPE_SECRET_KEY", ""), "Stripe secret key")

	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", env("S3_ENDPOINT", ""), "S3 endpoint")
	fs.StringVar(&cfg.S3AccessKey, "s3-access-key", env("S3_ACCESS_KEY", ""), "S3 access key")
	fs.StringVar(&cfg.S3SecretKey, "s3-secret-key", env("S3_SECRET_KEY", ""), "S3 secret key")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", env("S3_BUCKET", ""), "S3 bucket; enables object storage")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", env("S3_PREFIX", ""), "Key prefix for stored photos")
	fs.StringVar(&cfg.S3PublicURL, "s3-public-url", env("S3_PUBLIC_URL", ""), "Public base URL photos are served from")
	fs.BoolVar(&cfg.S3UseSSL, "s3-ssl", envBool("S3_USE_SSL", true), "Use TLS for the S3 endpoint")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", env("REDIS_ADDR", ""), "Redis address for shared rate limits")
	fs.StringVar(&cfg.RedisPassword, "redis-password", env("REDIS_PASSWORD", ""), "Redis password")

	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", envDuration("FETCH_TIMEOUT", 30*time.Second), "Timeout for fetching one photo into an archive")
	fs.IntVar(&cfg.MaxPendingSessions, "max-pending", envInt("MAX_PENDING_SESSIONS", 3), "Unpaid galleries allowed per IP (0 disables the limit)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}
	cfg.ClientURL = strings.TrimSuffix(cfg.ClientURL, "/")
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost" + cfg.Addr
		if !strings.HasPrefix(cfg.Addr, ":") {
			cfg.PublicURL = "http://" + cfg.Addr
		}
	}

	if cfg.DBDriver == "" {
		switch {
		case cfg.MongoURI != "":
			cfg.DBDriver = DriverMongo
		case cfg.DatabaseURL != "":
			cfg.DBDriver = DriverPostgres
		default:
			cfg.DBDriver = DriverSQLite
		}
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("db driver %q requires DATABASE_URL", c.DBDriver)
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("db driver %q requires MONGO_URI", c.DBDriver)
		}
	default:
		return fmt.Errorf("unknown db driver %q", c.DBDriver)
	}

	if c.UseS3() && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		return errors.New("S3_BUCKET is set but S3_ACCESS_KEY or S3_SECRET_KEY is missing")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("fetch timeout must be positive")
	}
	if c.MaxPendingSessions < 0 {
		return errors.New("max pending sessions must not be negative")
	}
	if !c.Dev && !c.ShowStats && c.StripeSecretKey == "" {
		return errors.New("STRIPE_SECRET_KEY is required outside development mode")
	}
	return nil
}
