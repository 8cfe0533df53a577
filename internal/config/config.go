package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Export    ExportConfig    `mapstructure:"export"`
	Assembler AssemblerConfig `mapstructure:"assembler"`
	Output    OutputConfig    `mapstructure:"output"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects the durable store behind checkpoints and the job ledger.
// Driver is one of sqlite, postgres or memory.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ConnString returns the driver-specific connection string.
func (c *DatabaseConfig) ConnString() string {
	if c.Driver == "postgres" {
		return c.DSN
	}
	return c.Path
}

// RemoteConfig describes the claims platform. SessionCookie is sent verbatim on every
// request; it is the user's existing session and is never inspected.
type RemoteConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	SessionCookie     string        `mapstructure:"session_cookie"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type ExportConfig struct {
	PaceMin           time.Duration `mapstructure:"pace_min"`
	PaceMax           time.Duration `mapstructure:"pace_max"`
	FolderPace        time.Duration `mapstructure:"folder_pace"`
	MaxFolderDepth    int           `mapstructure:"max_folder_depth"`
	ReservedFolderKey string        `mapstructure:"reserved_folder_key"`
	TestModeLimit     int           `mapstructure:"test_mode_limit"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

type AssemblerConfig struct {
	BatchSize    int    `mapstructure:"batch_size"`
	Version      string `mapstructure:"version"`
	Source       string `mapstructure:"source"`
	ExportMethod string `mapstructure:"export_method"`
}

// OutputConfig selects where published export documents go.
// Type is one of local, s3, r2, s3compatible or minio.
type OutputConfig struct {
	Type      string `mapstructure:"type"`
	LocalDir  string `mapstructure:"local_dir"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment-specific values
	v.BindEnv("remote.base_url", "CLAIMS_BASE_URL")
	v.BindEnv("remote.session_cookie", "CLAIMS_SESSION_COOKIE")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.dsn", "DATABASE_DSN")
	v.BindEnv("output.endpoint", "S3_ENDPOINT")
	v.BindEnv("output.access_key", "S3_ACCESS_KEY")
	v.BindEnv("output.secret_key", "S3_SECRET_KEY")
	v.BindEnv("output.bucket", "S3_BUCKET")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/export.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("remote.base_url", "https://app.claimwizard.com")
	v.SetDefault("remote.user_agent", "claimexport/1.0")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.requests_per_second", 5.0)
	v.SetDefault("remote.burst", 8)

	v.SetDefault("export.pace_min", 1500*time.Millisecond)
	v.SetDefault("export.pace_max", 3500*time.Millisecond)
	v.SetDefault("export.folder_pace", 200*time.Millisecond)
	v.SetDefault("export.max_folder_depth", 5)
	v.SetDefault("export.reserved_folder_key", "trash")
	v.SetDefault("export.test_mode_limit", 3)
	v.SetDefault("export.stale_after", 2*time.Minute)

	v.SetDefault("assembler.batch_size", 100)
	v.SetDefault("assembler.version", "1.0")
	v.SetDefault("assembler.source", "claimexport")
	v.SetDefault("assembler.export_method", "api")

	v.SetDefault("output.type", "local")
	v.SetDefault("output.local_dir", "./data/exports")
	v.SetDefault("output.prefix", "exports")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Export.PaceMin < 0 || c.Export.PaceMax < c.Export.PaceMin {
		return fmt.Errorf("export pacing window invalid: min=%s max=%s", c.Export.PaceMin, c.Export.PaceMax)
	}
	if c.Export.MaxFolderDepth <= 0 {
		return fmt.Errorf("export.max_folder_depth must be positive")
	}
	if c.Assembler.BatchSize <= 0 {
		return fmt.Errorf("assembler.batch_size must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
}
