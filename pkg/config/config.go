package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

// Config is the process-wide settings singleton. It is loaded once at
// startup and passed by reference into every component; cache
// invalidation on change goes through license.Store.Invalidate.
type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`

	TLS struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`

	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`

	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`

	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`

	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBName         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConn     int           `mapstructure:"MAX_OPEN_CONN"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`

	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`

	// Central holds the connection to the central licensing authority.
	Central struct {
		URL        string        `mapstructure:"URL"`
		APIKey     string        `mapstructure:"API_KEY"`
		APISecret  string        `mapstructure:"API_SECRET"`
		LicenseKey string        `mapstructure:"LICENSE_KEY"`
		Timeout    time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"CENTRAL"`

	Licensing struct {
		// Thresholds are percentages of the resource limit.
		WarningThreshold   float64       `mapstructure:"WARNING_THRESHOLD"`
		HardLimitThreshold float64       `mapstructure:"HARD_LIMIT_THRESHOLD"`
		BlockOnExceeded    bool          `mapstructure:"BLOCK_ON_EXCEEDED"`
		CacheTTL           time.Duration `mapstructure:"CACHE_TTL"`
	} `mapstructure:"LICENSING"`

	Alerts struct {
		SendEmails bool   `mapstructure:"SEND_EMAILS"`
		Email      string `mapstructure:"EMAIL"`
	} `mapstructure:"ALERTS"`

	Retention struct {
		UsageRecordDays int `mapstructure:"USAGE_RECORD_DAYS"`
	} `mapstructure:"RETENTION"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) (*Config, error) {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if p.Vault != nil {
		if err := loadSecrets(p.Vault, &cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Central.URL == "" {
		cfg.Central.URL = "https://central.example.com/api"
	}
	if cfg.Central.Timeout == 0 {
		cfg.Central.Timeout = 30 * time.Second
	}
	if cfg.Licensing.WarningThreshold == 0 {
		cfg.Licensing.WarningThreshold = 80
	}
	if cfg.Licensing.HardLimitThreshold == 0 {
		cfg.Licensing.HardLimitThreshold = 100
	}
	if cfg.Licensing.CacheTTL == 0 {
		cfg.Licensing.CacheTTL = 300 * time.Second
	}
	if cfg.Retention.UsageRecordDays == 0 {
		cfg.Retention.UsageRecordDays = 30
	}
}

// Validate mirrors the settings invariants enforced before any component
// reads them.
func (cfg *Config) Validate() error {
	if cfg.Licensing.WarningThreshold >= cfg.Licensing.HardLimitThreshold {
		return fmt.Errorf("warning threshold %.0f must be below hard limit threshold %.0f",
			cfg.Licensing.WarningThreshold, cfg.Licensing.HardLimitThreshold)
	}
	if cfg.Licensing.CacheTTL < 60*time.Second {
		return fmt.Errorf("license cache ttl %s must be at least 60s", cfg.Licensing.CacheTTL)
	}
	if cfg.TLS.Enable && (cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "") {
		return fmt.Errorf("tls enabled but cert or key path not provided")
	}
	return nil
}

func loadSecrets(client *vault.Client, cfg *Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mount := "secret"
	if v, ok := os.LookupEnv("VAULT_MOUNT_PATH"); ok {
		mount = v
	}

	zap.L().Info("loading secrets from vault", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath(mount))
	if err != nil {
		return fmt.Errorf("read vault secrets: %w", err)
	}

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	if v := get("postgres_user"); v != "" {
		cfg.Database.User = v
	}
	if v := get("postgres_password"); v != "" {
		cfg.Database.Password = v
	}
	if v := get("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := get("central_api_key"); v != "" {
		cfg.Central.APIKey = v
	}
	if v := get("central_api_secret"); v != "" {
		cfg.Central.APISecret = v
	}

	return nil
}
