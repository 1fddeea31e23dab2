package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Oracle    OracleConfig
	License   LicenseConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout"`
	ShutdownPeriod time.Duration `mapstructure:"shutdownPeriod"`
}

type DatabaseConfig struct {
	// Driver selects the store of record: "postgres" or "memory" (dev only).
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type OracleConfig struct {
	// Provider is "gumroad", "lemonsqueezy" or "none". With "none" the key
	// store is the only source of truth and recovery falls back to the
	// owner-email index.
	Provider string        `mapstructure:"provider"`
	Timeout  time.Duration `mapstructure:"timeout"`

	GumroadAPIKey           string `mapstructure:"gumroadApiKey"`
	GumroadProductPermalink string `mapstructure:"gumroadProductPermalink"`

	LemonAPIKey    string `mapstructure:"lemonApiKey"`
	LemonVariantID string `mapstructure:"lemonVariantId"`
}

type LicenseConfig struct {
	// UsageLimit of 1 means strict single-use keys: a claimed key is never
	// claimable again, by anyone. Values above 1 enable the multi-use path
	// with oracle re-validation on each activation.
	UsageLimit int `mapstructure:"usageLimit"`
	// TrustOracleFirstUse lets a key unknown to the store be claimed when
	// the oracle vouches for it, creating the record on the spot.
	TrustOracleFirstUse bool `mapstructure:"trustOracleFirstUse"`
}

type RateLimitConfig struct {
	// Policy is "cooldown" or "sliding"; Backend is "memory" or "redis".
	Policy      string        `mapstructure:"policy"`
	Backend     string        `mapstructure:"backend"`
	Window      time.Duration `mapstructure:"window"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
}

type WorkerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	AuditSchedule string `mapstructure:"auditSchedule"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func LoadConfig(configPath string) (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables and config file")
	}

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.readTimeout", 5*time.Second)
	viper.SetDefault("server.writeTimeout", 10*time.Second)
	viper.SetDefault("server.idleTimeout", 120*time.Second)
	viper.SetDefault("server.shutdownPeriod", 15*time.Second)

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.maxOpenConns", 25)
	viper.SetDefault("database.maxIdleConns", 25)
	viper.SetDefault("database.connMaxLifetime", 5*time.Minute)

	viper.SetDefault("redis.db", "0")

	viper.SetDefault("oracle.provider", "gumroad")
	viper.SetDefault("oracle.timeout", 8*time.Second)

	viper.SetDefault("license.usageLimit", 1)
	viper.SetDefault("license.trustOracleFirstUse", true)

	viper.SetDefault("ratelimit.policy", "cooldown")
	viper.SetDefault("ratelimit.backend", "memory")
	viper.SetDefault("ratelimit.window", 30*time.Second)
	viper.SetDefault("ratelimit.maxAttempts", 5)

	viper.SetDefault("worker.enabled", true)
	viper.SetDefault("worker.auditSchedule", "@every 1h")

	viper.SetDefault("log.level", "info")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AllowEmptyEnv(true)

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			log.Printf("Warning: could not read config file: %s. Error: %v\n", configPath, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
