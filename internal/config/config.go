package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither a flag nor EMI_CONFIG names a file.
const DefaultConfigPath = "config.yaml"

// envPrefix scopes environment overrides, e.g. EMI_DATABASE_DSN.
const envPrefix = "EMI"

// AppConfig carries process-level options resolved from the command line.
type AppConfig struct {
	ConfigPath string
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr          string `yaml:"addr" mapstructure:"addr"`
	PublicBaseURL string `yaml:"public-base-url" mapstructure:"public-base-url"`
	Mode          string `yaml:"mode" mapstructure:"mode"`
}

// JWTConfig holds the token signing secret and lifetime.
type JWTConfig struct {
	Secret string        `yaml:"secret" mapstructure:"secret"`
	Expiry time.Duration `yaml:"expiry" mapstructure:"expiry"`
}

// GatewayConfig holds merchant credentials and endpoints for the hosted payment gateway.
type GatewayConfig struct {
	StoreID       string        `yaml:"store-id" mapstructure:"store-id"`
	StorePassword string        `yaml:"store-password" mapstructure:"store-password"`
	SessionURL    string        `yaml:"session-url" mapstructure:"session-url"`
	ValidationURL string        `yaml:"validation-url" mapstructure:"validation-url"`
	EMIRatesURL   string        `yaml:"emi-rates-url" mapstructure:"emi-rates-url"`
	Currency      string        `yaml:"currency" mapstructure:"currency"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// RedisConfig enables event fan-out and sweep locking when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" mapstructure:"addr"`
	Password string        `yaml:"password" mapstructure:"password"`
	DB       int           `yaml:"db" mapstructure:"db"`
	Channel  string        `yaml:"channel" mapstructure:"channel"`
	LockTTL  time.Duration `yaml:"lock-ttl" mapstructure:"lock-ttl"`
}

// LogConfig controls logrus output and file rotation.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	Level      string `yaml:"level" mapstructure:"level"`
	JSON       bool   `yaml:"json" mapstructure:"json"`
	MaxSizeMB  int    `yaml:"max-size-mb" mapstructure:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups" mapstructure:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days" mapstructure:"max-age-days"`
}

// Config is the full file-backed configuration.
type Config struct {
	Database  DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Server    ServerConfig      `yaml:"server" mapstructure:"server"`
	JWT       JWTConfig         `yaml:"jwt" mapstructure:"jwt"`
	Gateway   GatewayConfig     `yaml:"gateway" mapstructure:"gateway"`
	BankRates map[string]string `yaml:"bank-rates" mapstructure:"bank-rates"`
	Redis     RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Log       LogConfig         `yaml:"log" mapstructure:"log"`
}

// Default returns the configuration used for keys missing from file and env.
func Default() Config {
	return Config{
		Database: DatabaseConfig{DSN: "file:data/emi.db"},
		Server:   ServerConfig{Addr: ":8318", Mode: "release"},
		JWT:      JWTConfig{Expiry: 24 * time.Hour},
		Gateway: GatewayConfig{
			SessionURL:    "https://sandbox.sslcommerz.com/gwprocess/v4/api.php",
			ValidationURL: "https://sandbox.sslcommerz.com/validator/api/validationserverAPI.php",
			Currency:      "BDT",
			Timeout:       30 * time.Second,
		},
		BankRates: map[string]string{},
		Redis:     RedisConfig{Channel: "emi:events", LockTTL: 5 * time.Minute},
		Log:       LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
	}
}

// ResolveConfigPath picks the explicit path, then EMI_CONFIG, then the default.
func ResolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG")); p != "" {
		return p
	}
	return DefaultConfigPath
}

// ConfigExists reports whether the config file is present.
func ConfigExists(path string) bool {
	info, errStat := os.Stat(path)
	return errStat == nil && !info.IsDir()
}

// Load reads the YAML file at path and applies EMI_* environment overrides.
// A missing file is not an error; defaults and environment still apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" && ConfigExists(path) {
		v.SetConfigFile(path)
		if errRead := v.ReadInConfig(); errRead != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
		}
	}

	var cfg Config
	if errUnmarshal := v.Unmarshal(&cfg); errUnmarshal != nil {
		return Config{}, fmt.Errorf("config: decode: %w", errUnmarshal)
	}
	if cfg.BankRates == nil {
		cfg.BankRates = map[string]string{}
	}
	return cfg, nil
}

// setDefaults registers every leaf key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.public-base-url", def.Server.PublicBaseURL)
	v.SetDefault("server.mode", def.Server.Mode)
	v.SetDefault("jwt.secret", def.JWT.Secret)
	v.SetDefault("jwt.expiry", def.JWT.Expiry)
	v.SetDefault("gateway.store-id", def.Gateway.StoreID)
	v.SetDefault("gateway.store-password", def.Gateway.StorePassword)
	v.SetDefault("gateway.session-url", def.Gateway.SessionURL)
	v.SetDefault("gateway.validation-url", def.Gateway.ValidationURL)
	v.SetDefault("gateway.emi-rates-url", def.Gateway.EMIRatesURL)
	v.SetDefault("gateway.currency", def.Gateway.Currency)
	v.SetDefault("gateway.timeout", def.Gateway.Timeout)
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.password", def.Redis.Password)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.channel", def.Redis.Channel)
	v.SetDefault("redis.lock-ttl", def.Redis.LockTTL)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.json", def.Log.JSON)
	v.SetDefault("log.max-size-mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max-backups", def.Log.MaxBackups)
	v.SetDefault("log.max-age-days", def.Log.MaxAgeDays)
}

// LoadDatabaseDSN returns the configured DSN.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return "", errLoad
	}
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		return "", errors.New("config: database.dsn is required")
	}
	return dsn, nil
}

// LoadJWTConfig returns the JWT settings. An empty secret is rejected.
func LoadJWTConfig(path string) (JWTConfig, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return JWTConfig{}, errLoad
	}
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return cfg.JWT, errors.New("config: jwt.secret is required")
	}
	if cfg.JWT.Expiry <= 0 {
		cfg.JWT.Expiry = Default().JWT.Expiry
	}
	return cfg.JWT, nil
}

// ParsedBankRates converts the bank-rates table into decimals keyed by upper-case bank code.
func (c Config) ParsedBankRates() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.BankRates))
	for code, raw := range c.BankRates {
		key := strings.ToUpper(strings.TrimSpace(code))
		if key == "" {
			continue
		}
		rate, errParse := decimal.NewFromString(strings.TrimSpace(raw))
		if errParse != nil {
			return nil, fmt.Errorf("config: bank-rates.%s: %w", code, errParse)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("config: bank-rates.%s: negative rate", code)
		}
		out[key] = rate
	}
	return out, nil
}

// Enabled reports whether merchant credentials are configured.
func (g GatewayConfig) Enabled() bool {
	return strings.TrimSpace(g.StoreID) != "" && strings.TrimSpace(g.StorePassword) != ""
}

// WriteDefault writes a starter config file. Existing files are left untouched.
func WriteDefault(path string) error {
	if ConfigExists(path) {
		return fmt.Errorf("config: %s already exists", path)
	}
	cfg := Default()
	cfg.JWT.Secret = "change-me"
	cfg.BankRates = map[string]string{"BRAC": "12.5", "CITY": "13"}
	out, errMarshal := yaml.Marshal(&cfg)
	if errMarshal != nil {
		return fmt.Errorf("config: encode: %w", errMarshal)
	}
	if errWrite := os.WriteFile(path, out, 0o600); errWrite != nil {
		return fmt.Errorf("config: write %s: %w", path, errWrite)
	}
	return nil
}
