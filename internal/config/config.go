// Package config loads service configuration from a yaml file with
// environment variables overlaid on top.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"medrec.org/internal/auth"
)

// EnvPath names the variable holding the config file path.
const EnvPath = "MEDREC_CONFIG"

// Config is the root configuration. Value sources by priority:
//  1. explicit path (the -config flag);
//  2. MEDREC_CONFIG;
//  3. ./local.yaml;
//  4. environment only.
//
// Environment variables always win over file values.
type Config struct {
	Env     string        `yaml:"env" env:"APP_ENV" env-default:"local"`
	HTTP    HTTPConfig    `yaml:"http"`
	Auth    AuthConfig    `yaml:"auth"`
	Argon2  Argon2Config  `yaml:"argon2"`
	Lockout LockoutConfig `yaml:"lockout"`
	DB      DBConfig      `yaml:"db"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"HTTP_RATE_LIMIT_RPS" env-default:"20"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"HTTP_RATE_LIMIT_BURST" env-default:"40"`
	// TrustedProxies are the only peers whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trusted_proxies" env:"HTTP_TRUSTED_PROXIES" env-separator:","`
}

// AuthConfig holds token signing material and session policy.
type AuthConfig struct {
	AccessSecret     string        `yaml:"access_token_secret" env:"ACCESS_TOKEN_SECRET" env-required:"true"`
	RefreshSecret    string        `yaml:"refresh_token_secret" env:"REFRESH_TOKEN_SECRET" env-required:"true"`
	AccessTTL        time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTTL       time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	Issuer           string        `yaml:"issuer" env:"ISSUER" env-default:"medrec-api"`
	StrictRevocation bool          `yaml:"strict_revocation" env:"STRICT_REVOCATION" env-default:"false"`
	DefaultRole      string        `yaml:"default_role" env:"DEFAULT_ROLE" env-default:"receptionist"`
}

// Argon2Config mirrors auth.Argon2Params. Zero values fall back to defaults.
type Argon2Config struct {
	Memory      uint32 `yaml:"memory_kib" env:"ARGON2_MEMORY_KIB"`
	Iterations  uint32 `yaml:"iterations" env:"ARGON2_ITERATIONS"`
	Parallelism uint8  `yaml:"parallelism" env:"ARGON2_PARALLELISM"`
}

// LockoutConfig configures the login limiter. MaxAttempts 0 disables it.
type LockoutConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"LOCKOUT_MAX_ATTEMPTS" env-default:"5"`
	Window      time.Duration `yaml:"window" env:"LOCKOUT_WINDOW" env-default:"15m"`
	MaxEntries  int           `yaml:"max_entries" env:"LOCKOUT_MAX_ENTRIES" env-default:"10000"`
}

// DBConfig selects the postgres store. An empty URL means the in-memory store.
type DBConfig struct {
	URL string `yaml:"url" env:"DATABASE_URL"`
}

// RedisConfig selects the shared login limiter.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// LogConfig configures the shared logger.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// Tokens converts the auth section into the issuer configuration.
func (c *Config) Tokens() auth.TokenConfig {
	return auth.TokenConfig{
		AccessSecret:  c.Auth.AccessSecret,
		AccessTTL:     c.Auth.AccessTTL,
		RefreshSecret: c.Auth.RefreshSecret,
		RefreshTTL:    c.Auth.RefreshTTL,
		Issuer:        c.Auth.Issuer,
	}
}

// Argon2Params converts the argon2 section into hasher parameters.
func (c *Config) Argon2Params() auth.Argon2Params { return c.Argon2.Params() }

// Params converts the section into hasher parameters.
func (a Argon2Config) Params() auth.Argon2Params {
	return auth.Argon2Params{
		Memory:      a.Memory,
		Iterations:  a.Iterations,
		Parallelism: a.Parallelism,
	}
}

// Validate rejects combinations cleanenv cannot express with tags.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.AccessSecret) == strings.TrimSpace(c.Auth.RefreshSecret) {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be greater than zero"))
	}
	if c.Lockout.MaxAttempts < 0 {
		errs = append(errs, errors.New("lockout max_attempts must not be negative"))
	}
	if c.Lockout.MaxEntries < 0 {
		errs = append(errs, errors.New("lockout max_entries must not be negative"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http max_body_bytes must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", auth.ErrMisconfigured, errors.Join(errs...))
	}
	return nil
}

// PathFromFlags parses -config from args without touching the global flag set.
func PathFromFlags(args []string) (string, error) {
	fs := flag.NewFlagSet("medrec", flag.ContinueOnError)
	path := fs.String("config", "", "path to yaml config")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *path, nil
}

// LoadArgon2 reads only the argon2 section from the same sources as Load,
// so tools without token secrets hash like the API does.
func LoadArgon2(path string) (auth.Argon2Params, error) {
	var cfg struct {
		Argon2 Argon2Config `yaml:"argon2"`
	}
	if err := read(path, &cfg); err != nil {
		return auth.Argon2Params{}, err
	}
	return cfg.Argon2.Params(), nil
}

// Load reads and validates configuration. See Config for the source order.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := read(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func read(path string, dst any) error {
	candidate := path
	if candidate == "" {
		candidate = os.Getenv(EnvPath)
	}
	if candidate != "" {
		if _, err := os.Stat(candidate); err != nil {
			return fmt.Errorf("config file %q stat failed: %w", candidate, err)
		}
	} else if _, err := os.Stat("local.yaml"); err == nil {
		candidate = "local.yaml"
	}

	if candidate != "" {
		// ReadConfig overlays env after parsing the file.
		if err := cleanenv.ReadConfig(candidate, dst); err != nil {
			return fmt.Errorf("failed to read config %q: %w", candidate, err)
		}
		return nil
	}
	if err := cleanenv.ReadEnv(dst); err != nil {
		return fmt.Errorf("config not found: provide -config, %s, local.yaml or env vars: %w", EnvPath, err)
	}
	return nil
}
