package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/teamtide/teamtide/internal/logger"
)

const (
	// Default logging level
	defaultLoggingLevel = logger.LevelInfo

	// Address on which the teamtide service will be run
	defaultListenAddr = "localhost:8000"

	// Environment
	defaultEnvironment = logger.EnvProduction

	// Api key signing keypair location
	defaultKeysDir = "."

	defaultLoginRate  = 1.0
	defaultLoginBurst = 10
)

type Config struct {
	LogLevel string

	// Address on which the teamtide service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Secret key
	// Session tokens are signed symmetrically, so this key is used for that purpose
	SecretKey string

	// Environment
	Environment string

	// Directory with the api key signing keypair
	// If the pair is missing it is generated there on first start
	KeysDir string

	// Token lifetimes. Zero keeps the token manager defaults
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Login attempt limiter settings, per client address
	LoginRate  float64
	LoginBurst int

	SecureCookies bool
}

func NewConfig() *Config {
	return &Config{
		LogLevel:      defaultLoggingLevel,
		ListenAddr:    defaultListenAddr,
		Environment:   defaultEnvironment,
		KeysDir:       defaultKeysDir,
		LoginRate:     defaultLoginRate,
		LoginBurst:    defaultLoginBurst,
		SecureCookies: true,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = parsed
			return nil
		}
	}
	setFloat := func(o *float64) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return err
			}
			*o = parsed
			return nil
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = parsed
			return nil
		}
	}
	setBool := func(o *bool) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			*o = parsed
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":       setString(&c.ListenAddr),
		"DATABASE_URI":      setString(&c.DatabaseDSN),
		"SECRET_KEY":        setString(&c.SecretKey),
		"LOG_LEVEL":         setString(&c.LogLevel),
		"ENVIRONMENT":       setString(&c.Environment),
		"API_KEYS_DIR":      setString(&c.KeysDir),
		"ACCESS_TOKEN_TTL":  setDuration(&c.AccessTTL),
		"REFRESH_TOKEN_TTL": setDuration(&c.RefreshTTL),
		"LOGIN_RATE":        setFloat(&c.LoginRate),
		"LOGIN_BURST":       setInt(&c.LoginBurst),
		"SECURE_COOKIES":    setBool(&c.SecureCookies),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid value of env variable %s: %w", key, err)
		}
	}

	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("teamtide", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production)")
	fs.StringVarP(&c.KeysDir, "keys-dir", "k", c.KeysDir, "Api key signing keypair directory")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "Refresh token lifetime")
	fs.Float64Var(&c.LoginRate, "login-rate", c.LoginRate, "Login attempts per second per client")
	fs.IntVar(&c.LoginBurst, "login-burst", c.LoginBurst, "Login attempts allowed to burst")
	fs.BoolVar(&c.SecureCookies, "secure-cookies", c.SecureCookies, "Set Secure attribute on session cookies")

	return fs.Parse(args)
}
