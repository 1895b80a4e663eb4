// Package config loads process configuration: defaults, then an optional
// YAML file named by APP_CONFIG_FILE, then .env, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	applog "github.com/jacksonlee411/tenantguard/internal/platform/log"
	"github.com/jacksonlee411/tenantguard/internal/rls"
	"github.com/jacksonlee411/tenantguard/pkg/authz"
)

const (
	TenancySourceFile = "file"
	TenancySourceDB   = "db"
)

type AppConfig struct {
	Env       string         `yaml:"env"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	HTTP      HTTPConfig     `yaml:"http"`
	Database  DatabaseConfig `yaml:"database"`
	Guard     GuardConfig    `yaml:"guard"`
	Tenancy   TenancyConfig  `yaml:"tenancy"`
	Authz     AuthzConfig    `yaml:"authz"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type GuardConfig struct {
	// ModeSetting is the configured mode, possibly empty. Mode is the
	// resolved one.
	ModeSetting        string        `yaml:"mode"`
	UnsafeAllowLenient bool          `yaml:"unsafe_allow_lenient"`
	TenantRole         string        `yaml:"tenant_role"`
	AdminRole          string        `yaml:"admin_role"`
	Setting            string        `yaml:"setting"`
	CleanupTimeout     time.Duration `yaml:"cleanup_timeout"`
	Mode               rls.Mode      `yaml:"-"`
}

type TenancyConfig struct {
	Source      string        `yaml:"source"`
	TenantsPath string        `yaml:"tenants_path"`
	AdminHosts  []string      `yaml:"admin_hosts"`
	TrustProxy  bool          `yaml:"trust_proxy"`
	CacheSize   int           `yaml:"cache_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type AuthzConfig struct {
	ModelPath           string     `yaml:"model_path"`
	PolicyPath          string     `yaml:"policy_path"`
	ModeSetting         string     `yaml:"mode"`
	UnsafeAllowDisabled bool       `yaml:"unsafe_allow_disabled"`
	Mode                authz.Mode `yaml:"-"`
}

func Default() *AppConfig {
	return &AppConfig{
		Env:       "production",
		LogLevel:  "info",
		LogFormat: "json",
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Guard: GuardConfig{
			TenantRole:     rls.DefaultTenantRole,
			AdminRole:      rls.DefaultAdminRole,
			Setting:        rls.DefaultSetting,
			CleanupTimeout: 5 * time.Second,
		},
		Tenancy: TenancyConfig{
			Source:    TenancySourceFile,
			CacheSize: 1024,
			CacheTTL:  time.Minute,
		},
	}
}

// Load builds the configuration. A missing .env is not an error.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Logging() applog.Config {
	return applog.Config{Level: c.LogLevel, Format: c.LogFormat}
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables. Every malformed value is reported.
func (c *AppConfig) applyEnv() error {
	var errs []error
	parse := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	applyString("APP_ENV", &c.Env)
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HTTP_ADDR", &c.HTTP.Addr)

	applyString("DATABASE_URL", &c.Database.URL)
	parse(applyInt32("DATABASE_MAX_CONNS", &c.Database.MaxConns))

	applyString("TENANT_GUARD_MODE", &c.Guard.ModeSetting)
	parse(applyBool("TENANT_GUARD_UNSAFE_ALLOW_LENIENT", &c.Guard.UnsafeAllowLenient))
	applyString("TENANT_ROLE", &c.Guard.TenantRole)
	applyString("ADMIN_ROLE", &c.Guard.AdminRole)
	applyString("TENANT_SETTING", &c.Guard.Setting)
	parse(applyDuration("GUARD_CLEANUP_TIMEOUT", &c.Guard.CleanupTimeout))

	applyString("TENANCY_SOURCE", &c.Tenancy.Source)
	applyString("TENANTS_PATH", &c.Tenancy.TenantsPath)
	applyList("ADMIN_HOSTS", &c.Tenancy.AdminHosts)
	parse(applyBool("TRUST_PROXY", &c.Tenancy.TrustProxy))
	parse(applyInt("TENANCY_CACHE_SIZE", &c.Tenancy.CacheSize))
	parse(applyDuration("TENANCY_CACHE_TTL", &c.Tenancy.CacheTTL))

	applyString("AUTHZ_MODEL_PATH", &c.Authz.ModelPath)
	applyString("AUTHZ_POLICY_PATH", &c.Authz.PolicyPath)
	applyString("AUTHZ_MODE", &c.Authz.ModeSetting)
	parse(applyBool("AUTHZ_UNSAFE_ALLOW_DISABLED", &c.Authz.UnsafeAllowDisabled))
	return errors.Join(errs...)
}

func (c *AppConfig) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.Tenancy.Source = strings.ToLower(strings.TrimSpace(c.Tenancy.Source))
	if strings.TrimSpace(c.Database.URL) == "" {
		c.Database.URL = dsnFromParts()
	}
	if c.Tenancy.Source == TenancySourceFile && c.Tenancy.TenantsPath == "" {
		c.Tenancy.TenantsPath, _ = findUp("config/tenants.yaml")
	}
	if c.Authz.ModelPath == "" {
		c.Authz.ModelPath, _ = findUp("config/access/model.conf")
	}
	if c.Authz.PolicyPath == "" {
		c.Authz.PolicyPath, _ = findUp("config/access/policy.csv")
	}
}

func (c *AppConfig) validate() error {
	mode, err := rls.ResolveMode(c.Guard.ModeSetting, c.Env, c.Guard.UnsafeAllowLenient)
	if err != nil {
		return err
	}
	c.Guard.Mode = mode

	if c.Guard.CleanupTimeout <= 0 {
		return errors.New("GUARD_CLEANUP_TIMEOUT must be positive")
	}
	if c.Database.MaxConns <= 0 {
		return errors.New("DATABASE_MAX_CONNS must be positive")
	}

	switch c.Tenancy.Source {
	case TenancySourceFile:
		if c.Tenancy.TenantsPath == "" {
			return errors.New("tenancy: tenants config not found (set TENANTS_PATH)")
		}
	case TenancySourceDB:
	default:
		return fmt.Errorf("TENANCY_SOURCE %q is invalid (expected file|db)", c.Tenancy.Source)
	}

	amode, err := authz.ParseMode(c.Authz.ModeSetting, c.Authz.UnsafeAllowDisabled)
	if err != nil {
		return err
	}
	c.Authz.Mode = amode
	if len(c.Tenancy.AdminHosts) > 0 && amode != authz.ModeDisabled {
		if c.Authz.ModelPath == "" || c.Authz.PolicyPath == "" {
			return errors.New("authz: model or policy not found (set AUTHZ_MODEL_PATH and AUTHZ_POLICY_PATH)")
		}
	}
	return nil
}

// dsnFromParts builds a DSN from DB_* variables when DATABASE_URL is unset.
func dsnFromParts() string {
	host := getenvDefault("DB_HOST", "127.0.0.1")
	port := getenvDefault("DB_PORT", "5432")
	user := getenvDefault("DB_USER", "app")
	pass := getenvDefault("DB_PASSWORD", "app")
	name := getenvDefault("DB_NAME", "tenantguard")
	sslmode := getenvDefault("DB_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

// findUp looks for rel in the working directory and its parents.
func findUp(rel string) (string, error) {
	path := rel
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", fmt.Errorf("config: %s not found", rel)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func applyString(key string, target *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*target = n
	return nil
}

func applyInt32(key string, target *int32) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*target = int32(n)
	return nil
}

func applyBool(key string, target *bool) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q (expected true|false|1|0)", key, v)
	}
	*target = b
	return nil
}

// applyDuration requires a unit: "5" is rejected, "5s" is not.
func applyDuration(key string, target *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*target = d
	return nil
}

func applyList(key string, target *[]string) {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
}
