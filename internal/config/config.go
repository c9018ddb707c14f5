package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names an optional YAML/TOML/JSON file whose keys mirror the
// environment variable names (case-insensitive).
const ConfigFileEnv = "KANBAN_CONFIG"

type Config struct {
	Addr          string
	DatabaseURL   string
	RedisURL      string
	ReposDir      string
	MigrationsDir string
	CORSOrigin    string
	UserHeader    string

	MeiliURL       string
	MeiliMasterKey string

	LockDir           string
	LockTTL           time.Duration
	LockSweepInterval time.Duration
	LockGuardWait     time.Duration

	PermissionTTL     time.Duration
	SnapshotTTL       time.Duration
	SnapshotCapacity  int
	CompressThreshold int
	DefaultPageSize   int

	// Used when DatabaseURL is empty: everyone gets DefaultLevel, Admins
	// get admin.
	DefaultLevel string
	Admins       []string

	LogLevel  string
	LogFormat string
}

func defaults(v *viper.Viper) {
	v.SetDefault("API_ADDR", ":8787")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("KANBAN_REPOS_DIR", "./data/repos")
	v.SetDefault("KANBAN_MIGRATIONS_DIR", "./db/migrations")
	v.SetDefault("KANBAN_CORS_ORIGIN", "*")
	v.SetDefault("KANBAN_USER_HEADER", "X-Remote-User")
	v.SetDefault("MEILI_URL", "")
	v.SetDefault("MEILI_MASTER_KEY", "")
	v.SetDefault("KANBAN_LOCK_DIR", "./data/locks")
	v.SetDefault("KANBAN_LOCK_TTL_SECONDS", 900)
	v.SetDefault("KANBAN_LOCK_SWEEP_INTERVAL", "1m")
	v.SetDefault("KANBAN_LOCK_GUARD_WAIT", "2s")
	v.SetDefault("KANBAN_PERMISSION_TTL_SECONDS", 300)
	v.SetDefault("KANBAN_SNAPSHOT_TTL_SECONDS", 3600)
	v.SetDefault("KANBAN_SNAPSHOT_CAPACITY", 100)
	v.SetDefault("KANBAN_SNAPSHOT_COMPRESS_BYTES", 8192)
	v.SetDefault("KANBAN_PAGE_SIZE", 50)
	v.SetDefault("KANBAN_DEFAULT_LEVEL", "edit")
	v.SetDefault("KANBAN_ADMINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads configuration from the environment and, when KANBAN_CONFIG is
// set, from that file. Environment variables win over the file.
func Load() (Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := v.GetString(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:              v.GetString("API_ADDR"),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		RedisURL:          v.GetString("REDIS_URL"),
		ReposDir:          v.GetString("KANBAN_REPOS_DIR"),
		MigrationsDir:     v.GetString("KANBAN_MIGRATIONS_DIR"),
		CORSOrigin:        v.GetString("KANBAN_CORS_ORIGIN"),
		UserHeader:        v.GetString("KANBAN_USER_HEADER"),
		MeiliURL:          v.GetString("MEILI_URL"),
		MeiliMasterKey:    v.GetString("MEILI_MASTER_KEY"),
		LockDir:           v.GetString("KANBAN_LOCK_DIR"),
		LockTTL:           time.Duration(v.GetInt("KANBAN_LOCK_TTL_SECONDS")) * time.Second,
		LockSweepInterval: v.GetDuration("KANBAN_LOCK_SWEEP_INTERVAL"),
		LockGuardWait:     v.GetDuration("KANBAN_LOCK_GUARD_WAIT"),
		PermissionTTL:     time.Duration(v.GetInt("KANBAN_PERMISSION_TTL_SECONDS")) * time.Second,
		SnapshotTTL:       time.Duration(v.GetInt("KANBAN_SNAPSHOT_TTL_SECONDS")) * time.Second,
		SnapshotCapacity:  v.GetInt("KANBAN_SNAPSHOT_CAPACITY"),
		CompressThreshold: v.GetInt("KANBAN_SNAPSHOT_COMPRESS_BYTES"),
		DefaultPageSize:   v.GetInt("KANBAN_PAGE_SIZE"),
		DefaultLevel:      v.GetString("KANBAN_DEFAULT_LEVEL"),
		Admins:            splitList(v.GetString("KANBAN_ADMINS")),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.LockDir) == "" {
		errs = append(errs, errors.New("KANBAN_LOCK_DIR must not be empty"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("KANBAN_LOCK_TTL_SECONDS must be positive"))
	}
	if c.PermissionTTL <= 0 || c.SnapshotTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}
	if c.SnapshotCapacity < 1 {
		errs = append(errs, errors.New("KANBAN_SNAPSHOT_CAPACITY must be at least 1"))
	}
	if c.DefaultPageSize < 1 {
		errs = append(errs, errors.New("KANBAN_PAGE_SIZE must be at least 1"))
	}
	if strings.TrimSpace(c.UserHeader) == "" {
		errs = append(errs, errors.New("KANBAN_USER_HEADER must not be empty"))
	}
	return errors.Join(errs...)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
