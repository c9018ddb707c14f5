// Package cli implements boardctl, the operator tool for board locks,
// caches, permissions and migrations.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kanban/api/internal/app"
	"kanban/api/internal/cachebus"
	"kanban/api/internal/config"
	"kanban/api/internal/lock"
	"kanban/api/internal/logging"
)

const (
	defaultServer = "http://localhost:8787"
	envPrefix     = "BOARDCTL"
)

// env carries what every command shares. Settings come from flags first,
// then BOARDCTL_* environment variables.
type env struct {
	v          *viper.Viper
	loadConfig func() (config.Config, error)
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	a := &env{v: viper.New(), loadConfig: config.Load}

	root := &cobra.Command{
		Use:   "boardctl",
		Short: "Operate the kanban board API",
		Long: `boardctl inspects and repairs board locks, manages permission grants
and database migrations, and drives the admin endpoints of a running API.

Lock, grant and migrate commands work directly against the lock directory,
Redis and Postgres configured through the usual API environment variables
(KANBAN_LOCK_DIR, REDIS_URL, DATABASE_URL, ...). Cache and search commands
call a running server.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("server", defaultServer, "base URL of a running API")
	root.PersistentFlags().String("user", "", "principal sent to the API for admin calls")
	root.PersistentFlags().String("user-header", app.DefaultUserHeader, "header the API reads the principal from")
	for _, name := range []string{"server", "user", "user-header"} {
		_ = a.v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.lockCommand(),
		a.cacheCommand(),
		a.searchCommand(),
		a.grantCommand(),
		a.revokeCommand(),
		a.grantsCommand(),
		a.migrateCommand(),
	)
	return root
}

// Execute runs boardctl with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func (a *env) logger(w io.Writer, cfg config.Config) *slog.Logger {
	level := cfg.LogLevel
	if level == "" || strings.EqualFold(level, "info") {
		level = "warn"
	}
	return logging.New(logging.Config{Level: level, Format: logging.FormatText, Output: w, Service: "boardctl"})
}

// coordinator builds the same lock coordinator the server uses, minus the
// background sweep. The returned close func releases the Redis client.
func (a *env) coordinator(ctx context.Context, cmd *cobra.Command) (*lock.Coordinator, func(), error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	closeFn := func() {}
	var client redis.UniversalClient
	if strings.TrimSpace(cfg.RedisURL) != "" {
		c, err := cachebus.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		client = c
		closeFn = func() { _ = c.Close() }
	}

	backends, err := lock.DefaultBackends(client, lock.FileConfig{
		Dir:        cfg.LockDir,
		DefaultTTL: cfg.LockTTL,
		GuardWait:  cfg.LockGuardWait,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	c, err := lock.NewCoordinator(
		lock.Config{TTL: cfg.LockTTL, SweepInterval: -1},
		backends,
		lock.WithLogger(a.logger(cmd.ErrOrStderr(), cfg)),
	)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return c, closeFn, nil
}

func defaultOwner() string {
	return os.Getenv("USER")
}
