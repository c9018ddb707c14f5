package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"kanban/api/internal/docid"
	"kanban/api/internal/rbac"
	"kanban/api/internal/store"
)

// database opens the configured Postgres database.
func (a *env) database(ctx context.Context) (*sql.DB, string, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, "", errors.New("DATABASE_URL is not set")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, "", err
	}
	return db, cfg.MigrationsDir, nil
}

func validResource(resourceID string) error {
	if resourceID == store.Wildcard {
		return nil
	}
	return docid.Validate(resourceID)
}

func parseGrantLevel(name string) (rbac.Level, error) {
	level := rbac.ParseLevel(name)
	if level == rbac.LevelNone {
		return 0, fmt.Errorf("unknown level %q (want read, edit, upload, create, delete or admin)", name)
	}
	return level, nil
}

func (a *env) grantCommand() *cobra.Command {
	var grantedBy string
	cmd := &cobra.Command{
		Use:   "grant <user> <resource> <level>",
		Short: "Grant a user a level on a board (or * for every board)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, resourceID := args[0], args[1]
			if err := validResource(resourceID); err != nil {
				return err
			}
			level, err := parseGrantLevel(args[2])
			if err != nil {
				return err
			}
			db, _, err := a.database(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.New(db).Grant(cmd.Context(), store.Grant{
				User:       user,
				ResourceID: resourceID,
				Level:      level,
				GrantedBy:  grantedBy,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s %s on %s\n", user, level, resourceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&grantedBy, "by", defaultOwner(), "recorded as the granting user")
	return cmd
}

func (a *env) revokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user> <resource>",
		Short: "Remove a user's grant on a board",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validResource(args[1]); err != nil {
				return err
			}
			db, _, err := a.database(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			removed, err := store.New(db).Revoke(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s had no grant on %s\n", args[0], args[1])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s on %s\n", args[0], args[1])
			return nil
		},
	}
}

func (a *env) grantsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "grants <resource>",
		Short: "List the grants that apply to a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validResource(args[0]); err != nil {
				return err
			}
			db, _, err := a.database(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			grants, err := store.New(db).ListGrants(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tRESOURCE\tLEVEL\tGRANTED BY\tGRANTED AT")
			for _, g := range grants {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.User, g.ResourceID, g.Level, g.GrantedBy, g.GrantedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func (a *env) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, dir, err := a.database(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := store.ApplyMigrations(cmd.Context(), db, dir)
			if err != nil {
				return err
			}
			printVersions(cmd, "applied", applied)
			return nil
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, dir, err := a.database(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			rolledBack, err := store.RollbackMigrations(cmd.Context(), db, dir)
			if err != nil {
				return err
			}
			printVersions(cmd, "rolled back", rolledBack)
			return nil
		},
	}
	cmd.AddCommand(up, down)
	return cmd
}

func printVersions(cmd *cobra.Command, verb string, versions []string) {
	if len(versions) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "nothing %s\n", verb)
		return
	}
	for _, v := range versions {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, v)
	}
}
