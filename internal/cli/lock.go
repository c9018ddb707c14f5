package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"kanban/api/internal/lock"
)

func (a *env) lockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and repair board locks",
	}
	cmd.AddCommand(a.lockStatusCommand(), a.lockReleaseCommand(), a.lockCleanupCommand())
	return cmd
}

func (a *env) lockStatusCommand() *cobra.Command {
	var (
		viewer string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show who holds a board's lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.coordinator(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			status, err := c.Status(cmd.Context(), args[0], viewer)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), args[0], status)
			return nil
		},
	}
	cmd.Flags().StringVar(&viewer, "as", "", "report the lock as seen by this user")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func printStatus(w io.Writer, documentID string, status lock.Status) {
	if !status.HasActiveLock {
		fmt.Fprintf(w, "%s: unlocked\n", documentID)
		return
	}
	fmt.Fprintf(w, "%s: locked by %s (%s backend", documentID, status.LockedBy, status.Backend)
	if !status.ExpiresAt.IsZero() {
		fmt.Fprintf(w, ", expires %s", status.ExpiresAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(w, ")")
}

func (a *env) lockReleaseCommand() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "release <document-id>",
		Short: "Release a board lock held by --owner",
		Long: `Release removes the lock on a board when it is held by --owner.
Locks held by anyone else are left alone; use "lock status" to see the holder.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return errors.New("--owner is required")
			}
			c, closeFn, err := a.coordinator(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := c.Release(cmd.Context(), args[0], owner)
			if err != nil {
				return err
			}
			for _, kind := range result.Unreachable {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s backend unreachable; a lock held there expires on its own\n", kind)
			}
			switch {
			case result.Released:
				fmt.Fprintf(cmd.OutOrStdout(), "released %s (%s backend)\n", args[0], result.Backend)
			case result.Reason == lock.ReasonNotOwner:
				return fmt.Errorf("%s is locked by %s, not %s", args[0], result.LockedBy, owner)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not locked\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", defaultOwner(), "lock owner to release as")
	return cmd
}

func (a *env) lockCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired and unreadable lock records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closeFn, err := a.coordinator(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			removed, err := c.CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d lock record(s)\n", removed)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
