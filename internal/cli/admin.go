package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

// apiError is the error body the API writes.
type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// call sends one admin request and decodes the JSON response into out.
func (a *env) call(ctx context.Context, method, path string, out any) error {
	server := strings.TrimRight(a.v.GetString("server"), "/")
	user := a.v.GetString("user")
	if user == "" {
		return errors.New("--user (or BOARDCTL_USER) is required for API calls")
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, server+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(a.userHeader(), user)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Code == "" {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (a *env) userHeader() string {
	return a.v.GetString("user-header")
}

type cacheStats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Writes     uint64 `json:"writes"`
	Evictions  uint64 `json:"evictions"`
	Entries    int    `json:"entries"`
	Compressed int    `json:"compressed"`
	Bytes      int    `json:"bytes"`
}

type cacheReport struct {
	Permissions       cacheStats `json:"permissions"`
	Snapshots         cacheStats `json:"snapshots"`
	Capacity          int        `json:"snapshotCapacity"`
	PermissionHitRate float64    `json:"permissionHitRate"`
	SnapshotHitRate   float64    `json:"snapshotHitRate"`
}

func (a *env) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear a running server's caches",
	}

	var asJSON bool
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show permission and snapshot cache counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report cacheReport
			if err := a.call(cmd.Context(), http.MethodGet, "/api/admin/cache", &report); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "CACHE     ENTRIES  HITS  MISSES  WRITES  EVICTIONS  HIT RATE")
			fmt.Fprintf(w, "%-9s %7d  %4d  %6d  %6d  %9d  %7.1f%%\n", "permission",
				report.Permissions.Entries, report.Permissions.Hits, report.Permissions.Misses,
				report.Permissions.Writes, report.Permissions.Evictions, report.PermissionHitRate*100)
			fmt.Fprintf(w, "%-9s %7d  %4d  %6d  %6d  %9d  %7.1f%%\n", "snapshot",
				report.Snapshots.Entries, report.Snapshots.Hits, report.Snapshots.Misses,
				report.Snapshots.Writes, report.Snapshots.Evictions, report.SnapshotHitRate*100)
			fmt.Fprintf(w, "snapshot capacity %d, %d compressed, %d bytes\n",
				report.Capacity, report.Snapshots.Compressed, report.Snapshots.Bytes)
			return nil
		},
	}
	statsCmd.Flags().BoolVar(&asJSON, "json", false, "print the raw stats as JSON")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached permission and snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.call(cmd.Context(), http.MethodDelete, "/api/admin/cache", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "caches cleared")
			return nil
		},
	}

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func (a *env) searchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Manage the board search index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reindex",
		Short: "Push every stored board to the search index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Indexed int `json:"indexed"`
			}
			if err := a.call(cmd.Context(), http.MethodPost, "/api/admin/search/reindex", &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d board(s)\n", out.Indexed)
			return nil
		},
	})
	return cmd
}
