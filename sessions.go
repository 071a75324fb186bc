package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sharepoint-go/internal/ledger"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List upload sessions left behind by interrupted uploads",
		Long: `List upload sessions recorded in the ledger that never completed. Their
server-side sessions expire on their own; --clean forgets records that have
not been updated for the given duration.`,
		Args: cobra.NoArgs,
		RunE: runSessions,
	}

	cmd.Flags().Duration("clean", 0, "remove records not updated for this long (e.g. 72h)")

	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently completed uploads",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	cmd.Flags().Int("limit", 20, "number of entries to show (0 for all)")

	return cmd
}

// openLedger opens the ledger without requiring identity or site settings.
func openLedger(cmd *cobra.Command) (*ledger.Store, error) {
	store, err := ledger.Open(cmd.Context(), resolvedCfg.LedgerPath(), buildLogger())
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	return store, nil
}

type sessionOutput struct {
	Name       string    `json:"name"`
	Dir        string    `json:"dir"`
	Size       int64     `json:"size"`
	NextOffset int64     `json:"next_offset"`
	ExpiresAt  time.Time `json:"expires_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func runSessions(cmd *cobra.Command, _ []string) error {
	clean, _ := cmd.Flags().GetDuration("clean")

	store, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if clean > 0 {
		n, err := store.PruneSessions(cmd.Context(), time.Now().Add(-clean))
		if err != nil {
			return fmt.Errorf("pruning sessions: %w", err)
		}

		buildLogger().Debug("pruned upload sessions", slog.Int64("count", n))
		statusf("Removed %d session record(s)\n", n)
	}

	recs, err := store.ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	// Upload URLs are pre-authenticated and never leave the ledger.
	out := make([]sessionOutput, 0, len(recs))
	for i := range recs {
		out = append(out, sessionOutput{
			Name:       recs[i].Name,
			Dir:        recs[i].Dir,
			Size:       recs[i].Size,
			NextOffset: recs[i].NextOffset,
			ExpiresAt:  recs[i].ExpiresAt,
			UpdatedAt:  recs[i].UpdatedAt,
		})
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	if len(out) == 0 {
		statusf("No interrupted upload sessions.\n")

		return nil
	}

	rows := make([][]string, 0, len(out))
	for _, s := range out {
		rows = append(rows, []string{
			joinRemote(s.Dir, s.Name),
			formatSize(s.Size),
			progress(s.NextOffset, s.Size),
			formatTime(s.UpdatedAt),
			formatTime(s.ExpiresAt),
		})
	}

	printTable(cmd.OutOrStdout(), []string{"PATH", "SIZE", "SENT", "UPDATED", "EXPIRES"}, rows)

	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.History(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	if flagJSON {
		if entries == nil {
			entries = []ledger.HistoryEntry{}
		}

		return printJSON(cmd.OutOrStdout(), entries)
	}

	if len(entries) == 0 {
		statusf("No uploads recorded.\n")

		return nil
	}

	rows := make([][]string, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		rows = append(rows, []string{
			formatTime(e.CompletedAt),
			joinRemote(e.Dir, e.Name),
			formatSize(e.Size),
			e.Strategy,
			strconv.FormatBool(e.HashVerified),
		})
	}

	printTable(cmd.OutOrStdout(), []string{"COMPLETED", "PATH", "SIZE", "STRATEGY", "VERIFIED"}, rows)

	return nil
}

func joinRemote(dir, name string) string {
	if dir == "" {
		return name
	}

	return dir + "/" + name
}

func progress(sent, total int64) string {
	if total <= 0 {
		return "-"
	}

	return fmt.Sprintf("%d%%", sent*100/total)
}
