package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/slurmbridge/slurmbridge/internal/config"
	"github.com/slurmbridge/slurmbridge/pkg/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local submission ledger",
	Long: `Inspect the daemon's durable submission ledger.

The ledger records every cluster submission this daemon instance has
issued, keyed by submission fingerprint. The daemon's gc task prunes it
automatically; these commands exist for operators debugging duplicate or
stuck submissions.`,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List submission ledger entries",
	RunE:  runCacheList,
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Evict ledger entries older than a cutoff",
	RunE:  runCacheGC,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheGCCmd)

	cacheListCmd.Flags().Bool("json", false, "Output as JSON")
	cacheGCCmd.Flags().String("max-age", "720h", "Evict entries older than this duration")
	cacheGCCmd.Flags().Bool("dry-run", false, "Show how many entries would be evicted")
}

func openSubmissionCache(cmd *cobra.Command) (*store.SubmissionCache, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "configuration error", err)
	}

	db, err := store.Open(cmd.Context(), store.Config{Path: cfg.Cache.DBPath()})
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "open cache store", err)
	}
	return store.NewSubmissionCache(db), func() { _ = db.Close() }, nil
}

func runCacheList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cache, closeStore, err := openSubmissionCache(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := cache.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No ledger entries")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "FINGERPRINT\tJOB ID\tSLURM JOB\tSUBMITTED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%.12s\t%s\t%d\t%s\n",
			e.Fingerprint, e.JobID, e.SlurmJobID, e.SubmittedAt.Format(time.RFC3339))
	}
	return nil
}

func runCacheGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cache, closeStore, err := openSubmissionCache(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := cache.List(cmd.Context())
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	evicted := 0
	for _, e := range entries {
		if e.SubmittedAt.After(cutoff) {
			continue
		}
		if !dryRun {
			if err := cache.Evict(cmd.Context(), e.Fingerprint); err != nil {
				return err
			}
		}
		evicted++
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_evict=%d\n", evicted)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "evicted=%d\n", evicted)
	return nil
}
