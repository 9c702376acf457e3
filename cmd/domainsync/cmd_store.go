package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/domainsync/internal/agent"
	"github.com/p-blackswan/domainsync/internal/cache"
	"github.com/p-blackswan/domainsync/internal/outbox"
)

var (
	queueJSON bool

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline action queue",
	}

	queueListCmd = &cobra.Command{
		Use:   "list",
		Short: "Print the persisted queue",
		RunE:  runQueueList,
	}

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Manage the local response cache",
	}

	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry from the configured store",
		RunE:  runCacheClear,
	}
)

func init() {
	queueListCmd.Flags().BoolVar(&queueJSON, "json", false, "print the queue as JSON")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	storage, err := agent.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	q := outbox.New(nil, storage.KV, outbox.Options{Namespace: cfg.StorageNamespace, StartOffline: true}, logger)
	defer q.Stop()
	if err := q.Load(ctx); err != nil {
		return err
	}
	items := q.Items()

	out := cmd.OutOrStdout()
	if queueJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tORIGIN\tRETRIES\tQUEUED\tDATA")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			item.ID, item.Action, item.Origin, item.Retries,
			time.UnixMilli(item.CreatedAt).Format(time.RFC3339), item.Data)
	}
	return w.Flush()
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	storage, err := agent.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	c := cache.New(storage.KV, cache.Options{Namespace: cfg.StorageNamespace + agent.CacheSubspace}, logger)
	n := c.Clear(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entries\n", n)
	return nil
}
