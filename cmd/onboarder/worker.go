package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/DyNATgIT/ARK/dispatch"
	"github.com/DyNATgIT/ARK/worker"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume onboarding jobs from the Redis queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Dispatch.Driver != "redis" {
			return fmt.Errorf("worker requires dispatch.driver=redis, got %q", cfg.Dispatch.Driver)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.redisClient()
		if err != nil {
			return err
		}
		q := dispatch.NewRedisQueue(client, cfg.Dispatch.Queue, a.logger)
		q.OnProcessed(a.markCancelledRun)

		n, err := q.Requeue(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			a.logger.WithField("count", n).Info("jobs_requeued")
		}
		if pending, claimed, err := q.Len(ctx); err == nil {
			a.logger.WithFields(logrus.Fields{"pending": pending, "claimed": claimed}).Info("queue_depth")
		}

		concurrency := cfg.Dispatch.Workers
		if workerConcurrency > 0 {
			concurrency = workerConcurrency
		}
		a.logger.WithField("concurrency", concurrency).Info("worker_started")
		if err := q.Consume(ctx, a.engine, concurrency); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		a.logger.Info("worker_stopped")
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered worker capabilities and their tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listWorkers(cmd.Context(), cmd, worker.Default)
	},
}

// completedClearer is implemented by stores that can drop terminal records.
type completedClearer interface {
	ClearCompleted(ctx context.Context) error
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete completed, failed and cancelled onboarding records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return prune(cmd, a)
	},
}

func prune(cmd *cobra.Command, a *app) error {
	c, ok := a.store.(completedClearer)
	if !ok {
		return fmt.Errorf("storage driver %q does not support pruning", a.cfg.Storage.Driver)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.ClearCompleted(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "pruned terminal records")
	return nil
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Consumer loops (overrides dispatch.workers)")
}

func listWorkers(ctx context.Context, cmd *cobra.Command, reg *worker.Registry) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tWORKER\tTOOLS")
	names := reg.List()
	sort.Strings(names)
	for _, name := range names {
		w, ok := reg.Create(name, worker.Config{})
		if !ok {
			continue
		}
		if err := w.Initialize(ctx); err != nil {
			return err
		}
		var tools []string
		for _, t := range w.Tools() {
			tools = append(tools, t.Name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\n", name, w.Name(), tools)
	}
	return tw.Flush()
}

