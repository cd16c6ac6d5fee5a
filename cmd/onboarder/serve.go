package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DyNATgIT/ARK/api"
	"github.com/DyNATgIT/ARK/approval"
	"github.com/DyNATgIT/ARK/dispatch"
	"github.com/DyNATgIT/ARK/types"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the onboarding HTTP API",
	Long: `Start the HTTP API. Onboarding runs are executed by an in-process worker pool,
or pushed to a Redis queue when dispatch.driver is "redis".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		d, shutdown, err := a.dispatcher()
		if err != nil {
			return err
		}

		e := api.New(&api.Server{
			Store:      a.store,
			Dispatcher: d,
			Approvals:  approval.NewService(a.store, d, approval.WithLogger(a.logger)),
			Registry:   a.engine.Registry(),
			Logger:     a.logger,
			Version:    Version,
		})

		errCh := make(chan error, 1)
		go func() {
			a.logger.WithField("addr", cfg.Server.Addr).Info("server_started")
			if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
		}

		a.logger.Info("server_stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("server_shutdown_failed")
		}
		if err := shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("dispatcher_shutdown_failed")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

// dispatcher builds the configured job dispatcher and a matching shutdown func.
func (a *app) dispatcher() (dispatch.Dispatcher, func(context.Context) error, error) {
	dc := a.cfg.Dispatch
	if dc.Driver == "redis" {
		client, err := a.redisClient()
		if err != nil {
			return nil, nil, err
		}
		q := dispatch.NewRedisQueue(client, dc.Queue, a.logger)
		return q, func(context.Context) error { return nil }, nil
	}

	local := dispatch.NewLocalDispatcher(a.engine, dc.Workers, dc.Buffer,
		dispatch.WithLogger(a.logger),
		dispatch.WithCallback(a.markCancelledRun))
	return local, local.Shutdown, nil
}

// markCancelledRun records a run interrupted by shutdown so it is not left in_progress.
func (a *app) markCancelledRun(job dispatch.Job, final types.WorkflowState, err error) {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return
	}
	ctx := context.Background()
	rec, gerr := a.store.GetRecord(ctx, job.State.WorkflowID)
	if gerr != nil || !rec.Status.IsActive() {
		return
	}
	rec.Status = types.StatusFailed
	rec.Error = "interrupted: " + err.Error()
	rec.UpdatedAt = time.Now()
	if serr := a.store.SaveRecord(ctx, rec); serr != nil {
		a.logger.WithError(serr).WithField("workflow_id", rec.WorkflowID).Error("record_update_failed")
	}
}
