package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/quillforge/internal/queue"
	"github.com/kiranshivaraju/quillforge/internal/store"
	"github.com/spf13/cobra"
)

const (
	janitorInterval   = time.Minute
	httpShutdownGrace = 15 * time.Second
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job worker (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(c.cfg.Database); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	c.logger.Info("database migrations applied")

	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.memory != nil {
		go a.memory.Run(ctx, janitorInterval)
	}
	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	// Synchronous editor passes hold the request open for a full inference call.
	addr := fmt.Sprintf(":%d", c.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: c.cfg.AI.InferenceTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		c.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("server shutdown", "error", err)
	}

	if err := a.worker.Stop(c.cfg.Worker.ShutdownTimeout); err != nil {
		if errors.Is(err, queue.ErrShutdownTimeout) {
			c.logger.Warn("worker did not stop in time; the running job will be recovered on next start",
				"timeout", c.cfg.Worker.ShutdownTimeout)
		} else {
			c.logger.Error("worker stop", "error", err)
		}
	}

	if serveErr == nil {
		c.logger.Info("server stopped gracefully")
	}
	return serveErr
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := store.Migrate(c.cfg.Database); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func (c *cli) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Requeue stale running jobs, failing those out of attempts, and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.worker.Recover(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d jobs\n", n)
			return nil
		},
	}
}

func (c *cli) runStageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-stage <stage> <chapter-id>",
		Short: "Run one editor pass synchronously and print the result as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orchestrator.RunStage(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func (c *cli) drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process every pending job, including chained follow-ups, and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.worker.Recover(ctx); err != nil {
				return err
			}
			n, err := a.worker.Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d jobs\n", n)
			return err
		},
	}
}
