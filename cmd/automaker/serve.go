package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/automaker/orchestrator/internal/api"
	"github.com/automaker/orchestrator/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "auto",
	Short:   "Run the orchestrator daemon",
	Long: `Run the orchestrator daemon in the foreground.

The daemon:
  1. Syncs .automaker/features/*.json of every configured project into the database
  2. Watches those directories and re-syncs on change
  3. Reports features a previous run left in progress
  4. Serves the control API and the /ws event stream on the listen address

Auto mode is started per project with 'automaker start'. Send SIGHUP to
reopen the log file.`,
	Run: func(cmd *cobra.Command, args []string) {
		listen, _ := cmd.Flags().GetString("listen")
		if listen != "" {
			cfg.Listen = listen
		}

		logs, err := logging.Setup(cfg.Log, os.Stderr)
		if err != nil {
			fatalf("%v", err)
		}
		defer logs.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		d, err := newDaemon(cfg, logs)
		if err != nil {
			fatalf("starting daemon: %v", err)
		}

		for _, p := range cfg.Projects {
			if err := d.addProject(ctx, p); err != nil {
				d.logger.Printf("Warning: %v", err)
			}
		}

		srv := api.NewServer(api.Options{
			Scheduler: d.sched,
			Store:     d.db,
			History:   d.history,
			Hub:       d.hub,
			Prepare:   d.addProject,
			Logger:    logs.For("api"),
		})
		httpServer := &http.Server{
			Addr:              cfg.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			fatalf("listening on %s: %v", cfg.Listen, err)
		}
		d.logger.Printf("Listening on http://%s (websocket: ws://%s/ws)", ln.Addr(), ln.Addr())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					if err := logs.Rotate(); err != nil {
						d.logger.Printf("Log rotation failed: %v", err)
					}
				}
			}
		})
		g.Go(func() error {
			<-gctx.Done()
			d.logger.Println("Shutting down...")

			// Runs get the stop grace plus time to record their outcome.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopGrace+30*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				d.logger.Printf("HTTP shutdown: %v", err)
			}
			d.close(shutdownCtx)
			return nil
		})

		if err := g.Wait(); err != nil {
			fatalf("%v", err)
		}
		d.logger.Println("Stopped")
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
