package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/enesunal-m/pttflow/flow"
	"github.com/enesunal-m/pttflow/nodes"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a flow",
		Long: `Start every node in the flow file and, when http.addr is set, serve:

  POST /inject/{node}  deliver {"topic", "payload", "meta"} to a node
  GET  /nodes          list nodes and their status
  GET  /healthz        engine and node health
  GET  /metrics        Prometheus metrics

The flow runs until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFlow(ctx, g, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for nodes to close")
	return cmd
}

func runFlow(ctx context.Context, g *globalFlags, shutdownTimeout time.Duration) error {
	def, err := g.loadFlow()
	if err != nil {
		return err
	}
	log := g.logger(def)
	defer func() { _ = log.Sync() }()

	store, closeStore, err := flow.OpenStore(ctx, def.Credentials)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	engine, err := flow.NewEngine(ctx, def, flow.Options{
		Registry:    nodes.NewRegistry(),
		Credentials: store,
		Logger:      log,
		Metrics:     flow.NewMetrics("pttflow"),
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	log.Info("pttflow_started", map[string]any{
		"version": Version,
		"commit":  GitCommit,
		"flow":    g.flowPath,
		"nodes":   len(def.Nodes),
	})

	var httpSrv *http.Server
	serveErr := make(chan error, 1)
	if def.HTTP.Addr != "" {
		srv, err := newServer(ctx, def.HTTP, engine, log.Named("http"))
		if err != nil {
			return errors.Join(err, engine.Close(context.WithoutCancel(ctx)))
		}
		defer srv.close()
		httpSrv = &http.Server{
			Addr:              def.HTTP.Addr,
			Handler:           srv.handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("http_listening", map[string]any{"addr": def.HTTP.Addr})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("pttflow_stopping", map[string]any{"reason": context.Cause(ctx)})
	case runErr = <-serveErr:
		log.Error("http_failed", map[string]any{"err": runErr})
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http_shutdown_failed", map[string]any{"err": err})
		}
	}
	return errors.Join(runErr, engine.Close(shutdownCtx))
}
