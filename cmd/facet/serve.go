package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/chazu/facet/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		listen   string
		dataDir  string
		inMemory bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration relay",
		Long: `Run the relay that orders document transactions and rebroadcasts awareness
for every room. Room documents are kept in a badger database so they survive a
restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Relay.Listen = listen
			}
			if dataDir != "" {
				cfg.Relay.DataDir = dataDir
			}
			if inMemory {
				cfg.Relay.DataDir = ""
			}
			if cfg.Log.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			storage, err := relay.OpenStorage(cfg.Relay.DataDir, log)
			if err != nil {
				return err
			}
			defer storage.Close()

			srv := relay.NewServer(relay.WithLogger(log), relay.WithStorage(storage))
			defer srv.Close()
			return serve(cmd.Context(), log, cfg.Relay.Listen, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default from config, :8420)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory of the room database")
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "keep rooms in memory only")
	return cmd
}

// serve runs h on addr until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, log *slog.Logger, addr string, h http.Handler) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", addr))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	log.Info("shutting down", slog.String("addr", addr))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; the
	// caller closes them through the relay server.
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
