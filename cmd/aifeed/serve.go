package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	aifeed "github.com/adriannowak/ai-feed"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the feedback relay (Telegram webhook and signed feedback links)",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if addr == "" {
				addr = cfg.Relay.Addr
			}
			return serveRelay(cmd.Context(), engine, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: relay.addr from config)")
	return cmd
}

// serveRelay runs the relay until ctx is cancelled, then shuts down
// gracefully.
func serveRelay(ctx context.Context, engine *aifeed.Engine, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      engine.RelayHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("relay stopped")
	return nil
}
