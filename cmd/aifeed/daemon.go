package main

import (
	"context"
	"time"

	aifeed "github.com/adriannowak/ai-feed"
	"github.com/adriannowak/ai-feed/internal/scoring"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func daemonCmd() *cobra.Command {
	var (
		interval time.Duration
		serve    bool
		digest   bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run poll in a loop with configurable interval",
		Long: `Continuously fetch feeds, score new articles and send notifications on a timer.
Designed for running inside a container or as a background service.
With --serve the feedback relay runs alongside the loop. With --digest each
user's daily digest goes out after the first cycle past digest.hour (UTC).
Handles SIGINT/SIGTERM for graceful shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			if serve {
				g.Go(func() error { return serveRelay(ctx, engine, cfg.Relay.Addr) })
			}
			g.Go(func() error { return pollLoop(ctx, engine, interval, digest) })
			return g.Wait()
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 15*time.Minute, "duration between poll cycles (e.g. 5m, 30s, 1h)")
	cmd.Flags().BoolVar(&serve, "serve", false, "also run the feedback relay")
	cmd.Flags().BoolVar(&digest, "digest", true, "send the daily digest once digest.hour has passed")
	return cmd
}

// pollLoop polls until ctx is cancelled. Storage failures end the loop;
// anything else is logged and retried next cycle.
func pollLoop(ctx context.Context, engine *aifeed.Engine, interval time.Duration, digest bool) error {
	logger.Info().Dur("interval", interval).Msg("daemon starting")

	for cycle := 1; ; cycle++ {
		start := time.Now()
		result, err := engine.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			logger.Info().Msg("received shutdown signal, exiting")
			return nil
		case err != nil && scoring.IsFatal(err):
			logger.Error().Err(err).Int("cycle", cycle).Msg("poll cycle failed")
			return err
		case err != nil:
			logger.Warn().Err(err).Int("cycle", cycle).Msg("poll cycle incomplete")
		default:
			logger.Info().
				Int("cycle", cycle).
				Int("new_articles", result.Feeds.NewArticles).
				Int("notified", result.Notified()).
				Dur("took", time.Since(start).Round(time.Millisecond)).
				Msg("poll cycle completed")
		}

		if digest && ctx.Err() == nil && engine.DigestDue(time.Now()) {
			sendDigests(ctx, engine)
		}

		// Wait for the next tick or a shutdown signal.
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info().Msg("received shutdown signal, exiting")
			return nil
		case <-timer.C:
		}
	}
}

// sendDigests runs the daily digest. It is a no-op for users who already
// got today's, so calling it every cycle is fine.
func sendDigests(ctx context.Context, engine *aifeed.Engine) {
	reports, err := engine.DigestAll(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("daily digest incomplete")
	}
	for _, r := range reports {
		if r.Created || r.Delivered {
			logger.Info().Str("user_id", r.UserID).Str("day", r.Day).Int("items", r.Items).
				Bool("delivered", r.Delivered).Msg("daily digest sent")
		}
	}
}
