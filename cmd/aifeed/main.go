package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	aifeed "github.com/adriannowak/ai-feed"
	"github.com/adriannowak/ai-feed/internal/config"
	"github.com/adriannowak/ai-feed/internal/output"
	"github.com/adriannowak/ai-feed/internal/scoring"
	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	envFile      string
	outputFormat string
	cfg          *config.Config
	logger       zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "aifeed",
		Short:         "AI/ML feed filter that learns from your likes and dislikes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init-config" {
				return nil
			}
			return loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path, .yaml or .toml (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with secrets; ignored when missing")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "human", "output format: json, text, human")

	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(digestCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(initConfigCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	if configPath == "" {
		configPath = config.DefaultPath
	}

	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err = newLogger(cfg.Log)
	return err
}

func newLogger(lc config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var l zerolog.Logger
	switch lc.Format {
	case "json":
		l = zerolog.New(os.Stderr)
	default:
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	}
	return l.Level(level).With().Timestamp().Logger(), nil
}

func openEngine() (*aifeed.Engine, error) {
	return aifeed.NewEngine(cfg, aifeed.Options{Logger: logger})
}

func newFormatter() (*output.Formatter, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewFormatter(format), nil
}

// runViews joins each report's decisions with their article titles.
func runViews(ctx context.Context, engine *aifeed.Engine, reports []*scoring.Report) []output.RunView {
	var ids []string
	for _, r := range reports {
		for _, d := range r.Decisions {
			ids = append(ids, d.ItemID)
		}
	}
	articles, err := engine.Articles(ctx, ids)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load article titles")
	}

	views := make([]output.RunView, 0, len(reports))
	for _, r := range reports {
		views = append(views, output.NewRunView(r, articles))
	}
	return views
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Fetch all feeds, score new articles for every user and send notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			result, err := engine.Poll(cmd.Context())
			if result != nil {
				if outErr := formatter.OutputPollSummary(output.NewPollSummary(&result.Feeds, runViews(cmd.Context(), engine, result.Runs))); outErr != nil {
					return outErr
				}
			}
			return err
		},
	}
}

func scoreCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score stored articles that have no decision yet, without fetching",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			var reports []*scoring.Report
			if userID != "" {
				var report *scoring.Report
				report, err = engine.Score(cmd.Context(), userID)
				if report != nil {
					reports = append(reports, report)
				}
			} else {
				reports, err = engine.ScoreAll(cmd.Context())
			}
			if outErr := formatter.OutputPollSummary(output.NewPollSummary(nil, runViews(cmd.Context(), engine, reports))); outErr != nil {
				return outErr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "score only this user (default: all users)")
	return cmd
}

func feedbackCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "feedback <item-id> <like|dislike>",
		Short: "Record a like or dislike for an article",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := storage.ParseSignal(strings.ToLower(args[1]))
			if err != nil {
				return fmt.Errorf("invalid signal %q: %w", args[1], err)
			}
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if userID == "" {
				userID = cfg.DefaultUser()
			}
			if err := engine.RecordFeedback(cmd.Context(), userID, args[0], sig); err != nil {
				return fmt.Errorf("failed to record feedback: %w", err)
			}
			return formatter.OutputFeedback(userID, args[0], sig)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user giving feedback (default: first configured user)")
	return cmd
}

func profileCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show a user's preference profile and scoring phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if userID == "" {
				userID = cfg.DefaultUser()
			}
			p, err := engine.Profile(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("failed to build profile: %w", err)
			}
			return formatter.OutputProfile(p, engine.WarmThreshold())
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user to show (default: first configured user)")
	return cmd
}

func decisionsCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent scoring decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if userID == "" {
				userID = cfg.DefaultUser()
			}
			decisions, err := engine.Decisions(cmd.Context(), userID, limit)
			if err != nil {
				return fmt.Errorf("failed to list decisions: %w", err)
			}

			ids := make([]string, len(decisions))
			for i, d := range decisions {
				ids[i] = d.ItemID
			}
			articles, err := engine.Articles(cmd.Context(), ids)
			if err != nil {
				return fmt.Errorf("failed to load articles: %w", err)
			}

			views := make([]output.DecisionView, len(decisions))
			for i, d := range decisions {
				var a *storage.Article
				if art, ok := articles[d.ItemID]; ok {
					a = &art
				}
				views[i] = output.NewDecisionView(d, a)
			}
			return formatter.OutputDecisions(views)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user to list (default: first configured user)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of decisions to show")
	return cmd
}

func trackCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "track <url>",
		Short: "Track a web page as an example of what you want more of",
		Long: `Fetch a page, extract its text and store its embedding. Once the user has
enough likes for personalized scoring, tracked pages count as liked examples
in the similarity pre-filter. They never count toward the like threshold.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if userID == "" {
				userID = cfg.DefaultUser()
			}
			tracked, inserted, err := engine.Track(cmd.Context(), userID, args[0])
			if err != nil {
				return fmt.Errorf("failed to track page: %w", err)
			}
			return formatter.OutputTracked(tracked, inserted)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user tracking the page (default: first configured user)")
	return cmd
}

func digestCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Send today's digest of the best-scored alerts",
		Long: `Summarize the day's highest-scored alerts into a short brief and send it
through the configured channel. Each user gets at most one digest per UTC day;
a digest whose delivery failed is resent on the next run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			var reports []*scoring.DigestReport
			if userID != "" {
				var report *scoring.DigestReport
				report, err = engine.Digest(cmd.Context(), userID)
				if report != nil {
					reports = append(reports, report)
				}
			} else {
				reports, err = engine.DigestAll(cmd.Context())
			}
			views := make([]output.DigestView, 0, len(reports))
			for _, r := range reports {
				views = append(views, output.NewDigestView(r))
			}
			if outErr := formatter.OutputDigests(views); outErr != nil {
				return outErr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "send only this user's digest (default: all users)")
	return cmd
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.DefaultPath
			}
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file already exists: %s", configPath)
			}
			if err := config.Default().Write(configPath); err != nil {
				return err
			}
			fmt.Printf("Created default config at %s\n", configPath)
			return nil
		},
	}
}
