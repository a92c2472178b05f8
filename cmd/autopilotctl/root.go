package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"social-autopilot/internal/app"
	"social-autopilot/internal/config"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/models"
	"social-autopilot/internal/schedule"
	"social-autopilot/internal/scoring"
)

var (
	output  string
	timeout time.Duration
)

// newRootCmd returns the operator CLI. Every command reads the same
// environment as the API and the worker.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "autopilotctl",
		Short:         "Operate the social autopilot from a terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&output, "output", "json", "output format: json|text")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")

	root.AddCommand(newRunCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newProcessCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(newScoreCmd())
	root.AddCommand(newSlotsCmd())
	return root
}

// withApp builds the component graph for one command and tears it down after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (interface{}, error)) error {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), v)
}

func render(w io.Writer, v interface{}) error {
	if output == "text" {
		if s, ok := v.(fmt.Stringer); ok {
			_, err := fmt.Fprintln(w, s.String())
			return err
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one automation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Automation.Run(ctx, models.TriggerManual)
			})
		},
	}
}

func newIngestCmd() *cobra.Command {
	ingest := &cobra.Command{
		Use:   "ingest",
		Short: "Pull new candidates",
	}
	ingest.AddCommand(&cobra.Command{
		Use:   "rss",
		Short: "Fetch every active feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Ingest.IngestRSS(ctx)
			})
		},
	})
	ingest.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "Fetch every X source that is past its cooldown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Ingest.IngestSources(ctx)
			})
		},
	})
	return ingest
}

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Publish every pending post whose slot has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				if _, err := a.Publisher.ReleaseStale(ctx); err != nil {
					return nil, err
				}
				return a.Publisher.ProcessDue(ctx)
			})
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check post spacing and content variety",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				cfg, err := a.Store.GetAutomationConfig(ctx)
				if err != nil {
					return nil, err
				}
				return a.Health.Check(ctx, cfg.MinHoursBetweenPosts, a.Config.VarietyLookback)
			})
		},
	}
}

func newScoreCmd() *cobra.Command {
	score := &cobra.Command{
		Use:   "score",
		Short: "Score text without storing anything",
	}
	score.AddCommand(&cobra.Command{
		Use:   "post <text>",
		Short: "Score a draft post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return render(cmd.OutOrStdout(), scoring.ScorePost(args[0]))
		},
	})

	var description string
	feed := &cobra.Command{
		Use:   "feed <title>",
		Short: "Score a feed item headline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return render(cmd.OutOrStdout(), scoring.ScoreFeed(scoring.FeedInput{
				Title:       args[0],
				Description: description,
			}, time.Now()))
		},
	}
	feed.Flags().StringVar(&description, "description", "", "item summary")
	score.AddCommand(feed)
	return score
}

type slotList struct {
	Slots          []time.Time `json:"slots"`
	HoursUntilNext float64     `json:"hours_until_next"`
}

func (l slotList) String() string {
	s := fmt.Sprintf("next slot in %.2fh", l.HoursUntilNext)
	for _, t := range l.Slots {
		s += "\n" + t.Format(time.RFC3339)
	}
	return s
}

func newSlotsCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List the next posting slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 || count > 100 {
				return errors.NewInvalidRequestError("--count must be within 1-100, got %d", count)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				cfg, err := a.Store.GetAutomationConfig(ctx)
				if err != nil {
					return nil, err
				}
				now := time.Now()
				slots, err := schedule.NextSlots(now, cfg.PostingTimes, cfg.Timezone, count, 0, nil)
				if err != nil {
					return nil, err
				}
				hours, err := schedule.HoursUntilNextPostTime(now, cfg.PostingTimes, cfg.Timezone)
				if err != nil {
					return nil, err
				}
				return slotList{Slots: slots, HoursUntilNext: hours}, nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 3, "number of slots")
	return cmd
}
