package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/events"
	"github.com/xkilldash9x/cartographer/internal/explorer"
	"github.com/xkilldash9x/cartographer/internal/observability"
	"github.com/xkilldash9x/cartographer/internal/replay"
)

// newLearnCmd creates the `learn` command.
func newLearnCmd(opts *rootOptions) *cobra.Command {
	var (
		modelPath   string
		appID       string
		maxDepth    int
		maxDuration time.Duration
		asJSON      bool
	)

	learnCmd := &cobra.Command{
		Use:   "learn",
		Short: "Explores an app and records its screens, elements and commands",
		Long: `Explores the app shown by the snapshot source depth first and stores
what it learns. When a login or permission prompt appears the exploration
pauses; finish the prompt and press Enter to continue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// 1. Snapshot source
			model, err := replay.LoadModel(modelPath)
			if err != nil {
				return err
			}
			source := replay.NewSource(model)

			// 2. Service
			svc, err := opts.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			msgs, unsubscribe := svc.Bus().Subscribe(events.TypePauseRequested, events.TypeProgress)
			defer unsubscribe()

			// 3. Session
			session, err := svc.LearnApp(ctx, source, explorer.Options{
				AppID:       appID,
				MaxDepth:    maxDepth,
				MaxDuration: maxDuration,
			})
			if err != nil {
				return err
			}
			sessionLog := observability.SessionLogger(logger, session.ID(), appID)
			sessionLog.Debug("Learning session running.", zap.String("model", modelPath))

			// 4. Follow it until it ends.
			report := follow(ctx, cmd, session, source, msgs, sessionLog)
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}

			if err := session.FlushErr(); err != nil {
				return err
			}
			if report.State == schemas.StateFailed {
				return fmt.Errorf("exploration failed: %s", report.Reason)
			}
			return nil
		},
	}

	learnCmd.Flags().StringVarP(&modelPath, "model", "m", "", "app model to replay (YAML)")
	learnCmd.Flags().StringVar(&appID, "app", "", "expected app id in the foreground")
	learnCmd.Flags().IntVar(&maxDepth, "max-depth", 0, "override explorer.max_depth")
	learnCmd.Flags().DurationVar(&maxDuration, "max-duration", 0, "override explorer.max_duration")
	learnCmd.Flags().BoolVar(&asJSON, "json", false, "print the session report as JSON")
	_ = learnCmd.MarkFlagRequired("model")
	return learnCmd
}

// follow prints session events and answers pause requests from stdin until
// the session is done.
func follow(ctx context.Context, cmd *cobra.Command, session *explorer.Session, source *replay.Source, msgs <-chan events.Message, logger *zap.Logger) schemas.SessionReport {
	out := cmd.ErrOrStderr()
	var lines <-chan string

	for {
		select {
		case <-session.Done():
			return session.Report()

		case <-ctx.Done():
			session.Abort()
			<-session.Done()
			return session.Report()

		case msg, ok := <-msgs:
			if !ok {
				<-session.Done()
				return session.Report()
			}
			switch payload := msg.Payload.(type) {
			case schemas.ProgressUpdate:
				if payload.SessionID == session.ID() {
					fmt.Fprintf(out, "  %d screens, %d elements, depth %d, %s\n",
						payload.ScreensExplored, payload.ElementsDiscovered, payload.Depth, payload.Elapsed.Round(time.Second))
				}
			case schemas.PauseRequested:
				if payload.SessionID != session.ID() {
					continue
				}
				fmt.Fprintf(out, "Paused (%s) on %s. Finish it on the device, then press Enter.\n", pauseLabel(payload.Reason), payload.AppID)
				if lines == nil {
					lines = readLines(cmd.InOrStdin(), session.Done())
				}
				if err := awaitLine(ctx, lines, session); err != nil {
					logger.Warn("No confirmation from the user; aborting.", zap.Error(err))
					session.Abort()
					continue
				}
				if err := source.CompleteLogin(); err != nil {
					logger.Debug("Replay model has no screen behind the prompt.", zap.Error(err))
				}
				if err := session.Resume(); err != nil {
					logger.Warn("Could not resume the session.", zap.Error(err))
				}
			}
		}
	}
}

// readLines delivers lines from r on a channel that is closed at EOF or
// once stop is closed.
func readLines(r io.Reader, stop <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()
	return lines
}

func awaitLine(ctx context.Context, lines <-chan string, session *explorer.Session) error {
	select {
	case _, ok := <-lines:
		if !ok {
			return io.EOF
		}
		return nil
	case <-session.Done():
		return errors.New("session ended while waiting")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pauseLabel(reason schemas.PauseReason) string {
	if reason == schemas.PausePermissionPrompt {
		return "permission prompt"
	}
	return "login"
}
