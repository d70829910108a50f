package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/chorus/internal/config"
	"github.com/jkaninda/chorus/internal/domain"
	goutils "github.com/jkaninda/go-utils"
)

var (
	runConfigPath   string
	runGoal         string
	runContext      string
	runSchemaPath   string
	runTimeout      int
	runConversation bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one goal in-process and print the answer",
	Long: `Run decomposes and executes a single goal without starting the HTTP API.
Scheduler events are logged to stderr and the final answer is printed to stdout.

Examples:
  chorus run -g "compare the last two quarterly reports"
  chorus run -g "list open incidents" --output-schema incidents.schema.json`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVarP(&runGoal, "goal", "g", "", "goal to run (required)")
	runCmd.Flags().StringVar(&runContext, "context", "", "background context for the goal")
	runCmd.Flags().StringVar(&runSchemaPath, "output-schema", "", "path to a JSON schema the answer must follow")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 1800, "timeout in seconds")
	runCmd.Flags().BoolVar(&runConversation, "conversation", false, "print the reasoning chain after the answer")

	_ = runCmd.MarkFlagRequired("goal")
}

func runOnce(_ *cobra.Command, _ []string) error {
	logger := newLogger(logFormat, logDebug)

	cfg, err := config.Load(goutils.Env("CHORUS_CONFIG", runConfigPath))
	if err != nil {
		return err
	}

	var schema string
	if runSchemaPath != "" {
		data, err := os.ReadFile(runSchemaPath)
		if err != nil {
			return fmt.Errorf("reading output schema: %w", err)
		}
		schema = string(data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(runTimeout)*time.Second)
	defer cancel()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	engine := sc.Engine
	jobID, err := engine.Submit(ctx, domain.ChatMessage{
		SessionID:    "cli",
		Content:      runGoal,
		Context:      runContext,
		OutputSchema: schema,
	})
	if err != nil {
		return err
	}
	events, unsubscribe := engine.Events().Subscribe(jobID, 64)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()

	for waiting := true; waiting; {
		select {
		case ev := <-events:
			logger.Info("job event",
				slog.String("kind", string(ev.Kind)),
				slog.String("subjob_id", ev.SubJobID),
				slog.String("status", string(ev.Status)),
				slog.String("message", ev.Message),
			)
		case <-ctx.Done():
			logger.Warn("cancelling job", slog.String("job_id", jobID), slog.String("reason", ctx.Err().Error()))
			if err := engine.Cancel(context.Background(), jobID); err != nil {
				logger.Error("cancelling job", slog.String("error", err.Error()))
			}
			<-done
			waiting = false
		case <-done:
			waiting = false
		}
	}

	res, err := engine.QueryResult(context.Background(), jobID)
	if err != nil {
		return err
	}
	fmt.Println(res.Result.Scratchpad)
	fmt.Fprintf(os.Stderr, "\n[job_id=%s status=%s tokens=%d duration=%s]\n",
		res.JobID, res.Status, res.Tokens, res.Duration.Round(time.Millisecond))

	if runConversation {
		views, err := engine.ConversationView(context.Background(), jobID)
		if err != nil {
			return err
		}
		for _, v := range views {
			fmt.Fprintf(os.Stderr, "\n--- %s ---\n%s\n", v.Role, v.Content)
		}
	}

	if res.Status != domain.JobFinished {
		return fmt.Errorf("job %s ended %s", res.JobID, res.Status)
	}
	return nil
}
