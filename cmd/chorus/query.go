package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/gateway/httpapi"
	"github.com/jkaninda/chorus/internal/orchestrator"
	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the query command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitRejected    = 2
	ExitUnavailable = 3
)

const pollInterval = 2 * time.Second

var (
	queryMessage    string
	queryContext    string
	queryGatewayURL string
	queryStream     bool
	queryTimeout    int
	querySessionID  string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Submit a goal to a running Chorus server",
	Long: `Submit a goal to the Chorus HTTP API and wait for its answer.
Without --stream the job is polled until it finishes.

Examples:
  chorus query -m "summarise yesterday's error logs"
  chorus query -m "plan the database migration" --stream

Exit codes:
  0  job finished
  1  job failed or was stopped
  2  request rejected (bad input or rate limited)
  3  server unavailable`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryMessage, "message", "m", "", "goal to submit (required)")
	queryCmd.Flags().StringVar(&queryContext, "context", "", "background context for the goal")
	queryCmd.Flags().StringVar(&queryGatewayURL, "gateway-url", "http://localhost:8080", "Chorus HTTP API URL")
	queryCmd.Flags().BoolVar(&queryStream, "stream", false, "stream scheduler events via SSE")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 1800, "timeout in seconds")
	queryCmd.Flags().StringVar(&querySessionID, "session-id", "", "session to attach the job to")

	_ = queryCmd.MarkFlagRequired("message")
}

func runQuery(_ *cobra.Command, _ []string) error {
	gatewayURL := strings.TrimSuffix(goutils.Env("CHORUS_GATEWAY_URL", queryGatewayURL), "/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryTimeout)*time.Second)
	defer cancel()

	submitted := submitQuery(ctx, gatewayURL)
	fmt.Fprintf(os.Stderr, "[job_id=%s session_id=%s]\n", submitted.JobID, submitted.SessionID)

	if queryStream {
		streamQuery(ctx, gatewayURL, submitted.JobID)
	}
	res := pollQuery(ctx, gatewayURL, submitted.JobID)
	fmt.Println(res.Answer)
	fmt.Fprintf(os.Stderr, "\n[status=%s verdict=%s tokens=%d duration_ms=%d]\n",
		res.Status, res.Verdict, res.Tokens, res.DurationMs)
	if res.Status != string(domain.JobFinished) {
		os.Exit(ExitFailure)
	}
	return nil
}

// submitQuery posts the goal and exits on any non-202 answer.
func submitQuery(ctx context.Context, gatewayURL string) httpapi.SubmitResponse {
	body, _ := json.Marshal(httpapi.SubmitRequest{
		SessionID: querySessionID,
		Content:   queryMessage,
		Context:   queryContext,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		var out httpapi.SubmitResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: decoding response: %v\n", err)
			os.Exit(ExitFailure)
		}
		return out
	case http.StatusBadRequest, http.StatusTooManyRequests:
		fmt.Fprintf(os.Stderr, "Error: rejected (%d): %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitRejected)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: server unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitUnavailable)
	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}
	return httpapi.SubmitResponse{}
}

// pollQuery fetches the job until it reaches a terminal status.
func pollQuery(ctx context.Context, gatewayURL, jobID string) httpapi.JobResponse {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		res, err := fetchJob(ctx, gatewayURL, jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitUnavailable)
		}
		if domain.JobStatus(res.Status).Terminal() {
			return res
		}
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "Error: timed out waiting for job %s\n", jobID)
			os.Exit(ExitFailure)
		case <-ticker.C:
		}
	}
}

func fetchJob(ctx context.Context, gatewayURL, jobID string) (httpapi.JobResponse, error) {
	var out httpapi.JobResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return out, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("cannot reach server at %s: %w", gatewayURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return out, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decoding job: %w", err)
	}
	return out, nil
}

// streamQuery prints scheduler events until the root job is done.
func streamQuery(ctx context.Context, gatewayURL, jobID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL+"/v1/jobs/"+jobID+"/stream", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var ev orchestrator.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.Kind == orchestrator.EventJobDone && ev.SubJobID == "" {
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] %s %s\n", ev.Kind, ev.SubJobID, ev.Status)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
	}
}
