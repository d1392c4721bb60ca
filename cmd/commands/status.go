package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/oxide/internal/config"
	"github.com/dohr-michael/oxide/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show oxide worker status",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "probe",
				Usage: "Also probe HEAD /status on this base URL (e.g. http://127.0.0.1:8080)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up probing after this long",
				Value: 10 * time.Second,
			},
		},
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	out := cmd.Root().Writer

	hbPath := config.HeartbeatPath()
	if cfg, err := config.Load(cmd.String("config")); err == nil {
		hbPath = cfg.Node.HeartbeatFile
	}

	status, hb, err := heartbeat.Check(hbPath, 2*heartbeat.DefaultInterval)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}
	switch status {
	case heartbeat.StatusAlive:
		fmt.Fprintf(out, "Worker: ALIVE (node %s, PID %d, %s, %d tasks, uptime %s, addr %s)\n",
			hb.NodeID, hb.PID, hb.State, hb.Tasks, hb.Uptime, hb.Addr)
	case heartbeat.StatusStale:
		fmt.Fprintf(out, "Worker: STALE (node %s, PID %d, last heartbeat %s ago)\n",
			hb.NodeID, hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
	case heartbeat.StatusDead:
		fmt.Fprintln(out, "Worker: NOT RUNNING")
	}

	if base := cmd.String("probe"); base != "" {
		start := time.Now()
		if err := probe(ctx, base, cmd.Duration("timeout")); err != nil {
			return fmt.Errorf("probe %s: %w", base, err)
		}
		fmt.Fprintf(out, "HTTP: OK (%s)\n", time.Since(start).Truncate(time.Millisecond))
	}
	return nil
}

var errProbeStatus = errors.New("unexpected status")

// probe issues HEAD /status with exponential backoff until it answers 200
// or timeout elapses. 4xx answers are not retried.
func probe(ctx context.Context, base string, timeout time.Duration) error {
	url := strings.TrimRight(base, "/") + "/status"
	client := &http.Client{Timeout: 5 * time.Second}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = timeout

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("%w: %s", errProbeStatus, resp.Status))
		default:
			return fmt.Errorf("%w: %s", errProbeStatus, resp.Status)
		}
	}
	notify := func(err error, wait time.Duration) {
		fmt.Fprintf(os.Stderr, "probe failed (%v), retrying in %s\n", err, wait.Truncate(time.Millisecond))
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
