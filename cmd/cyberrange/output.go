package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/cyberrange/pkg/api"
	"github.com/cuemby/cyberrange/pkg/client"
	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/types"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// progressLine renders one status poll, e.g. "running  42.0%  1.2 MiB/2.9 MiB  pulling layers"
func progressLine(st *jobs.Status) string {
	parts := []string{string(st.State)}
	if st.ProgressPercent != nil {
		parts = append(parts, fmt.Sprintf("%5.1f%%", *st.ProgressPercent))
	}
	if st.Unit == types.ProgressBytes && st.BytesTransferred > 0 {
		if st.BytesTotal != nil {
			parts = append(parts, formatBytes(st.BytesTransferred)+"/"+formatBytes(*st.BytesTotal))
		} else {
			parts = append(parts, formatBytes(st.BytesTransferred))
		}
	}
	if st.Message != "" {
		parts = append(parts, st.Message)
	}
	return strings.Join(parts, "  ")
}

func addWaitFlag(cmd *cobra.Command) {
	cmd.Flags().BoolP("wait", "w", false, "Wait for the job to finish, showing progress")
}

// reportJob prints the accepted job and, with --wait, follows it to a
// terminal state. A job that does not succeed is returned as an error.
func reportJob(cmd *cobra.Command, c *client.Client, what string, accepted *api.JobResponse) error {
	out := cmd.OutOrStdout()
	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		fmt.Fprintf(out, "✓ %s accepted (job %s, %s)\n", what, accepted.JobID, accepted.State)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "%s (job %s)\n", what, accepted.JobID)
	var last string
	st, err := c.WaitJob(ctx, accepted.JobID, 0, func(s *jobs.Status) {
		if line := progressLine(s); line != last {
			fmt.Fprintf(out, "  %s\n", line)
			last = line
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("stopped waiting; job %s continues on the server", accepted.JobID)
		}
		return err
	}
	if st.State != types.JobStateSucceeded {
		msg := string(st.State)
		if st.Error != nil {
			msg += ": " + *st.Error
		}
		return fmt.Errorf("%s %s", what, msg)
	}
	fmt.Fprintf(out, "✓ %s complete\n", what)
	return nil
}
