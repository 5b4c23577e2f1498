package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/cyberrange/pkg/api"
	"github.com/cuemby/cyberrange/pkg/client"
	"github.com/cuemby/cyberrange/pkg/events"
	"github.com/cuemby/cyberrange/pkg/types"
)

// Job commands
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		kind, _ := cmd.Flags().GetString("kind")
		rangeArg, _ := cmd.Flags().GetString("range")
		parent, _ := cmd.Flags().GetString("parent")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		filter := client.JobFilter{
			State:    types.JobState(state),
			Kind:     types.JobKind(kind),
			ParentID: parent,
		}
		if rangeArg != "" {
			detail, err := c.FindRange(rangeArg)
			if err != nil {
				return err
			}
			filter.RangeID = detail.ID
		}
		list, err := c.ListJobs(filter)
		if err != nil {
			return err
		}

		w := newTable(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tKIND\tTARGET\tSTATE\tPROGRESS\tAGE")
		for i := range list {
			st := &list[i]
			progress := "-"
			if st.ProgressPercent != nil {
				progress = fmt.Sprintf("%.0f%%", *st.ProgressPercent)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", st.ID, st.Kind, st.Target, st.State, progress, age(st.CreatedAt))
		}
		return w.Flush()
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get JOB_ID",
	Short: "Show a job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		st, err := c.GetJob(args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Request cancellation of a job and its children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		resp, err := c.CancelJob(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cancellation requested: %s (%s)\n", resp.JobID, resp.State)
		return nil
	},
}

var jobWaitCmd = &cobra.Command{
	Use:   "wait JOB_ID",
	Short: "Follow a job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		st, err := c.GetJob(args[0])
		if err != nil {
			return err
		}
		_ = cmd.Flags().Set("wait", "true")
		return reportJob(cmd, c, "Job "+string(st.Kind), &api.JobResponse{JobID: st.ID, State: string(st.State)})
	},
}

func init() {
	jobListCmd.Flags().String("state", "", "Filter by state (queued, running, succeeded, failed, cancelled)")
	jobListCmd.Flags().String("kind", "", "Filter by kind (e.g. range_deploy, image_pull)")
	jobListCmd.Flags().String("range", "", "Filter by range id or name")
	jobListCmd.Flags().String("parent", "", "Filter by parent job id")
	addWaitFlag(jobWaitCmd)
	_ = jobWaitCmd.Flags().MarkHidden("wait")

	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobWaitCmd)
}

// Event commands
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read range events",
}

func eventQuery(cmd *cobra.Command) (client.EventQuery, error) {
	var q client.EventQuery
	since, _ := cmd.Flags().GetDuration("since")
	if since > 0 {
		q.Since = time.Now().Add(-since)
	}
	typ, _ := cmd.Flags().GetString("type")
	q.Type = types.EventType(typ)
	q.VMID, _ = cmd.Flags().GetString("vm")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	if q.Limit < 0 {
		return q, fmt.Errorf("--limit must not be negative")
	}
	return q, nil
}

func printEvent(cmd *cobra.Command, e *types.EventLogEntry) {
	var data []string
	for k, v := range e.Data {
		data = append(data, k+"="+v)
	}
	line := fmt.Sprintf("%s  %-16s %s", e.Timestamp.Local().Format("15:04:05.000"), e.Type, e.Message)
	if len(data) > 0 {
		line += "  [" + strings.Join(data, " ") + "]"
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}

var eventsListCmd = &cobra.Command{
	Use:   "list RANGE",
	Short: "Print a range's event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := eventQuery(cmd)
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		detail, err := c.FindRange(args[0])
		if err != nil {
			return err
		}
		list, err := c.ListEvents(detail.ID, q)
		if err != nil {
			return err
		}
		for _, e := range list {
			printEvent(cmd, e)
		}
		return nil
	},
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch RANGE",
	Short: "Follow a range's events live",
	Long: `Follow a range's events until interrupted. History after --since is
replayed first.

With --redis the command subscribes to the server's Redis relay instead of
the API; relayed events are live only and carry no history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := eventQuery(cmd)
		if err != nil {
			return err
		}
		redisAddr, _ := cmd.Flags().GetString("redis")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		detail, err := c.FindRange(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var ch <-chan *types.EventLogEntry
		if redisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer rdb.Close()
			ch, err = events.Follow(ctx, rdb, detail.ID)
		} else {
			ch, err = c.WatchEvents(ctx, detail.ID, q)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl+C to stop)\n", detail.Name)
		for e := range ch {
			if redisAddr != "" && !(types.EventFilter{Type: q.Type, VMID: q.VMID}).Matches(e) {
				continue
			}
			printEvent(cmd, e)
		}
		if ctx.Err() == nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Event stream closed by server")
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{eventsListCmd, eventsWatchCmd} {
		cmd.Flags().Duration("since", 0, "Only events newer than this (e.g. 10m)")
		cmd.Flags().String("type", "", "Only events of this type (e.g. vm.status)")
		cmd.Flags().String("vm", "", "Only events for this VM id")
	}
	eventsListCmd.Flags().Int("limit", 0, "Return at most this many events (0 = all)")
	eventsWatchCmd.Flags().String("redis", "", "Follow the Redis relay at this address instead of the API")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsWatchCmd)
}

// Artifact commands
var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Manage the artifact cache",
}

var artifactEnsureCmd = &cobra.Command{
	Use:   "ensure NAME",
	Short: "Cache an image or disk image ahead of deployment",
	Long: `Make sure an artifact is in the local cache, fetching it when absent.

Examples:
  # Pre-pull an image
  cyberrange artifact ensure kalilinux/kali-rolling:latest --wait

  # Cache a disk image from object storage
  cyberrange artifact ensure win10@22h2 --kind disk --source s3://images/win10.qcow2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		source, _ := cmd.Flags().GetString("source")
		digest, _ := cmd.Flags().GetString("digest")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ref := types.ArtifactRef{Kind: types.ArtifactKind(kind), Name: args[0], Source: source, Digest: digest}
		accepted, err := c.EnsureArtifact(ref)
		if err != nil {
			return err
		}
		return reportJob(cmd, c, "Fetch of "+ref.Name, accepted)
	},
}

var artifactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		list, err := c.ListArtifacts()
		if err != nil {
			return err
		}

		w := newTable(cmd.OutOrStdout())
		fmt.Fprintln(w, "KEY\tSTATUS\tSIZE\tCACHED\tERROR")
		for _, a := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Key, a.Status, formatBytes(a.Size), age(a.CachedAt), orDash(a.Error))
		}
		return w.Flush()
	},
}

var artifactRmCmd = &cobra.Command{
	Use:   "rm KEY",
	Short: "Remove an unused artifact (KEY is kind:name, e.g. image:alpine:3.20)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteArtifact(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Artifact removed: %s\n", args[0])
		return nil
	},
}

func init() {
	artifactEnsureCmd.Flags().String("kind", string(types.ArtifactImage), "Artifact kind (image or disk)")
	artifactEnsureCmd.Flags().String("source", "", "Download URL for disk images (http, https or s3)")
	artifactEnsureCmd.Flags().String("digest", "", "Expected sha256:<hex> digest for disk images")
	addWaitFlag(artifactEnsureCmd)

	artifactCmd.AddCommand(artifactEnsureCmd)
	artifactCmd.AddCommand(artifactListCmd)
	artifactCmd.AddCommand(artifactRmCmd)
}
