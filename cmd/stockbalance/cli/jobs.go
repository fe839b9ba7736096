package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bonded-wms/stockbalance/internal/recalc"
	"github.com/bonded-wms/stockbalance/jobs"
)

// TaskClient is the enqueue surface of asynq.Client.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueInspector is the read surface of asynq.Inspector.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// TableStats reports snapshot_recalc_queue row counts.
type TableStats interface {
	Stats(ctx context.Context) (recalc.QueueStats, error)
}

// JobsCLI wraps manual management helpers for recalculation jobs.
type JobsCLI struct {
	client    TaskClient
	inspector QueueInspector
	table     TableStats
	now       func() time.Time
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
// table may be nil when no database is configured.
func NewJobsCLI(redisAddr string, table TableStats) (*JobsCLI, error) {
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	return newJobsCLI(asynq.NewClient(opt), asynq.NewInspector(opt), table), nil
}

func newJobsCLI(client TaskClient, inspector QueueInspector, table TableStats) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector, table: table, now: time.Now}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// Trigger enqueues reconcile or drain. lookback applies to reconcile only.
func (c *JobsCLI) Trigger(ctx context.Context, name string, lookback time.Duration) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case "reconcile", jobs.TaskSnapshotReconcile:
		task, err = jobs.NewReconcileTask(c.now().Add(-lookback))
	case "drain", jobs.TaskQueueDrain:
		task = jobs.NewQueueDrainTask()
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises one asynq queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// StatsReport covers asynq queues and the recalc table.
type StatsReport struct {
	Queues []QueueStats     `json:"queues"`
	Table  map[string]int64 `json:"table,omitempty"`
}

// Stats inspects both asynq queues and, when configured, the table queue.
func (c *JobsCLI) Stats(ctx context.Context) (StatsReport, error) {
	if c == nil || c.inspector == nil {
		return StatsReport{}, errors.New("jobs cli: inspector not configured")
	}
	var report StatsReport
	for _, name := range []string{jobs.QueueCritical, jobs.QueueDefault} {
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return StatsReport{}, err
		}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		report.Queues = append(report.Queues, stats)
	}
	if c.table != nil {
		counts, err := c.table.Stats(ctx)
		if err != nil {
			return StatsReport{}, fmt.Errorf("jobs cli: table stats: %w", err)
		}
		report.Table = make(map[string]int64, len(counts))
		for status, n := range counts {
			report.Table[string(status)] = n
		}
	}
	return report, nil
}

// RunOptions directs command output.
type RunOptions struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes `jobs trigger <reconcile|drain>` or `jobs stats` and returns
// the process exit code.
func (c *JobsCLI) Run(ctx context.Context, args []string, opts RunOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if len(args) == 0 {
		fmt.Fprintln(opts.Stderr, "usage: jobs trigger <reconcile|drain> [-lookback 25h] | jobs stats [-json]")
		return 2
	}
	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		fs.SetOutput(opts.Stderr)
		lookback := fs.Duration("lookback", 25*time.Hour, "reconcile window")
		if len(args) < 2 {
			fmt.Fprintln(opts.Stderr, "jobs trigger: job name required")
			return 2
		}
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := c.Trigger(ctx, args[1], *lookback)
		if err != nil {
			fmt.Fprintln(opts.Stderr, err)
			return 1
		}
		fmt.Fprintf(opts.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "stats":
		fs := flag.NewFlagSet("stats", flag.ContinueOnError)
		fs.SetOutput(opts.Stderr)
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		report, err := c.Stats(ctx)
		if err != nil {
			fmt.Fprintln(opts.Stderr, err)
			return 1
		}
		if *asJSON {
			enc := json.NewEncoder(opts.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return 1
			}
			return 0
		}
		printStats(opts.Stdout, report)
		return 0
	default:
		fmt.Fprintf(opts.Stderr, "jobs: unknown command %q\n", args[0])
		return 2
	}
}

func printStats(w io.Writer, report StatsReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
	for _, q := range report.Queues {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", q.Queue, q.Pending, q.Active, q.Scheduled, q.Retry, q.Archived)
	}
	_ = tw.Flush()
	if len(report.Table) == 0 {
		return
	}
	statuses := make([]string, 0, len(report.Table))
	for s := range report.Table {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE STATUS\tROWS")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, report.Table[s])
	}
	_ = tw.Flush()
}
