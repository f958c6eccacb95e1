package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/famsync/internal/api"
	"github.com/g960059/famsync/internal/appclient"
	"github.com/g960059/famsync/internal/config"
)

// Runner executes famsync commands against a famsyncd socket.
type Runner struct {
	client     *appclient.Client
	socketSet  bool
	out        io.Writer
	errOut     io.Writer
	jsonOut    bool
	socketPath string
	timeout    time.Duration
}

// runError marks a failure that happened after the arguments were accepted.
type runError struct {
	err error
}

func (e runError) Error() string { return e.err.Error() }
func (e runError) Unwrap() error { return e.err }

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	if strings.TrimSpace(socketPath) == "" {
		socketPath = config.DefaultConfig().SocketPath
	}
	r := newRunner(appclient.New(socketPath), out, errOut)
	r.socketPath = socketPath
	return r
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.NewWithClient(baseURL, client), out, errOut)
	r.socketSet = true
	return r
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

// Run executes args and returns the process exit code: 0 on success, 1 when
// the daemon call fails and 2 for usage errors.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var re runError
	if errors.As(err, &re) {
		return 1
	}
	_, _ = fmt.Fprintln(r.errOut, root.UsageString())
	return 2
}

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "famsync",
		Short:         "Operate the famsyncd sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !r.socketSet && cmd.Flags().Changed("socket") {
				r.client = appclient.New(r.socketPath)
			}
			if cmd.Flags().Changed("timeout") {
				if r.timeout <= 0 {
					return fmt.Errorf("--timeout must be positive, got %s", r.timeout)
				}
				r.client = r.client.WithUnaryTimeout(r.timeout)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&r.socketPath, "socket", r.defaultSocket(), "famsyncd socket path")
	root.PersistentFlags().BoolVar(&r.jsonOut, "json", false, "output JSON")
	root.PersistentFlags().DurationVar(&r.timeout, "timeout", 0, "per-request timeout (sync is not bound)")

	root.AddCommand(
		r.statusCommand(),
		r.syncCommand(),
		r.observeCommand(),
		r.queueCommand(),
		r.commandsCommand(),
		r.configCommand(),
		r.appsCommand(),
		r.usageCommand(),
	)
	return root
}

func (r *Runner) defaultSocket() string {
	if r.socketPath != "" {
		return r.socketPath
	}
	return config.DefaultConfig().SocketPath
}

func (r *Runner) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.Health(cmd.Context())
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				return r.writeJSON(resp)
			}
			last := "never"
			if resp.LastSyncAt != nil {
				last = *resp.LastSyncAt
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\tremote=%s\tlast_sync=%s\n", resp.DeviceID, resp.Role, resp.RemoteHealth, last)
			return nil
		},
	}
}

func (r *Runner) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.Sync(cmd.Context())
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				if err := r.writeJSON(resp); err != nil {
					return err
				}
			} else {
				r.printSyncReport(resp.Report)
			}
			if resp.Error != "" {
				return runError{fmt.Errorf("sync pass finished with errors: %s", resp.Error)}
			}
			return nil
		},
	}
}

func (r *Runner) printSyncReport(rep api.SyncReport) {
	_, _ = fmt.Fprintf(r.out, "role=%s health=%s duration=%dms coalesced=%t\n", rep.Role, rep.RemoteHealth, rep.DurationMS, rep.Coalesced)
	_, _ = fmt.Fprintf(r.out, "queue\tdelivered=%d\tretried=%d\tdead_lettered=%d\n", rep.Drain.Delivered, rep.Drain.Retried, rep.Drain.DeadLettered)
	if rep.Role == "controller" {
		_, _ = fmt.Fprintf(r.out, "commands\trefreshed=%d\tconfigs_adopted=%d\n", rep.CommandsRefreshed, rep.ConfigsAdopted)
		for _, row := range rep.Summary {
			name := row.DisplayName
			if name == "" {
				name = row.DeviceID
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%ds\t%.2f\t%d\n", name, row.LogicalAppID, row.Category, row.Seconds, row.Points, row.Sessions)
		}
		return
	}
	_, _ = fmt.Fprintf(r.out, "commands\texecuted=%d\tfailed=%d\tskipped=%d\n", rep.CommandsExecuted, rep.CommandsFailed, rep.CommandsSkipped)
	_, _ = fmt.Fprintf(r.out, "usage\tuploaded=%d\tqueued=%d\n", rep.Uploaded, rep.UploadsQueued)
}

func (r *Runner) observeCommand() *cobra.Command {
	var (
		handle     string
		platformID string
		name       string
		seconds    int64
	)
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Report app usage to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if handle == "" && platformID == "" {
				return errors.New("one of --handle or --platform-id is required")
			}
			resp, err := r.client.Observe(cmd.Context(), api.ObservationRequest{
				Handle:      []byte(handle),
				PlatformID:  platformID,
				DisplayName: name,
				Seconds:     seconds,
			})
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				return r.writeJSON(resp)
			}
			if !resp.Accepted || resp.Record == nil {
				_, _ = fmt.Fprintln(r.out, "dropped")
				return nil
			}
			rec := resp.Record
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%ds\t%.2f\n", rec.LogicalAppID, rec.Category, rec.AccumulatedSeconds, rec.DerivedPoints)
			return nil
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "opaque app token")
	cmd.Flags().StringVar(&platformID, "platform-id", "", "cross-device platform identifier")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Int64Var(&seconds, "seconds", 0, "usage seconds")
	_ = cmd.MarkFlagRequired("seconds")
	return cmd
}

func (r *Runner) queueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the offline retry queue",
	}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.client.ListQueue(cmd.Context(), status)
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				return r.writeJSON(env)
			}
			for _, item := range env.Items {
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%d\t%s\n", item.QueueID, item.Kind, item.Status, item.RetryCount, item.LastError)
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (queued, in_flight, failed)")

	retry := &cobra.Command{
		Use:   "retry QUEUE_ID",
		Short: "Requeue a dead-lettered operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.client.RetryQueueItem(cmd.Context(), args[0]); err != nil {
				return runError{err}
			}
			_, _ = fmt.Fprintf(r.out, "requeued %s\n", args[0])
			return nil
		},
	}
	discard := &cobra.Command{
		Use:   "discard QUEUE_ID",
		Short: "Drop a queued operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.client.DiscardQueueItem(cmd.Context(), args[0]); err != nil {
				return runError{err}
			}
			_, _ = fmt.Fprintf(r.out, "discarded %s\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(list, retry, discard)
	return cmd
}

func (r *Runner) commandsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Inspect configuration commands",
	}
	var opts appclient.CommandListOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.client.ListCommands(cmd.Context(), opts)
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				return r.writeJSON(env)
			}
			for _, c := range env.Commands {
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n", c.CommandID, c.Direction, c.TargetDeviceID, c.Status, c.Error)
			}
			return nil
		},
	}
	list.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending, executed, failed)")
	list.Flags().StringVar(&opts.Direction, "direction", "", "inbound or outbound (default depends on role)")

	reissue := &cobra.Command{
		Use:   "reissue COMMAND_ID",
		Short: "Issue a fresh copy of a failed command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.client.ReissueCommand(cmd.Context(), args[0])
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				return r.writeJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "reissued %s as %s\n", args[0], resp.Command.CommandID)
			return nil
		},
	}
	cmd.AddCommand(list, reissue)
	return cmd
}

func (r *Runner) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Change app configuration on an agent device",
	}
	var (
		device   string
		category string
		rate     float64
		enabled  bool
		enforced bool
	)
	set := &cobra.Command{
		Use:   "set LOGICAL_APP_ID",
		Short: "Set category, rate or flags for one app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.ConfigurationRequest{
				DeviceID:     strings.TrimSpace(device),
				LogicalAppID: strings.TrimSpace(args[0]),
			}
			flags := cmd.Flags()
			if flags.Changed("category") {
				req.Category = &category
			}
			if flags.Changed("rate") {
				req.Rate = &rate
			}
			if flags.Changed("enabled") {
				req.Enabled = &enabled
			}
			if flags.Changed("enforced") {
				req.Enforced = &enforced
			}
			if req.Category == nil && req.Rate == nil && req.Enabled == nil && req.Enforced == nil {
				return errors.New("nothing to change: pass --category, --rate, --enabled or --enforced")
			}
			resp, err := r.client.SetConfiguration(cmd.Context(), req)
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				return r.writeJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "issued %s to %s\n", resp.Command.CommandID, resp.Command.TargetDeviceID)
			return nil
		},
	}
	set.Flags().StringVar(&device, "device", "", "target agent device id")
	set.Flags().StringVar(&category, "category", "", "primary or secondary")
	set.Flags().Float64Var(&rate, "rate", 0, "points per unit of usage")
	set.Flags().BoolVar(&enabled, "enabled", true, "track usage of the app")
	set.Flags().BoolVar(&enforced, "enforced", false, "apply platform restrictions")
	_ = set.MarkFlagRequired("device")
	cmd.AddCommand(set)
	return cmd
}

func (r *Runner) usageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect or reset local usage records",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List usage records of this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.client.ListUsage(cmd.Context())
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				return r.writeJSON(env)
			}
			for _, rec := range env.Records {
				state := "open"
				if rec.Synced {
					state = "synced"
				}
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%ds\t%.2f\t%s\n", rec.LogicalAppID, rec.Category, rec.SessionStart, rec.AccumulatedSeconds, rec.DerivedPoints, state)
			}
			return nil
		},
	}
	var confirmed bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete every usage record of this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return errors.New("usage reset deletes synced and unsynced records; pass --yes to confirm")
			}
			resp, err := r.client.ResetUsage(cmd.Context())
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				return r.writeJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "deleted %d usage records on %s\n", resp.Deleted, resp.DeviceID)
			return nil
		},
	}
	reset.Flags().BoolVar(&confirmed, "yes", false, "confirm the reset")
	cmd.AddCommand(list, reset)
	return cmd
}

func (r *Runner) appsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Inspect known apps",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List apps seen on this device and their configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.client.ListApps(cmd.Context())
			if err != nil {
				return runError{err}
			}
			if r.jsonOut {
				return r.writeJSON(env)
			}
			for _, a := range env.Apps {
				rate := "-"
				if a.Rate != nil {
					rate = fmt.Sprintf("%g", *a.Rate)
				}
				state := "enabled"
				if !a.Enabled {
					state = "disabled"
				}
				if a.Enforced {
					state += ",enforced"
				}
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n", a.LogicalAppID, a.DisplayName, a.Category, rate, state)
			}
			return nil
		},
	})
	return cmd
}

func (r *Runner) writeJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return runError{fmt.Errorf("encode output: %w", err)}
	}
	return nil
}
