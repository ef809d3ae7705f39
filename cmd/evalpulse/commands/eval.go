package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/evaluation"
	"github.com/jobgate/evalpulse/journal"
	"github.com/jobgate/evalpulse/logger"
	"github.com/jobgate/evalpulse/pulse/poll"
	"github.com/jobgate/evalpulse/sym"
)

// EvalCmd groups the evaluation commands
var EvalCmd = &cobra.Command{
	Use:   "eval",
	Short: sym.Pulse + " Start and track AI evaluations",
	Long: sym.Pulse + ` eval - start AI evaluations and follow them to a result.

A start request either returns an existing evaluation right away or a job id
that is polled every poll.interval_ms, at most poll.max_attempts times.

Examples:
  evalpulse eval start 42
  evalpulse eval start 42 --force --max-attempts 10 -o yaml
  evalpulse eval batch 41 42 43 --concurrency 2
  evalpulse eval status 9f1c2d
  evalpulse eval history --stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var evalStartCmd = &cobra.Command{
	Use:   "start <target-id>",
	Short: "Start an evaluation and wait for its result",
	Long: `Start an evaluation for one answer and poll until it completes, fails or times out.
Ctrl+C cancels polling; the backend job itself keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvalStart,
}

var evalBatchCmd = &cobra.Command{
	Use:   "batch <target-id>...",
	Short: "Evaluate several answers concurrently",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEvalBatch,
}

var evalStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Fetch and classify a job status once",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvalStatus,
}

var evalHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List journaled evaluation sessions",
	RunE:  runEvalHistory,
}

func init() {
	for _, c := range []*cobra.Command{evalStartCmd, evalBatchCmd} {
		c.Flags().Bool("force", false, "Re-evaluate even if an evaluation exists")
		c.Flags().Duration("interval", 0, "Poll interval (default from poll.interval_ms)")
		c.Flags().Int("max-attempts", 0, "Maximum status fetches (default from poll.max_attempts)")
	}
	evalBatchCmd.Flags().Int("concurrency", 4, "Maximum evaluations in flight")
	evalHistoryCmd.Flags().Int("limit", 20, "Maximum entries to show")
	evalHistoryCmd.Flags().Bool("stats", false, "Show per-state counts instead of entries")
	evalHistoryCmd.Flags().Duration("prune", 0, "Delete finished entries older than this duration")

	for _, c := range []*cobra.Command{evalStartCmd, evalBatchCmd, evalStatusCmd, evalHistoryCmd} {
		c.Flags().StringP("output", "o", outputText, "Output format: text, json, yaml")
		EvalCmd.AddCommand(c)
	}
}

// startOptions reads the shared start flags
func startOptions(cmd *cobra.Command) (evaluation.Options, error) {
	force, _ := cmd.Flags().GetBool("force")
	interval, _ := cmd.Flags().GetDuration("interval")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
	if interval < 0 || maxAttempts < 0 {
		return evaluation.Options{}, errors.NewInvalidRequestError("--interval and --max-attempts must be >= 0")
	}
	return evaluation.Options{Force: force, Interval: interval, MaxAttempts: maxAttempts}, nil
}

func outputFlag(cmd *cobra.Command) (string, error) {
	output, _ := cmd.Flags().GetString("output")
	return output, validateOutput(output)
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// startAndWait starts one evaluation and blocks until it ends or ctx is done.
// When ctx ends first the session is cancelled and ErrCancelled returned.
func startAndWait(ctx context.Context, tracker *evaluation.Tracker, targetID string, opts evaluation.Options) (evaluation.Summary, error) {
	h, err := tracker.StartEvaluation(ctx, targetID, opts)
	if err != nil {
		return evaluation.Summary{}, err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Cancel()
		<-h.Done()
	}

	_, err = h.Wait(context.Background())
	return h.Summary(), err
}

func tickText(targetID string, t poll.Tick) string {
	state := string(t.Classification.Lifecycle)
	if t.Err != nil {
		state = "fetch failed, retrying"
	}
	return fmt.Sprintf("%s %s: attempt %d/%d, %s", sym.Pulse, targetID, t.Attempt, t.MaxAttempts, state)
}

func runEvalStart(cmd *cobra.Command, args []string) error {
	output, err := outputFlag(cmd)
	if err != nil {
		return err
	}
	opts, err := startOptions(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	target := args[0]
	var spinner *pterm.SpinnerPrinter
	if output == outputText {
		spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("%s Starting evaluation for %s", sym.PulseOpen, target))
		verbosity, _ := cmd.Flags().GetCount("verbose")
		showTicks := logger.ShouldOutput(verbosity, logger.OutputTicks)
		opts.OnTick = func(t poll.Tick) {
			text := tickText(target, t)
			if showTicks {
				pterm.Info.Println(text)
			}
			spinner.UpdateText(text)
		}
	}

	summary, err := startAndWait(ctx, rt.tracker, target, opts)
	if spinner != nil {
		if err != nil {
			spinner.Fail(fmt.Sprintf("%s %s: %s", sym.PulseClose, target, summary.State))
		} else {
			spinner.Success(fmt.Sprintf("%s %s: completed", sym.PulseClose, target))
		}
	}
	if summary.ID == "" {
		return err
	}

	if renderErr := render(cmd.OutOrStdout(), output, summary, func(w io.Writer) error {
		return printSummary(w, summary)
	}); renderErr != nil {
		return renderErr
	}
	return err
}

func printSummary(w io.Writer, s evaluation.Summary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Session:  %s\n", s.ID)
	fmt.Fprintf(&b, "Target:   %s\n", s.TargetID)
	if s.JobID != "" {
		fmt.Fprintf(&b, "Job:      %s\n", s.JobID)
	}
	fmt.Fprintf(&b, "State:    %s\n", s.State)
	if s.Immediate {
		b.WriteString("Source:   existing evaluation\n")
	} else {
		fmt.Fprintf(&b, "Attempts: %d\n", s.Attempts)
	}
	if s.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error:    %s\n", s.ErrorMessage)
	}
	if len(s.Result) > 0 {
		fmt.Fprintf(&b, "Result:\n  %s\n", prettyJSON(s.Result))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// batchResult is one line of a batch run
type batchResult struct {
	TargetID string              `json:"target_id"`
	Session  *evaluation.Summary `json:"session,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// runBatch evaluates targets with at most concurrency sessions in flight.
// One target failing does not stop the others.
func runBatch(ctx context.Context, tracker *evaluation.Tracker, targets []string, concurrency int, opts evaluation.Options, done func(batchResult)) ([]batchResult, error) {
	if concurrency <= 0 {
		return nil, errors.NewInvalidRequestError("--concurrency must be > 0")
	}

	results := make([]batchResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, target := range targets {
		g.Go(func() error {
			summary, err := startAndWait(gctx, tracker, target, opts)
			r := batchResult{TargetID: target}
			if summary.ID != "" {
				r.Session = &summary
			}
			if err != nil {
				r.Error = err.Error()
			}
			results[i] = r
			if done != nil {
				done(r)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return results, errors.Wrap(errors.ErrCancelled, "batch interrupted")
	}
	return results, nil
}

func runEvalBatch(cmd *cobra.Command, args []string) error {
	output, err := outputFlag(cmd)
	if err != nil {
		return err
	}
	opts, err := startOptions(cmd)
	if err != nil {
		return err
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	var progress *pterm.ProgressbarPrinter
	if output == outputText {
		progress, _ = pterm.DefaultProgressbar.WithTotal(len(args)).WithTitle(sym.Pulse + " Evaluating").Start()
	}
	results, err := runBatch(ctx, rt.tracker, args, concurrency, opts, func(r batchResult) {
		if progress != nil {
			progress.Increment()
		}
	})
	if progress != nil {
		_, _ = progress.Stop()
	}
	if results == nil {
		return err
	}

	if renderErr := render(cmd.OutOrStdout(), output, results, func(w io.Writer) error {
		return printBatch(w, results)
	}); renderErr != nil {
		return renderErr
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return errors.Newf("%d of %d evaluations did not complete", failed, len(results))
	}
	return nil
}

func printBatch(w io.Writer, results []batchResult) error {
	data := pterm.TableData{{"Target", "State", "Attempts", "Error"}}
	for _, r := range results {
		state, attempts := "-", "-"
		if r.Session != nil {
			state = string(r.Session.State)
			attempts = fmt.Sprint(r.Session.Attempts)
		}
		data = append(data, []string{r.TargetID, state, attempts, r.Error})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	_, err = fmt.Fprintln(w, table)
	return err
}

// statusReport is the output of eval status
type statusReport struct {
	JobID        poll.JobReference `json:"job_id"`
	Status       string            `json:"status"`
	Lifecycle    string            `json:"lifecycle"`
	Recognized   bool              `json:"recognized"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

func runEvalStatus(cmd *cobra.Command, args []string) error {
	output, err := outputFlag(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	ref := poll.JobReference(args[0])
	snap, err := client.FetchStatus(ctx, ref)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch status of %s", ref)
	}
	c := snap.Classify()

	r := statusReport{
		JobID:        ref,
		Status:       c.Raw,
		Lifecycle:    string(c.Lifecycle),
		Recognized:   c.Recognized,
		Result:       snap.Result,
		ErrorMessage: snap.ErrorMessage,
	}

	return render(cmd.OutOrStdout(), output, r, func(w io.Writer) error {
		fmt.Fprintf(w, "Job:       %s\n", ref)
		fmt.Fprintf(w, "Status:    %s\n", c.Raw)
		fmt.Fprintf(w, "Lifecycle: %s", c.Lifecycle)
		if !c.Recognized {
			fmt.Fprint(w, " (unrecognized status)")
		}
		fmt.Fprintln(w)
		if snap.ErrorMessage != "" {
			fmt.Fprintf(w, "Error:     %s\n", snap.ErrorMessage)
		}
		if len(snap.Result) > 0 {
			fmt.Fprintf(w, "Result:\n  %s\n", prettyJSON(snap.Result))
		}
		return nil
	})
}

func runEvalHistory(cmd *cobra.Command, args []string) error {
	output, err := outputFlag(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	showStats, _ := cmd.Flags().GetBool("stats")
	prune, _ := cmd.Flags().GetDuration("prune")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled {
		return errors.WithHint(errors.New("journal is disabled"), "evalpulse am set journal.enabled true")
	}
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if prune > 0 {
		n, err := j.Prune(ctx, time.Now().Add(-prune))
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Pruned %d entries older than %s", n, prune)
		return nil
	}

	if showStats {
		stats, err := j.Stats(ctx)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), output, stats, func(w io.Writer) error {
			return printStats(w, stats)
		})
	}

	entries, err := j.List(ctx, limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return render(cmd.OutOrStdout(), output, entries, func(w io.Writer) error {
		return printHistory(w, entries)
	})
}

func printHistory(w io.Writer, entries []journal.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No evaluations recorded yet")
		return err
	}
	data := pterm.TableData{{"Session", "Target", "State", "Attempts", "Started", "Error"}}
	for _, e := range entries {
		data = append(data, []string{
			e.ID[:min(8, len(e.ID))],
			e.TargetID,
			string(e.State),
			fmt.Sprint(e.Attempts),
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.ErrorMessage,
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	_, err = fmt.Fprintln(w, table)
	return err
}

func printStats(w io.Writer, stats journal.Stats) error {
	fmt.Fprintf(w, "Total:            %d\n", stats.Total)
	for _, state := range []poll.State{poll.StateRunning, poll.StateCompleted, poll.StateFailed, poll.StateTimedOut, poll.StateCancelled} {
		if n := stats.ByState[state]; n > 0 {
			fmt.Fprintf(w, "  %-14s  %d\n", state, n)
		}
	}
	fmt.Fprintf(w, "Immediate:        %d\n", stats.Immediate)
	_, err := fmt.Fprintf(w, "Average attempts: %.1f\n", stats.AverageAttempts)
	return err
}
