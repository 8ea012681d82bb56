package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/wstm/internal/engine"
	"github.com/roach88/wstm/internal/harness"
	"github.com/roach88/wstm/internal/metrics"
	"github.com/roach88/wstm/internal/store"
)

// Benchmark modes.
const (
	BenchCounter  = "counter"
	BenchTransfer = "transfer"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions
	Mode        string
	Workers     int
	Vars        int
	Iterations  int
	Policy      string
	LockAfter   int
	ProfileDB   string
	MetricsAddr string
	Hold        time.Duration // keep the metrics endpoint up after the run
	Progress    time.Duration // log the running total this often
}

// BenchResult is the outcome of one benchmark run.
type BenchResult struct {
	Mode       string             `json:"mode"`
	Policy     string             `json:"policy"`
	Workers    int                `json:"workers"`
	Vars       int                `json:"vars"`
	Iterations int                `json:"iterations"`
	Stats      engine.ProfileData `json:"stats"`
	Throughput int64              `json:"tx_per_sec"`
	Invariant  bool               `json:"invariant"`
	Session    string             `json:"session,omitempty"`
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark a contended workload",
		Long: `Run a contended workload and report commit and conflict counts.

Modes:
  counter  - every worker increments the vars round-robin
  transfer - every worker moves one unit between neighbouring vars

The run checks the workload invariant (the counter total, or the conserved
transfer sum) and exits 1 if it does not hold.

Examples:
  stm bench --workers 8 --vars 1 --iterations 10000
  stm bench --mode transfer --vars 4 --policy locked-vars
  stm bench --profile-db ./profile.db --metrics-addr :9090 --hold 1m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", BenchCounter, "workload (counter|transfer)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "concurrent workers")
	cmd.Flags().IntVar(&opts.Vars, "vars", 1, "number of shared variables")
	cmd.Flags().IntVar(&opts.Iterations, "iterations", 1000, "transactions per worker")
	cmd.Flags().StringVar(&opts.Policy, "policy", harness.PolicyRestart, "conflict policy (restart|locked|locked-vars)")
	cmd.Flags().IntVar(&opts.LockAfter, "lock-after", harness.DefaultLockAfter, "conflicts before a locked run")
	cmd.Flags().StringVar(&opts.ProfileDB, "profile-db", "", "record transactions to this SQLite database")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&opts.Hold, "hold", 0, "keep serving metrics this long after the run")
	cmd.Flags().DurationVar(&opts.Progress, "progress", 0, "log the running total at this interval (needs -v)")

	return cmd
}

func (o *BenchOptions) validate() error {
	switch o.Mode {
	case BenchCounter:
		if o.Vars < 1 {
			return fmt.Errorf("--vars must be at least 1")
		}
	case BenchTransfer:
		if o.Vars < 2 {
			return fmt.Errorf("--vars must be at least 2 for transfer")
		}
	default:
		return fmt.Errorf("unknown mode %q", o.Mode)
	}
	switch o.Policy {
	case harness.PolicyRestart, harness.PolicyLocked, harness.PolicyLockedVars:
	default:
		return fmt.Errorf("unknown policy %q", o.Policy)
	}
	if o.Workers < 1 || o.Iterations < 1 {
		return fmt.Errorf("--workers and --iterations must be positive")
	}
	return nil
}

func runBench(opts *BenchOptions, cmd *cobra.Command) error {
	if err := opts.validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid benchmark", err)
	}
	policy, err := harness.PolicySpec{Kind: opts.Policy, After: opts.LockAfter}.Build()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid benchmark", err)
	}

	logger := opts.logger(cmd.ErrOrStderr())
	ctx, stop := signalContext(cmd)
	defer stop()

	reg := prometheus.NewRegistry()
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithDefaultPolicy(policy),
		engine.WithRecorder(metrics.NewMetrics(reg, "stm")),
	}

	if opts.MetricsAddr != "" {
		srv := metrics.NewServer(opts.MetricsAddr, reg)
		if err := srv.StartAsync(); err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics server", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown", "error", err)
			}
		}()
		opts.formatter(cmd).VerboseLog("serving metrics on http://%s/metrics", srv.Addr())
	}

	var (
		result BenchResult
		rec    *store.Recorder
	)
	if opts.ProfileDB != "" {
		st, err := store.Open(opts.ProfileDB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open profile database", err)
		}
		defer st.Close()
		sess, err := st.BeginSession(ctx, fmt.Sprintf("bench %s %s", opts.Mode, opts.Policy))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to begin profile session", err)
		}
		rec = store.NewRecorder(st, sess, logger)
		result.Session = sess.ID
		engineOpts = append(engineOpts, engine.WithRecorder(rec))
	}

	eng := engine.New(engineOpts...)
	// Blocked transfers wake up with ErrEngineClosed on interrupt.
	go func() {
		<-ctx.Done()
		eng.Close()
	}()

	runErr := bench(ctx, eng, opts, &result, logger)
	eng.Close()
	if rec != nil {
		if err := rec.Close(); err != nil {
			logger.Error("profile recording incomplete", "error", err)
		}
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "benchmark failed", runErr)
	}

	if opts.Format == "json" {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(result); err != nil {
			return err
		}
	} else {
		printBenchText(cmd, result)
	}

	if opts.MetricsAddr != "" && opts.Hold > 0 {
		select {
		case <-time.After(opts.Hold):
		case <-ctx.Done():
		}
	}

	if !result.Invariant {
		return NewExitError(ExitFailure, "benchmark invariant violated")
	}
	return nil
}

// bench runs the workload on eng and fills result.
func bench(ctx context.Context, eng *engine.Engine, opts *BenchOptions, result *BenchResult, logger *slog.Logger) error {
	// Transfer vars start with enough units that no var can run dry.
	initial := int64(0)
	if opts.Mode == BenchTransfer {
		initial = int64(opts.Workers * opts.Iterations)
	}
	vars := make([]*engine.Var[int64], opts.Vars)
	for i := range vars {
		vars[i] = engine.NewVar(eng, initial, engine.VarName(fmt.Sprintf("v%d", i)))
	}

	eng.StartProfiling()
	start := time.Now()
	stopProgress := reportProgress(eng, vars, opts.Progress, logger)

	g, gctx := errgroup.WithContext(ctx)
	for w := range opts.Workers {
		g.Go(func() error {
			for i := range opts.Iterations {
				var body func(*engine.Tx) error
				if opts.Mode == BenchCounter {
					v := vars[(w+i)%len(vars)]
					body = func(tx *engine.Tx) error {
						v.Modify(tx, func(n int64) int64 { return n + 1 })
						return nil
					}
				} else {
					from := vars[(w+i)%len(vars)]
					to := vars[(w+i+1)%len(vars)]
					body = func(tx *engine.Tx) error {
						n := from.Get(tx)
						if n == 0 {
							return tx.Retry()
						}
						from.Set(tx, n-1)
						to.Modify(tx, func(m int64) int64 { return m + 1 })
						return nil
					}
				}
				if err := eng.Atomically(gctx, body, engine.WithLabel(opts.Mode)); err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	stopProgress()
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	total, err := engine.AtomicallyValue(ctx, eng, func(tx *engine.Tx) (int64, error) {
		var sum int64
		for _, v := range vars {
			sum += v.Get(tx)
		}
		return sum, nil
	}, engine.WithLabel("verify"))
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	want := int64(opts.Workers * opts.Iterations)
	if opts.Mode == BenchTransfer {
		want = int64(len(vars)) * initial
	}

	*result = BenchResult{
		Mode:       opts.Mode,
		Policy:     opts.Policy,
		Workers:    opts.Workers,
		Vars:       opts.Vars,
		Iterations: opts.Iterations,
		Stats:      eng.Checkpoint(),
		Invariant:  total == want,
		Session:    result.Session,
	}
	result.Stats.Elapsed = elapsed
	if secs := elapsed.Seconds(); secs > 0 {
		result.Throughput = int64(float64(opts.Workers*opts.Iterations) / secs)
	}
	return nil
}

// reportProgress logs the total of vars every interval, and once more when
// stopped. The reads are untracked, so they never conflict with workers.
func reportProgress(eng *engine.Engine, vars []*engine.Var[int64], every time.Duration, logger *slog.Logger) (stop func()) {
	if every <= 0 {
		return func() {}
	}
	total := func() int64 {
		return engine.InconsistentlyValue(eng, func(in *engine.Inconsistent) int64 {
			in.ReadLock()
			defer in.ReadUnlock()
			var sum int64
			for _, v := range vars {
				sum += v.GetInconsistent(in)
			}
			return sum
		})
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				logger.Info("bench progress", "total", total(), "final", true)
				return
			case <-ticker.C:
				logger.Info("bench progress", "total", total())
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func printBenchText(cmd *cobra.Command, r BenchResult) {
	w := cmd.OutOrStdout()
	p := message.NewPrinter(language.English)

	p.Fprintf(w, "%s benchmark, policy %s: %d workers x %d iterations over %d vars\n",
		r.Mode, r.Policy, r.Workers, r.Iterations, r.Vars)
	fmt.Fprint(w, r.Stats.Format())
	p.Fprintf(w, "throughput:     %d tx/s\n", r.Throughput)
	if r.Invariant {
		fmt.Fprintln(w, "invariant:      ✓ holds")
	} else {
		fmt.Fprintln(w, "invariant:      ✗ violated")
	}
	if r.Session != "" {
		fmt.Fprintf(w, "profile session: %s\n", r.Session)
	}
}
