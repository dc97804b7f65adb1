// Package main provides the stepmetrics-demo CLI entry point: a small
// program that wires up a registry.Registry end to end and drives it
// with synthetic load so its publish/eval/subscription pipeline can be
// observed from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/stepmetrics/stepmetrics/internal/config"
	"github.com/stepmetrics/stepmetrics/internal/telemetry"
	"github.com/stepmetrics/stepmetrics/registry"
)

// Version, Commit and Date are injected via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	cfgFile string //nolint:gochecknoglobals // CLI flag variable
	verbose bool   //nolint:gochecknoglobals // CLI flag variable
	quiet   bool   //nolint:gochecknoglobals // CLI flag variable
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stepmetrics-demo",
		Short: "Drive a stepmetrics registry with synthetic load",
		Long: `stepmetrics-demo wires up a registry end to end — meters, the
publish and eval consolidators, the rollup policy and the subscription
manager — and prints a periodic status table while it runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stepmetrics.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress status tables")

	rootCmd.AddCommand(runCommand())
	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "stepmetrics-demo %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func runCommand() *cobra.Command {
	var (
		duration   time.Duration
		uri        string
		evalURI    string
		configURI  string
		statusTick time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a registry with synthetic load until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), demoOptions{
				duration:   duration,
				uri:        uri,
				evalURI:    evalURI,
				configURI:  configURI,
				statusTick: statusTick,
			})
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&uri, "uri", "", "publish endpoint (overrides config)")
	cmd.Flags().StringVar(&evalURI, "eval-uri", "", "eval endpoint (overrides config)")
	cmd.Flags().StringVar(&configURI, "config-uri", "", "subscription endpoint (overrides config)")
	cmd.Flags().DurationVar(&statusTick, "status-interval", 2*time.Second, "how often to print a status table")

	return cmd
}

type demoOptions struct {
	duration   time.Duration
	uri        string
	evalURI    string
	configURI  string
	statusTick time.Duration
}

func runDemo(ctx context.Context, opts demoOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.duration > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.uri != "" {
		cfg.Uri = opts.uri
	}

	if opts.evalURI != "" {
		cfg.EvalUri = opts.evalURI
	}

	if opts.configURI != "" {
		cfg.ConfigUri = opts.configURI
	}

	logger := telemetry.Logger(telemetry.Config{LogLevel: slogLevel(), LogJSON: false})

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	reg, err := registry.New(*cfg, nil, nil, logger, metrics)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	reg.Start()

	stopLoad := generateLoad(ctx, reg)
	defer stopLoad()

	if !quiet {
		printStatusLoop(ctx, reg, opts.statusTick)
	} else {
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ReadTimeout+time.Second)
	defer cancel()

	return reg.Shutdown(shutdownCtx)
}

// generateLoad records synthetic Counter/Gauge/Timer activity every
// 200ms so the registry's publish and eval pipelines have something to
// carry. The goroutine exits once ctx is cancelled; the returned
// function blocks until it has.
func generateLoad(ctx context.Context, reg *registry.Registry) func() {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		requests := reg.Counter("demo.requests", map[string]string{"endpoint": "/widgets"})
		queueDepth := reg.Gauge("demo.queue.depth", nil)
		latency := reg.Timer("demo.latency", map[string]string{"endpoint": "/widgets"})

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				requests.Add(float64(1 + rand.Intn(3)))
				queueDepth.Set(float64(rand.Intn(50)))
				latency.Record(time.Duration(5+rand.Intn(40)) * time.Millisecond)
			}
		}
	}()

	return func() { <-done }
}

func printStatusLoop(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStatus(reg)
		}
	}
}

func printStatus(reg *registry.Registry) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(os.Stdout)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Meter", "Type", "Expired"})

	for _, m := range reg.Snapshot() {
		expired := color.New(color.FgGreen).Sprint("no")
		if m.Expired {
			expired = color.New(color.FgRed).Sprint("yes")
		}

		tbl.AppendRow(table.Row{m.ID, m.Type, expired})
	}

	tbl.AppendFooter(table.Row{"", "clock skew", reg.ClockSkew().String()})
	tbl.Render()

	subs := reg.Subscriptions()
	if len(subs) == 0 {
		return
	}

	subTbl := table.NewWriter()
	subTbl.SetOutputMirror(os.Stdout)
	subTbl.SetStyle(table.StyleLight)
	subTbl.AppendHeader(table.Row{"Subscription", "Expression", "Frequency"})

	for _, s := range subs {
		subTbl.AppendRow(table.Row{s.ID, s.Expression, time.Duration(s.FrequencyMs) * time.Millisecond})
	}

	subTbl.Render()
}

func slogLevel() slog.Level {
	switch {
	case verbose:
		return slog.LevelDebug
	case quiet:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
