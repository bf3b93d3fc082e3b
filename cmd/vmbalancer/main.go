// Command vmbalancer runs the VM auto-balancer control loop: it classifies
// hypervisor nodes, selects migration candidates, and relocates VMs off
// overloaded nodes onto under-utilized ones at a fixed interval.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vmbalancer/vmbalancer/internal/analyzer"
	"github.com/vmbalancer/vmbalancer/internal/config"
	"github.com/vmbalancer/vmbalancer/internal/ledger"
	"github.com/vmbalancer/vmbalancer/internal/metrics"
	"github.com/vmbalancer/vmbalancer/internal/orchestrator"
	"github.com/vmbalancer/vmbalancer/internal/scheduler"
	"github.com/vmbalancer/vmbalancer/internal/vmmanager"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var bannerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("86")).
	BorderStyle(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("240")).
	Padding(0, 1)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "vmbalancer",
		Short:         "Auto-balance VMs across a cluster's hypervisor nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root)

	var exitCode int
	root.RunE = func(cmd *cobra.Command, args []string) error {
		exitCode = execute(cmd)
		return nil
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}

func execute(cmd *cobra.Command) int {
	cfg, err := config.Load(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid log level:", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	fmt.Println(bannerStyle.Render(fmt.Sprintf("vmbalancer %s (%s, %s)", version, gitCommit, buildTime)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := vmmanager.NewClient(cfg.Host, cfg.Username, cfg.Password, cfg.VerifySSL, cfg.ReauthIdle, log)
	if err := client.Authenticate(ctx); err != nil {
		log.Error("initial authentication failed", zap.Error(err))
		return 1
	}
	log.Info("authenticated", zap.String("host", cfg.Host))

	migrationLedger, err := openLedger(cfg, log)
	if err != nil {
		log.Error("failed to open migration ledger", zap.Error(err))
		return 1
	}
	defer migrationLedger.Close() //nolint:errcheck

	var recorder orchestrator.MetricsRecorder = orchestrator.NoopMetrics{}
	if cfg.MetricsAddr != "" {
		rec := metrics.New()
		recorder = rec
		go func() {
			if err := rec.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error("metrics server stopped with error", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	var executor orchestrator.Executor = &orchestrator.RealExecutor{API: client}
	if cfg.DryRun {
		executor = orchestrator.SimulatingExecutor{}
	}

	cycle := &orchestrator.BalanceCycle{
		API: client,
		Analyzer: &analyzer.NodeAnalyzer{
			CPUOverloadThreshold:    cfg.CPUOverloadThreshold,
			MemoryOverloadThreshold: cfg.MemoryOverloadThreshold,
			CPUTargetThreshold:      cfg.CPUTargetThreshold,
			MemoryTargetThreshold:   cfg.MemoryTargetThreshold,
			ExcludeSourceNodes:      cfg.ExcludeSourceNodes,
			ExcludeTargetNodes:      cfg.ExcludeTargetNodes,
			Log:                     log,
		},
		Estimator: &analyzer.ResourceEstimator{
			CPUOverloadThreshold:    cfg.CPUOverloadThreshold,
			MemoryOverloadThreshold: cfg.MemoryOverloadThreshold,
		},
		Strategy: &analyzer.MigrationStrategy{
			Ledger:          migrationLedger,
			HistoryWindow:   cfg.HistoryRetention,
			BlacklistWindow: cfg.BlacklistRetention,
			Comparator:      comparatorFor(cfg.VMSelectionOrder),
			Log:             log,
		},
		Ledger:                migrationLedger,
		Executor:              executor,
		Metrics:               recorder,
		Log:                   log,
		ClusterIDs:            cfg.ClusterIDs,
		MaxMigrationsPerCycle: cfg.MaxMigrationsPerCycle,
		MigrationTimeout:      cfg.MigrationTimeout,
		DryRun:                cfg.DryRun,
	}

	sched := &scheduler.Scheduler{
		Cycle:    cycle,
		Interval: cfg.BalanceInterval,
		Once:     cfg.Once,
		Log:      log,
	}

	if err := sched.Run(ctx); err != nil {
		log.Error("balance loop exited with error", zap.Error(err))
		return 1
	}
	return 0
}

func openLedger(cfg *config.Config, log *zap.Logger) (ledger.MigrationLedger, error) {
	if cfg.LedgerDBPath == "" {
		return ledger.NewMemoryLedger(), nil
	}
	return ledger.OpenSQLiteLedger(cfg.LedgerDBPath, log)
}

func comparatorFor(order config.VMSelectionOrder) analyzer.VMComparator {
	if order == config.LargestFirst {
		return analyzer.LargestFirst{}
	}
	return analyzer.SmallestFirst{}
}

func buildLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}
